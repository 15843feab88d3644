package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SnapshotWriter applies events to a local copy of a foreign entity.
// Both operations must be idempotent by identifier.
type SnapshotWriter[T Entity] interface {
	Upsert(ctx context.Context, entity T) error
	Delete(ctx context.Context, id string) error
}

// Apply decodes one raw event and routes it to w. Errors wrap
// ErrMalformed, ErrUnknownType, or are a *ProcessingError.
func Apply[T Entity](ctx context.Context, w SnapshotWriter[T], raw []byte) error {
	var env struct {
		EventType string          `json:"eventType"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	t, err := ParseType(env.EventType)
	if err != nil {
		return err
	}
	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, t, err)
	}
	id := data.EntityID()
	if id == "" {
		return fmt.Errorf("%w: %s event without id", ErrMalformed, t)
	}

	switch t {
	case Created, Updated:
		err = w.Upsert(ctx, data)
	case Deleted:
		err = w.Delete(ctx, id)
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, env.EventType)
	}
	if err != nil {
		return &ProcessingError{Type: t, ID: id, Err: err}
	}
	slog.Debug("applied event", "event_type", t, "id", id)
	return nil
}

// Handle is Apply with every failure logged. The error is returned so the
// fetch loop can tell an interrupted write from a rejected event.
func Handle[T Entity](ctx context.Context, ch Channel, w SnapshotWriter[T], raw []byte) error {
	err := Apply(ctx, w, raw)
	var perr *ProcessingError
	switch {
	case err == nil:
	case interrupted(err):
		slog.Warn("event processing interrupted", "channel", ch, "error", err)
	case errors.As(err, &perr):
		slog.Error("event processing failed", "channel", ch, "event_type", perr.Type, "id", perr.ID, "error", perr.Err)
	case errors.Is(err, ErrUnknownType):
		slog.Warn("dropping event of unknown type", "channel", ch, "error", err)
	default:
		slog.Warn("dropping malformed event", "channel", ch, "error", err)
	}
	return err
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fetcher is the part of jetstream.Consumer the fetch loop uses.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Subscription is a running fetch loop.
type Subscription struct {
	channel Channel
	durable string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscribe attaches the durable consumer named durable to ch and applies
// every delivered event to w until Stop or ctx is cancelled. Establishing
// the consumer is retried per the broker's policy.
func Subscribe[T Entity](ctx context.Context, b *Broker, ch Channel, durable string, w SnapshotWriter[T]) (*Subscription, error) {
	var consumer jetstream.Consumer
	err := b.retry.do(ctx, "subscribe to "+string(ch), func() error {
		if err := b.EnsureChannel(ctx, ch); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var err error
		consumer, err = b.js.CreateOrUpdateConsumer(cctx, string(ch), jetstream.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{channel: ch, durable: durable, cancel: cancel, done: make(chan struct{})}

	slog.Info("starting event consumer", "channel", ch, "consumer", durable)
	go s.run(ctx, consumer, func(ctx context.Context, raw []byte) error {
		return Handle(ctx, ch, w, raw)
	})
	return s, nil
}

func (s *Subscription) run(ctx context.Context, consumer fetcher, handle func(context.Context, []byte) error) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("fetch messages error", "channel", s.channel, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for msg := range msgs.Messages() {
			s.process(ctx, msg, handle)
		}
	}
}

// process acks msg once it has been handled. After Stop the rest of the
// batch is released unacked for redelivery; a started write runs to
// completion.
func (s *Subscription) process(ctx context.Context, msg jetstream.Msg, handle func(context.Context, []byte) error) {
	if ctx.Err() != nil {
		s.release(msg)
		return
	}
	if err := handle(context.WithoutCancel(ctx), msg.Data()); interrupted(err) {
		s.release(msg)
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Warn("ack failed", "channel", s.channel, "error", err)
	}
}

func (s *Subscription) release(msg jetstream.Msg) {
	if err := msg.Nak(); err != nil {
		slog.Warn("nak failed", "channel", s.channel, "error", err)
	}
}

// Stop ends the fetch loop and waits for the message in progress.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Subscriptions stops a group of subscriptions together.
type Subscriptions struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (g *Subscriptions) Add(s *Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, s)
	g.mu.Unlock()
}

func (g *Subscriptions) Stop() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, s := range subs {
		s.Stop()
	}
}
