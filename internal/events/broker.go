// Package events carries domain events between services over NATS
// JetStream. Each entity type has one stream; every consuming service holds
// its own durable consumer on it, so each service sees every event.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Retry bounds how long startup waits for the broker.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is five attempts three seconds apart.
var DefaultRetry = Retry{Attempts: 5, Backoff: 3 * time.Second}

func (r Retry) do(ctx context.Context, what string, fn func() error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		slog.Warn(what+" failed", "attempt", attempt, "attempts", attempts, "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", what, attempts, err)
}

// Broker owns the process's NATS connection.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	source string
	retry  Retry
}

// Connect dials url, retrying per retry. Once connected the client
// reconnects on its own for the life of the process.
func Connect(ctx context.Context, url, source string, retry Retry) (*Broker, error) {
	var nc *nats.Conn
	err := retry.do(ctx, "connect to nats", func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.Name(source),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	slog.Info("connected to nats", "url", nc.ConnectedUrl())
	return &Broker{nc: nc, js: js, source: source, retry: retry}, nil
}

// Source is the service name stamped on published events.
func (b *Broker) Source() string { return b.source }

// EnsureChannel creates the channel's stream if it does not exist.
func (b *Broker) EnsureChannel(ctx context.Context, ch Channel) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      string(ch),
		Subjects:  []string{string(ch)},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   1000000,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", ch, err)
	}
	return nil
}

// Publish sends data on ch and waits for the stream's acknowledgement.
func (b *Broker) Publish(ctx context.Context, ch Channel, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := b.js.Publish(ctx, string(ch), data); err != nil {
		return fmt.Errorf("publish to %s: %w", ch, err)
	}
	return nil
}

// Close drains subscriptions and pending publishes, then closes the
// connection.
func (b *Broker) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
