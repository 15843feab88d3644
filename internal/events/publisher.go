package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink delivers serialized events. *Broker is the production Sink.
type Sink interface {
	Publish(ctx context.Context, ch Channel, data []byte) error
}

// Publisher emits events for one owned entity type on its channel.
type Publisher[T Entity] struct {
	sink    Sink
	channel Channel
	source  string
	now     func() time.Time
}

func NewPublisher[T Entity](sink Sink, ch Channel, source string) *Publisher[T] {
	return &Publisher[T]{sink: sink, channel: ch, source: source, now: time.Now}
}

// Publish serializes {eventType, data, timestamp} and waits until the
// channel has accepted it. Call it after the write it describes has
// committed and before answering the request.
func (p *Publisher[T]) Publish(ctx context.Context, t Type, payload T) error {
	data, err := json.Marshal(Envelope[T]{
		EventID:   uuid.NewString(),
		EventType: t.String(),
		Data:      payload,
		Timestamp: p.now().UTC(),
		Source:    p.source,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.sink.Publish(ctx, p.channel, data); err != nil {
		slog.Error("failed to publish event", "channel", p.channel, "event_type", t, "id", payload.EntityID(), "error", err)
		return err
	}
	slog.Info("published event", "channel", p.channel, "event_type", t, "id", payload.EntityID())
	return nil
}
