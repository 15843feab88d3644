package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	jetstream.Msg
	data   []byte
	acked  bool
	nakked bool
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Nak() error {
	m.nakked = true
	return nil
}

type fakeBatch struct {
	msgs chan jetstream.Msg
}

func (b *fakeBatch) Messages() <-chan jetstream.Msg { return b.msgs }
func (b *fakeBatch) Error() error                   { return nil }

// fakeConsumer hands out one batch, then reports the context as done.
type fakeConsumer struct {
	batch   []*fakeMsg
	fetched bool
}

func (c *fakeConsumer) Fetch(int, ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	if c.fetched {
		return nil, context.Canceled
	}
	c.fetched = true
	ch := make(chan jetstream.Msg, len(c.batch))
	for _, m := range c.batch {
		ch <- m
	}
	close(ch)
	return &fakeBatch{msgs: ch}, nil
}

func newBatch(n int) []*fakeMsg {
	msgs := make([]*fakeMsg, n)
	for i := range msgs {
		msgs[i] = &fakeMsg{data: []byte(fmt.Sprintf(`{"n":%d}`, i))}
	}
	return msgs
}

func TestRun_StopMidBatchLeavesRestUnacked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := &fakeConsumer{batch: newBatch(3)}
	s := &Subscription{channel: UserChannel, done: make(chan struct{})}

	calls := 0
	s.run(ctx, consumer, func(hctx context.Context, _ []byte) error {
		calls++
		cancel()
		assert.NoError(t, hctx.Err(), "a started write must not see the stop")
		return nil
	})

	assert.Equal(t, 1, calls)
	assert.True(t, consumer.batch[0].acked)
	for _, m := range consumer.batch[1:] {
		assert.False(t, m.acked)
		assert.True(t, m.nakked)
	}
}

func TestRun_InterruptedWriteIsRedelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := &fakeConsumer{batch: newBatch(3)}
	s := &Subscription{channel: UserChannel, done: make(chan struct{})}

	results := []error{
		fmt.Errorf("upsert user snapshot: %w", context.DeadlineExceeded),
		fmt.Errorf("%w: bad json", ErrMalformed),
		nil,
	}
	calls := 0
	s.run(ctx, consumer, func(context.Context, []byte) error {
		err := results[calls]
		calls++
		if calls == len(results) {
			cancel()
		}
		return err
	})

	assert.False(t, consumer.batch[0].acked)
	assert.True(t, consumer.batch[0].nakked)
	// a rejected event is dropped, not retried
	assert.True(t, consumer.batch[1].acked)
	assert.True(t, consumer.batch[2].acked)
}

// stoppingUsers stops the subscription while a write is in progress.
type stoppingUsers struct {
	*memoryUsers
	stop context.CancelFunc
}

func (s stoppingUsers) Upsert(ctx context.Context, u UserData) error {
	s.stop()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memoryUsers.Upsert(ctx, u)
}

func TestRun_AppliesEventWhenStoppedDuringWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := stoppingUsers{memoryUsers: newMemoryUsers(), stop: cancel}
	msg := &fakeMsg{data: event(t, Created, UserData{ID: "u-1", Email: "ada@example.com"})}
	consumer := &fakeConsumer{batch: []*fakeMsg{msg}}
	s := &Subscription{channel: UserChannel, done: make(chan struct{})}

	s.run(ctx, consumer, func(hctx context.Context, raw []byte) error {
		return Handle[UserData](hctx, UserChannel, store, raw)
	})

	require.Contains(t, store.rows, "u-1")
	assert.True(t, msg.acked)
	assert.False(t, msg.nakked)
}

func TestHandle_ReportsInterruptedWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := newMemoryUsers()
	store.failErr = fmt.Errorf("upsert user snapshot: %w", context.Canceled)

	err := Handle[UserData](ctx, UserChannel, store, event(t, Created, UserData{ID: "u-1"}))
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, interrupted(err))
	assert.NotContains(t, store.rows, "u-1")
}
