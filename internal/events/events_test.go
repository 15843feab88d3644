package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs map[Channel][][]byte
	err  error
}

func (s *recordingSink) Publish(_ context.Context, ch Channel, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgs == nil {
		s.msgs = map[Channel][][]byte{}
	}
	s.msgs[ch] = append(s.msgs[ch], data)
	return nil
}

type memoryUsers struct {
	rows    map[string]UserData
	failErr error
}

func newMemoryUsers() *memoryUsers { return &memoryUsers{rows: map[string]UserData{}} }

func (m *memoryUsers) Upsert(_ context.Context, u UserData) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.rows[u.ID] = u
	return nil
}

func (m *memoryUsers) Delete(_ context.Context, id string) error {
	if m.failErr != nil {
		return m.failErr
	}
	delete(m.rows, id)
	return nil
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{Created, Updated, Deleted} {
		parsed, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParseType("archived")
	require.ErrorIs(t, err, ErrUnknownType)
	_, err = ParseType("Created")
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestPublisher_Envelope(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher[ProductData](sink, ProductChannel, "productService")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	err := p.Publish(context.Background(), Created, ProductData{ID: "p-1", OwnerID: "u-1", Name: "Widget", Price: 9.5})
	require.NoError(t, err)

	require.Len(t, sink.msgs[ProductChannel], 1)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sink.msgs[ProductChannel][0], &env))
	assert.JSONEq(t, `"created"`, string(env["eventType"]))
	assert.JSONEq(t, `"2026-01-02T03:04:05Z"`, string(env["timestamp"]))
	assert.JSONEq(t, `"productService"`, string(env["source"]))
	assert.NotEmpty(t, env["eventId"])

	var data ProductData
	require.NoError(t, json.Unmarshal(env["data"], &data))
	assert.Equal(t, "u-1", data.OwnerID)
	assert.Equal(t, "Widget", data.Name)
}

func TestPublisher_SinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("no responders")}
	err := NewPublisher[UserData](sink, UserChannel, "userService").Publish(context.Background(), Deleted, UserData{ID: "u-1"})
	require.Error(t, err)
}

func event(t *testing.T, typ Type, u UserData) []byte {
	t.Helper()
	data, err := json.Marshal(Envelope[UserData]{EventType: typ.String(), Data: u, Timestamp: time.Now()})
	require.NoError(t, err)
	return data
}

func TestApply_CreatedThenDeleted(t *testing.T) {
	ctx := context.Background()
	store := newMemoryUsers()
	u := UserData{ID: "x", Email: "x@example.com", FirstName: "X", IsActive: true}

	require.NoError(t, Apply[UserData](ctx, store, event(t, Created, u)))
	assert.Equal(t, u, store.rows["x"])

	require.NoError(t, Apply[UserData](ctx, store, event(t, Deleted, UserData{ID: "x"})))
	_, ok := store.rows["x"]
	assert.False(t, ok)
}

// Delivered in reverse, the store holds whatever was applied last.
func TestApply_ReverseOrderLastWins(t *testing.T) {
	ctx := context.Background()
	store := newMemoryUsers()
	u := UserData{ID: "x", Email: "x@example.com"}

	require.NoError(t, Apply[UserData](ctx, store, event(t, Deleted, UserData{ID: "x"})))
	require.NoError(t, Apply[UserData](ctx, store, event(t, Created, u)))
	assert.Equal(t, u, store.rows["x"])
}

func TestApply_UpdatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	once := newMemoryUsers()
	twice := newMemoryUsers()
	msg := event(t, Updated, UserData{ID: "x", Email: "new@example.com", LastName: "Lovelace"})

	require.NoError(t, Apply[UserData](ctx, once, msg))
	require.NoError(t, Apply[UserData](ctx, twice, msg))
	require.NoError(t, Apply[UserData](ctx, twice, msg))
	assert.Equal(t, once.rows, twice.rows)
}

func TestApply_Rejects(t *testing.T) {
	ctx := context.Background()
	store := newMemoryUsers()

	err := Apply[UserData](ctx, store, []byte(`{not json`))
	require.ErrorIs(t, err, ErrMalformed)

	err = Apply[UserData](ctx, store, []byte(`{"eventType":"archived","data":{"id":"x"}}`))
	require.ErrorIs(t, err, ErrUnknownType)

	err = Apply[UserData](ctx, store, []byte(`{"eventType":"created","data":{"email":"x@example.com"}}`))
	require.ErrorIs(t, err, ErrMalformed)

	err = Apply[UserData](ctx, store, []byte(`{"eventType":"created"}`))
	require.ErrorIs(t, err, ErrMalformed)

	assert.Empty(t, store.rows)
}

func TestApply_ProcessingError(t *testing.T) {
	store := newMemoryUsers()
	store.failErr = errors.New("database is locked")

	err := Apply[UserData](context.Background(), store, event(t, Created, UserData{ID: "x"}))
	var perr *ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, Created, perr.Type)
	assert.Equal(t, "x", perr.ID)
	assert.ErrorIs(t, err, store.failErr)
}

func TestHandle_NeverPanics(t *testing.T) {
	store := newMemoryUsers()
	assert.NotPanics(t, func() {
		Handle[UserData](context.Background(), UserChannel, store, nil)
		Handle[UserData](context.Background(), UserChannel, store, []byte(`{"eventType":"purged","data":{}}`))
		Handle[UserData](context.Background(), UserChannel, store, event(t, Created, UserData{ID: "ok"}))
	})
	assert.Contains(t, store.rows, "ok")
}

func TestRetry_Bounded(t *testing.T) {
	calls := 0
	err := Retry{Attempts: 3}.do(context.Background(), "dial", func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry{Attempts: 3}.do(context.Background(), "dial", func() error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry{Attempts: 3, Backoff: time.Hour}.do(ctx, "dial", func() error { return errors.New("refused") })
	require.ErrorIs(t, err, context.Canceled)
}

// What a publisher emits is what a consumer applies: every subscriber's
// snapshot ends up equal to the published projection.
func TestPublishThenApply_Converges(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	p := NewPublisher[UserData](sink, UserChannel, "userService")
	u := UserData{ID: "u-1", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", IsActive: true}

	require.NoError(t, p.Publish(ctx, Created, u))
	u.LastName = "Byron"
	require.NoError(t, p.Publish(ctx, Updated, u))

	subscribers := []*memoryUsers{newMemoryUsers(), newMemoryUsers()}
	for _, s := range subscribers {
		for _, msg := range sink.msgs[UserChannel] {
			require.NoError(t, Apply[UserData](ctx, s, msg))
		}
		assert.Equal(t, u, s.rows["u-1"])
	}
}
