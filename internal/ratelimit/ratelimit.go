// Package ratelimit bounds attempts per key over a sliding window, either in
// process memory or shared through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Limiter interface {
	// Allow records an attempt for key and reports whether it is within
	// the limit.
	Allow(ctx context.Context, key string) (bool, error)
}

// window is the sliding window both limiters count attempts in.
type window struct {
	limit int
	span  time.Duration
	now   func() time.Time
}

// bounds returns the current instant and the newest instant no longer
// counted.
func (w window) bounds() (now, cutoff time.Time) {
	now = w.now()
	return now, now.Add(-w.span)
}

// exhausted reports whether n counted prior attempts leave no room for one
// more.
func (w window) exhausted(n int) bool {
	return n >= w.limit
}

// Memory is a sliding window limiter local to one process. A background
// goroutine sweeps stale keys until Close.
type Memory struct {
	window

	mu       sync.Mutex
	attempts map[string][]time.Time // ascending per key
	stop     chan struct{}
	once     sync.Once
}

func NewMemory(limit int, span time.Duration) *Memory {
	m := &Memory{
		window:   window{limit: limit, span: span, now: time.Now},
		attempts: make(map[string][]time.Time),
		stop:     make(chan struct{}),
	}
	go m.sweepEvery(span)
	return m
}

// counted drops the attempts at or before cutoff.
func counted(attempts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(attempts), func(i int) bool { return attempts[i].After(cutoff) })
	return attempts[i:]
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now, cutoff := m.bounds()
	live := counted(m.attempts[key], cutoff)
	if m.exhausted(len(live)) {
		m.attempts[key] = live
		return false, nil
	}
	m.attempts[key] = append(live, now)
	return true, nil
}

func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) sweepEvery(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, cutoff := m.bounds()
	for key, attempts := range m.attempts {
		if len(counted(attempts, cutoff)) == 0 {
			delete(m.attempts, key)
		}
	}
}

// Redis is a sliding window limiter shared by every replica, kept as one
// sorted set of attempt timestamps per key.
type Redis struct {
	window

	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string, limit int, span time.Duration) *Redis {
	return &Redis{
		window: window{limit: limit, span: span, now: time.Now},
		client: client,
		prefix: prefix,
	}
}

// Allow records the attempt optimistically and withdraws it when the
// window was already exhausted.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := r.prefix + key
	now, cutoff := r.bounds()
	member := uuid.NewString()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10))
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, r.span)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}

	if r.exhausted(int(card.Val()) - 1) {
		if err := r.client.ZRem(ctx, k, member).Err(); err != nil {
			return false, fmt.Errorf("rate limit %s: %w", key, err)
		}
		return false, nil
	}
	return true, nil
}
