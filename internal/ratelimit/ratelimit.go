// Package ratelimit implements fixed-window counters keyed by subject and
// bucket name.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter consumes one unit from a (subject, bucket) window. A window opens on
// the first call and resets once it is at least window old. Calls are allowed
// while the count is below limit; denied calls do not increment.
type Limiter interface {
	Consume(ctx context.Context, subject, bucket string, limit int, window time.Duration) (bool, error)
	// Reset clears every bucket.
	Reset(ctx context.Context) error
}

func bucketKey(subject, bucket string) string {
	return fmt.Sprintf("%s:%s", bucket, subject)
}

// pruneInterval spaces out sweeps of elapsed buckets.
const pruneInterval = time.Minute

type counter struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// Memory is a process-local Limiter.
type Memory struct {
	mu        sync.Mutex
	buckets   map[string]*counter
	now       func() time.Time
	lastPrune time.Time
}

// NewMemory creates an empty in-memory limiter.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*counter), now: time.Now}
}

// WithClock replaces the limiter's time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Consume(_ context.Context, subject, bucket string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)
	key := bucketKey(subject, bucket)
	c, ok := m.buckets[key]
	if !ok || now.Sub(c.windowStart) >= window {
		c = &counter{windowStart: now, window: window}
		m.buckets[key] = c
	}
	if c.count >= limit {
		return false, nil
	}
	c.count++
	return true, nil
}

// prune drops buckets whose window has elapsed, at most once per
// pruneInterval.
func (m *Memory) prune(now time.Time) {
	if now.Sub(m.lastPrune) < pruneInterval {
		return
	}
	m.lastPrune = now
	for key, c := range m.buckets {
		if now.Sub(c.windowStart) >= c.window {
			delete(m.buckets, key)
		}
	}
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]*counter)
	return nil
}
