// Package idempotency rejects replayed submissions per contributor.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipvote/api/internal/model"
)

// DefaultWindow is how long a key is remembered.
const DefaultWindow = 24 * time.Hour

// Guard records (contributor, key) pairs. Assert fails with
// model.ErrDuplicateRequest when the pair was already recorded within the
// window and with model.ErrValidation when key is empty.
type Guard interface {
	Assert(ctx context.Context, contributorID, key string) error
}

func validate(key string) error {
	if strings.TrimSpace(key) == "" {
		return model.ErrValidation.WithMessage("idempotency key is required")
	}
	return nil
}

// Memory is a process-local Guard.
type Memory struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	window    time.Duration
	now       func() time.Time
	lastPrune time.Time
}

// pruneInterval spaces out sweeps of expired records.
const pruneInterval = time.Minute

// NewMemory creates a guard that remembers keys for window.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// WithClock replaces the guard's time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Assert(_ context.Context, contributorID, key string) error {
	if err := validate(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := contributorID + ":" + key
	if at, ok := m.seen[id]; ok && now.Sub(at) < m.window {
		return model.ErrDuplicateRequest
	}
	m.seen[id] = now
	m.prune(now)
	return nil
}

// prune drops expired records, at most once per pruneInterval.
func (m *Memory) prune(now time.Time) {
	if now.Sub(m.lastPrune) < pruneInterval {
		return
	}
	m.lastPrune = now
	for id, at := range m.seen {
		if now.Sub(at) >= m.window {
			delete(m.seen, id)
		}
	}
}

// Redis is a Guard shared across replicas.
type Redis struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedis creates a guard storing keys under prefix (default "idem").
func NewRedis(client *redis.Client, prefix string, window time.Duration) *Redis {
	if prefix == "" {
		prefix = "idem"
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{client: client, prefix: prefix, window: window}
}

func (r *Redis) Assert(ctx context.Context, contributorID, key string) error {
	if err := validate(key); err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, fmt.Sprintf("%s:%s:%s", r.prefix, contributorID, key), 1, r.window).Result()
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !ok {
		return model.ErrDuplicateRequest
	}
	return nil
}
