package idempotency

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipvote/api/internal/model"
)

func TestMemory_Assert(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewMemory(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, g.Assert(ctx, "alice", "k1"))
	assert.True(t, errors.Is(g.Assert(ctx, "alice", "k1"), model.ErrDuplicateRequest))

	// Keys are scoped per contributor.
	require.NoError(t, g.Assert(ctx, "bob", "k1"))
	require.NoError(t, g.Assert(ctx, "alice", "k2"))

	now = now.Add(time.Hour)
	require.NoError(t, g.Assert(ctx, "alice", "k1"))
}

func TestMemory_PrunesExpiredOnInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewMemory(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, g.Assert(ctx, "alice", "k1"))
	require.NoError(t, g.Assert(ctx, "alice", "k2"))

	now = now.Add(30 * time.Minute)
	require.NoError(t, g.Assert(ctx, "bob", "k1"))
	assert.Len(t, g.seen, 3)

	now = now.Add(31 * time.Minute)
	require.NoError(t, g.Assert(ctx, "carol", "k1"))
	assert.Len(t, g.seen, 2, "alice's keys left the window")

	// A duplicate inside the window is still caught between sweeps.
	now = now.Add(30 * time.Second)
	assert.True(t, errors.Is(g.Assert(ctx, "bob", "k1"), model.ErrDuplicateRequest))
	require.NoError(t, g.Assert(ctx, "dave", "k1"))
	assert.Len(t, g.seen, 3)
}

func TestMemory_EmptyKey(t *testing.T) {
	g := NewMemory(0)
	err := g.Assert(context.Background(), "alice", "  ")
	assert.True(t, errors.Is(err, model.ErrValidation), "got %v", err)
}

func TestMemory_ConcurrentSameKeyOneWinner(t *testing.T) {
	g := NewMemory(time.Hour)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Assert(context.Background(), "alice", "retry") == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, oks)
}

func TestRedis_Assert(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	g := NewRedis(client, "test-idem-"+uuid.NewString(), time.Minute)
	bg := context.Background()
	require.NoError(t, g.Assert(bg, "alice", "k1"))
	assert.True(t, errors.Is(g.Assert(bg, "alice", "k1"), model.ErrDuplicateRequest))
	require.NoError(t, g.Assert(bg, "bob", "k1"))
	assert.True(t, errors.Is(g.Assert(bg, "bob", ""), model.ErrValidation))
}
