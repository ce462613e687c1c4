package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedStore() (*MemoryStore, *time.Time) {
	s := NewMemoryStore()
	clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	return s, &clock
}

func TestMemoryStoreSetGetDel(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s, clock := newClockedStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))

	*clock = clock.Add(59 * time.Second)
	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	*clock = clock.Add(2 * time.Second)
	exists, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreIncrArmsWindow(t *testing.T) {
	s, clock := newClockedStore()
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.Expire(ctx, "counter", time.Minute))

	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	*clock = clock.Add(61 * time.Second)
	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts")
}

func TestMemoryStoreIncrByFloat(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	f, err := s.IncrByFloat(ctx, "loss", 12.5)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, f, 1e-9)

	f, err = s.IncrByFloat(ctx, "loss", 7.5)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, f, 1e-9)
}

func TestMemoryStoreSetIfEqual(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	// Missing key never swaps.
	swapped, err := s.SetIfEqual(ctx, "k", "OPEN", "HALF_OPEN", 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	require.NoError(t, s.Set(ctx, "k", "OPEN", 0))
	swapped, err = s.SetIfEqual(ctx, "k", "OPEN", "HALF_OPEN", 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	// Second CAS loses: the value moved on.
	swapped, err = s.SetIfEqual(ctx, "k", "OPEN", "HALF_OPEN", 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "HALF_OPEN", v)
}
