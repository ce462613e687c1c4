// Package kv provides the key-value store used for distributed circuit
// breaker counters. The production implementation is Redis; an in-memory
// implementation backs tests and single-node runs without Redis.
package kv

import (
	"context"
	"time"
)

// Store is the minimal KV surface the core needs. All counter mutations are
// atomic; no read-modify-write cycles happen outside the store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfEqual atomically replaces the value of key when it currently
	// equals old. Returns true when the swap happened.
	SetIfEqual(ctx context.Context, key, old, newVal string, ttl time.Duration) (bool, error)

	// Incr increments an integer counter; a fresh key starts at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// IncrByFloat increments a float counter; a fresh key starts at delta.
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	// Expire applies ttl to key. No-op when key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	Close() error
}
