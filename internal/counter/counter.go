// Package counter defines the shared counter store consumed by the wake
// guardrails. All mutation is by atomic increment/decrement so concurrent
// writers can apply increment-check-rollback without a lock.
package counter

import "context"

// Store is the counter contract. The Redis implementation is the only one
// in production; tests use the in-memory fake in this package.
type Store interface {
	// Incr atomically increments key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements key.
	Decr(ctx context.Context, key string) error
	// Expire sets a TTL on key.
	Expire(ctx context.Context, key string, seconds int) error
	// Get returns the current value, or 0/false when the key is absent.
	Get(ctx context.Context, key string) (int64, bool, error)
	// SetEx sets key to value with a TTL.
	SetEx(ctx context.Context, key string, seconds int, value string) error
}
