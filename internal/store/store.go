package store

import (
	"context"
	"time"
)

// KV is the contract the signaling services need from the shared session
// store. The system runs multiple stateless server processes against one
// store, so every cross-process decision must ride on the conditional
// primitives below; a plain read-decide-write sequence is a race.
//
// TTL semantics follow Redis: a zero ttl means no expiry, and TTL returns a
// negative duration for a missing key or a key without expiry.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only if the key is absent. Reports whether the write
	// happened. This is the lock-acquisition primitive.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSet replaces the value only if the stored value still
	// equals expect, applying ttl on success. Reports whether the swap
	// happened. This is the state-transition primitive: a stale writer
	// observes false and must re-read.
	CompareAndSet(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes only if the stored value still equals
	// expect. Reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	Del(ctx context.Context, keys ...string) error

	Exists(ctx context.Context, key string) (bool, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	TTL(ctx context.Context, key string) (time.Duration, error)

	// Scan returns all keys matching a glob pattern, e.g. "call:*".
	Scan(ctx context.Context, pattern string) ([]string, error)
}
