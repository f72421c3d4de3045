// Package ttlstore provides a small keyed store whose entries expire.  It
// backs one-time login nonces and the dedupe claims taken by the ledger
// reconciler.  Two implementations exist: Redis for shared deployments and
// an in-process LRU for single-instance and test runs.
package ttlstore

import (
	"context"
	"time"
)

// Store is the contract shared by the Redis and in-memory stores.
type Store interface {
	// SetNX stores value under key only when the key is absent.  It
	// reports whether the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Take returns the value stored under key and removes it in the same
	// step, so a value can be consumed at most once.
	Take(ctx context.Context, key string) (string, bool, error)
	// Delete removes key.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
