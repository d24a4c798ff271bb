// Package store provides the key-value contract shared by the login throttle,
// the discovery cache and the consumed-state ledger, with a process-local and a
// Redis-backed implementation.
package store

import (
	"context"
	"time"
)

// Store is a byte-oriented key-value store with per-key expiry.
//
// Implementations only guarantee that each call is atomic on its own; callers
// doing read-modify-write sequences must serialize them if they need to.
type Store interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A ttl <= 0 keeps the entry until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
