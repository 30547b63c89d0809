package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found or is stale
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is a key -> Entry mapping with a fixed time-to-live.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry if it exists and now - StoredAt < TTL; otherwise ErrCacheMiss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set overwrites or inserts the entry for key with StoredAt = now.
	Set(ctx context.Context, key string, data []byte) error

	// SetAt is Set with an explicit StoredAt. An entry already stale at
	// storedAt + TTL is not stored.
	SetAt(ctx context.Context, key string, data []byte, storedAt time.Time) error

	// Delete removes a single entry.
	Delete(ctx context.Context, key string) error

	// Clear empties the store unconditionally.
	Clear(ctx context.Context) error

	// Len returns the number of physically present entries (stale ones included).
	Len(ctx context.Context) (int, error)
}
