package cache

import (
	"time"
)

// Entry represents a cached openFDA response.
type Entry struct {
	// Data is the raw upstream response body
	Data []byte `json:"data"`

	// StoredAt is when the response arrived and was stored
	StoredAt time.Time `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// IsFresh reports whether the entry may still be served: now - StoredAt < ttl.
func (e *Entry) IsFresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) < ttl
}

// Remaining returns the time left before the entry goes stale.
// Returns 0 if already stale.
func (e *Entry) Remaining(now time.Time, ttl time.Duration) time.Duration {
	left := ttl - e.Age(now)
	if left < 0 {
		return 0
	}
	return left
}
