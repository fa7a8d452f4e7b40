// Package cache decides whether a locally cached aggregate is still fresh
// enough to serve without a remote read.
package cache

import (
	"context"
	"time"

	"dag-bbs/client-go/forum/store"
)

// TTLs are tuning knobs, not correctness properties. A connected caller gets a
// shorter horizon because it is likely about to write and wants to see the
// result.
const (
	ConnectedTTL = 15 * time.Second
	IdleTTL      = 60 * time.Second
)

// TTL returns the freshness horizon for the caller's context.
func TTL(connected bool) time.Duration {
	if connected {
		return ConnectedTTL
	}
	return IdleTTL
}

// IsValid reports whether the cache entry behind key is still fresh. A missing
// entry and a storage read failure both count as stale: the worst outcome of
// being wrong here is a redundant fetch, never an error.
func IsValid(ctx context.Context, db store.DB, key string, ttl time.Duration) bool {
	e, err := db.GetCacheEntry(ctx, key)
	if err != nil || e == nil {
		return false
	}
	return FreshAt(e.Timestamp, ttl, time.Now())
}

// FreshAt is the validity predicate: strictly less than ttl old.
func FreshAt(stamped time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(stamped) < ttl
}
