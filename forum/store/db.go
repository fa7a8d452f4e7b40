// Package store is the typed persistence layer. It holds no business logic:
// callers decide what to write and when, the store only guarantees keyed
// upserts, write-once markers and multi-collection transactions.
package store

import (
	"context"
	"time"

	"dag-bbs/client-go/forum/types"
)

// DB is the persistent store facade over the named collections: posts,
// cursors, cache metadata, archived markers, visit records, filtered terms and
// hidden ids. Reads return (nil, nil) for absent records.
type DB interface {
	// WithTx runs fn inside a transaction. Nested calls reuse the same
	// transaction.
	WithTx(ctx context.Context, fn func(tx DB) error) error

	// Posts (the cached item sets: thread index plus per-thread replies).
	UpsertPost(ctx context.Context, p *types.Post) error
	GetPost(ctx context.Context, id string) (*types.Post, error)
	ListThreads(ctx context.Context) ([]types.Post, error)
	ListReplies(ctx context.Context, threadID string) ([]types.Post, error)
	DeletePost(ctx context.Context, id string) error

	// Cursors, one per source address.
	GetCursor(ctx context.Context, address string) (*types.Cursor, error)
	PutCursor(ctx context.Context, c *types.Cursor) error

	// Cache metadata.
	GetCacheEntry(ctx context.Context, key string) (*types.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e *types.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteCacheEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Archived markers. AddArchivedMarker is write-once: a second write for the
	// same id is a no-op and the original record survives.
	AddArchivedMarker(ctx context.Context, m *types.ArchivedMarker) error
	GetArchivedMarker(ctx context.Context, id string) (*types.ArchivedMarker, error)
	ArchivedIDs(ctx context.Context) (map[string]struct{}, error)

	// Visit records. RecordVisit is the human-open path; UpdateVisitCount is
	// the background-check path and never touches LastVisitAt.
	GetVisit(ctx context.Context, threadID string) (*types.VisitRecord, error)
	RecordVisit(ctx context.Context, threadID string, replyCount int) error
	UpdateVisitCount(ctx context.Context, threadID string, replyCount int) error

	// Filtered terms. Terms are stored lowercased and trimmed; adding an
	// existing term returns the stored record unchanged.
	AddFilteredTerm(ctx context.Context, term string) (*types.FilteredTerm, error)
	ListFilteredTerms(ctx context.Context) ([]types.FilteredTerm, error)
	RemoveFilteredTerm(ctx context.Context, id string) error

	// Hidden ids (local suppression). HidePost removes the post row and records
	// the id; callers group it with cache-entry deletes via WithTx.
	HidePost(ctx context.Context, id string) error
	HiddenIDs(ctx context.Context) (map[string]struct{}, error)

	Close() error
}
