// Package sync reconciles the bounded, newest-first transaction window of a
// source address with the locally cached item set. The remote log is
// append-only but only its most recent slice is observable, so the engine
// keeps a per-address cursor and decides per run whether a cache merge is
// sound or a full rescan is required.
package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"dag-bbs/client-go/forum/codec"
	"dag-bbs/client-go/forum/dagnode"
	"dag-bbs/client-go/forum/store"
	"dag-bbs/client-go/forum/types"
)

// Branch names the state the optimizer landed in for one run.
type Branch int

const (
	// BranchFirstTime: no cursor exists for the address yet.
	BranchFirstTime Branch = iota
	// BranchCursorStale: the remembered id fell out of the window; the gap
	// cannot be bounded, so the run degrades to a full rescan.
	BranchCursorStale
	// BranchNoNew: the remembered id is the newest item; the cached set is
	// merged in and archival bookkeeping runs.
	BranchNoNew
	// BranchHasNew: newer items exist but the remembered id is still inside
	// the window, so the window alone is a superset of everything relevant.
	BranchHasNew
	// BranchFallback: the optimized path failed and a classic fetch-and-decode
	// served the result with no cursor bookkeeping.
	BranchFallback
)

func (b Branch) String() string {
	switch b {
	case BranchFirstTime:
		return "first-time"
	case BranchCursorStale:
		return "cursor-stale"
	case BranchNoNew:
		return "no-new"
	case BranchHasNew:
		return "has-new"
	case BranchFallback:
		return "fallback"
	}
	return fmt.Sprintf("branch(%d)", int(b))
}

// WindowFetch is the remote window capability: up to limit most-recent
// transactions for address, newest first.
type WindowFetch func(ctx context.Context, address string, limit int) ([]dagnode.Transaction, error)

// Relation selects which decoded posts belong to the source being synced and
// where its cached set lives.
type Relation struct {
	Match  func(p *types.Post) bool
	Cached func(ctx context.Context, db store.DB) ([]types.Post, error)
}

// ThreadIndex is the relation for the protocol address: thread roots only.
func ThreadIndex() Relation {
	return Relation{
		Match:  func(p *types.Post) bool { return p.IsThread() },
		Cached: func(ctx context.Context, db store.DB) ([]types.Post, error) { return db.ListThreads(ctx) },
	}
}

// ThreadReplies is the relation for an author address contributing to one
// thread: replies whose parent id names that thread. The cached set is scoped
// to that author -- other participants' replies can never appear in this
// address's window and must not be mistaken for scrolled-out items.
func ThreadReplies(authorAddress, threadID string) Relation {
	return Relation{
		Match: func(p *types.Post) bool { return !p.IsThread() && p.ParentHex() == threadID },
		Cached: func(ctx context.Context, db store.DB) ([]types.Post, error) {
			all, err := db.ListReplies(ctx, threadID)
			if err != nil {
				return nil, err
			}
			mine := all[:0:0]
			for _, r := range all {
				if r.AuthorAddress == authorAddress {
					mine = append(mine, r)
				}
			}
			return mine, nil
		},
	}
}

type Optimizer struct {
	DB    store.DB
	Fetch WindowFetch
	// ProtocolAddress hosts the thread index.
	ProtocolAddress string
	// Limit bounds the remote window; defaults to types.WindowLimit.
	Limit int
}

// SyncThreads synchronizes the thread index from the protocol address.
func (o *Optimizer) SyncThreads(ctx context.Context) ([]types.Post, Branch, error) {
	return o.Sync(ctx, o.ProtocolAddress, ThreadIndex())
}

// SyncThreadReplies synchronizes one author's replies to the given thread.
// The machine is identical to the thread-index sync; only the relation filter
// differs.
func (o *Optimizer) SyncThreadReplies(ctx context.Context, authorAddress, threadID string) ([]types.Post, Branch, error) {
	return o.Sync(ctx, authorAddress, ThreadReplies(authorAddress, threadID))
}

// Sync runs the cursor-window state machine for one source address and
// returns the reconciled item set. Storage read failures force the safe
// full-rescan paths; storage write failures are reported and skipped (the
// cache is best-effort, not authoritative).
func (o *Optimizer) Sync(ctx context.Context, address string, rel Relation) ([]types.Post, Branch, error) {
	limit := o.Limit
	if limit <= 0 {
		limit = types.WindowLimit
	}

	window, err := o.Fetch(ctx, address, limit)
	if err != nil {
		// Degraded but correct: one classic fetch-and-decode, no cursor or
		// archival bookkeeping, no cache mutation.
		log.Printf("sync: window fetch for %s failed, falling back: %v", address, err)
		posts, ferr := o.classicFetch(ctx, address, limit, rel)
		if ferr != nil {
			return nil, BranchFallback, fmt.Errorf("window fetch for %s: %w", address, ferr)
		}
		return posts, BranchFallback, nil
	}

	current, currentIDs := decodeWindow(window, rel)

	markers, err := o.DB.ArchivedIDs(ctx)
	if err != nil {
		log.Printf("sync: archived markers read for %s: %v", address, err)
		markers = map[string]struct{}{}
	}

	cursor, err := o.DB.GetCursor(ctx, address)
	if err != nil {
		// A cursor we cannot read is a cursor we do not have.
		log.Printf("sync: cursor read for %s: %v", address, err)
		cursor = nil
	}

	var (
		result []types.Post
		branch Branch
	)
	switch {
	case cursor == nil:
		branch = BranchFirstTime
		result = current
	default:
		switch pos := windowPosition(window, cursor.LastSeenID); {
		case pos < 0:
			branch = BranchCursorStale
			result = current
		case pos == 0:
			branch = BranchNoNew
			result = o.reconcile(ctx, rel, current, currentIDs, markers)
		default:
			branch = BranchHasNew
			result = current
		}
	}

	// A marker is permanent: an id that ever left the window stays flagged,
	// even when it is back inside it.
	for i := range result {
		if _, marked := markers[result[i].ID]; marked {
			result[i].Archived = true
		}
	}

	now := time.Now()

	// The cursor advances whenever the window is non-empty, in every branch;
	// the first-time and cursor-stale paths need it most.
	if len(window) > 0 {
		c := &types.Cursor{Address: address, LastSeenID: window[0].ID, LastCheckedAt: now}
		if err := o.DB.PutCursor(ctx, c); err != nil {
			log.Printf("sync: cursor write for %s: %v", address, err)
		}
	}

	// Items surfacing only via cache have scrolled out of the remote window:
	// mark them archived exactly once.
	for _, p := range result {
		if _, inWindow := currentIDs[p.ID]; inWindow {
			continue
		}
		if _, marked := markers[p.ID]; marked {
			continue
		}
		m := &types.ArchivedMarker{ID: p.ID, ArchivedAt: now, Reason: types.ReasonOutOfRecentTransactions}
		if err := o.DB.AddArchivedMarker(ctx, m); err != nil {
			log.Printf("sync: archived marker write for %s: %v", p.ID, err)
		}
	}

	for i := range result {
		if err := o.DB.UpsertPost(ctx, &result[i]); err != nil {
			log.Printf("sync: post upsert for %s: %v", result[i].ID, err)
		}
	}

	return result, branch, nil
}

// reconcile merges the cached set into the current window set. Only the
// no-new branch runs it: cached bodies are kept for ids still in the window
// (never re-derived), cached items missing from the window are relabeled
// archived, and window items absent from the cache are appended fresh.
func (o *Optimizer) reconcile(ctx context.Context, rel Relation, current []types.Post, currentIDs map[string]struct{}, markers map[string]struct{}) []types.Post {
	cached, err := rel.Cached(ctx, o.DB)
	if err != nil {
		// Unreadable cache reads as empty: the window alone is still correct.
		log.Printf("sync: cached set read: %v", err)
		return current
	}

	out := make([]types.Post, 0, len(cached)+len(current))
	seen := make(map[string]struct{}, len(cached))
	for _, c := range cached {
		_, live := currentIDs[c.ID]
		_, marked := markers[c.ID]
		c.Archived = !live || marked
		out = append(out, c)
		seen[c.ID] = struct{}{}
	}
	for _, p := range current {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (o *Optimizer) classicFetch(ctx context.Context, address string, limit int, rel Relation) ([]types.Post, error) {
	window, err := o.Fetch(ctx, address, limit)
	if err != nil {
		return nil, err
	}
	posts, _ := decodeWindow(window, rel)
	return posts, nil
}

// decodeWindow decodes every window entry, silently dropping decode failures
// and posts outside the relation, and enriches survivors with transaction
// metadata.
func decodeWindow(window []dagnode.Transaction, rel Relation) ([]types.Post, map[string]struct{}) {
	posts := make([]types.Post, 0, len(window))
	ids := make(map[string]struct{}, len(window))
	for _, tx := range window {
		p := codec.Decode(tx.Payload)
		if p == nil {
			continue
		}
		p.ID = tx.ID
		p.AuthorAddress = tx.AuthorAddress
		p.ObservedAt = tx.ObservedAt
		if !rel.Match(p) {
			continue
		}
		posts = append(posts, *p)
		ids[p.ID] = struct{}{}
	}
	return posts, ids
}

func windowPosition(window []dagnode.Transaction, id string) int {
	for i, tx := range window {
		if tx.ID == id {
			return i
		}
	}
	return -1
}
