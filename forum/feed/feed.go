// Package feed is the caller-facing surface of the discussion client. It
// stacks the in-flight deduplicator over the cache policy over the sync
// engine: concurrent identical requests collapse to one, a fresh cache serves
// straight from the store, and a miss runs the optimizer and restamps the key.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"dag-bbs/client-go/forum/cache"
	"dag-bbs/client-go/forum/codec"
	"dag-bbs/client-go/forum/inflight"
	"dag-bbs/client-go/forum/store"
	fsync "dag-bbs/client-go/forum/sync"
	"dag-bbs/client-go/forum/types"
)

// ErrTemporarilyUnavailable is surfaced when both the optimized and the
// fallback fetch fail and no usable cache exists.
var ErrTemporarilyUnavailable = errors.New("temporarily unavailable")

// ErrThreadNotFound is returned for a thread id absent from both the cache
// and a freshly synced index.
var ErrThreadNotFound = errors.New("thread not found")

// Cache keys. Each namespaces one independently-timestamped aggregate.
const KeyThreadsIndex = "threads-index"

func ThreadKey(id string) string     { return "thread:" + id }
func ReplyCountKey(id string) string { return "reply-count:" + id }
func PageCheckKey(page int) string   { return "page-check:" + strconv.Itoa(page) }

// ThreadView is one thread with its reply set, replies oldest first.
type ThreadView struct {
	Root    types.Post
	Replies []types.Post
}

type Feed struct {
	DB        store.DB
	Optimizer *fsync.Optimizer
	// Connected reports whether a wallet session is active; it picks the TTL.
	// Nil means idle.
	Connected func() bool

	threads inflight.Group[[]types.Post]
	views   inflight.Group[ThreadView]
	counts  inflight.Group[int]
}

func (f *Feed) connected() bool {
	return f.Connected != nil && f.Connected()
}

// Threads returns the thread index, newest first, hidden and filtered items
// suppressed. A valid cache entry serves the stored set without any network
// traffic.
func (f *Feed) Threads(ctx context.Context) ([]types.Post, error) {
	return f.threads.Do(KeyThreadsIndex, func() ([]types.Post, error) {
		ttl := cache.TTL(f.connected())
		if cache.IsValid(ctx, f.DB, KeyThreadsIndex, ttl) {
			cached, err := f.DB.ListThreads(ctx)
			if err == nil {
				return f.suppress(ctx, cached), nil
			}
			log.Printf("feed: cached thread index read: %v", err)
		}

		result, branch, err := f.Optimizer.SyncThreads(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: thread index: %v", ErrTemporarilyUnavailable, err)
		}
		if branch != fsync.BranchFallback {
			f.stamp(ctx, KeyThreadsIndex, "")
		}
		sortNewestFirst(result)
		return f.suppress(ctx, result), nil
	})
}

// Thread returns one thread with its replies. Replies live on the authors'
// own addresses, so a refresh fans out: the root author's address plus the
// address of every already-known replier is synced against this thread. The
// observed reply count is recorded as the background baseline for unread
// tracking.
func (f *Feed) Thread(ctx context.Context, id string) (ThreadView, error) {
	return f.views.Do(ThreadKey(id), func() (ThreadView, error) {
		root, err := f.root(ctx, id)
		if err != nil {
			return ThreadView{}, err
		}

		ttl := cache.TTL(f.connected())
		if !cache.IsValid(ctx, f.DB, ThreadKey(id), ttl) {
			if err := f.syncReplies(ctx, root); err != nil {
				return ThreadView{}, err
			}
			f.stamp(ctx, ThreadKey(id), "")
		}

		replies, err := f.DB.ListReplies(ctx, id)
		if err != nil {
			return ThreadView{}, fmt.Errorf("list replies for %s: %w", id, err)
		}
		if err := f.DB.UpdateVisitCount(ctx, id, len(replies)); err != nil {
			log.Printf("feed: visit count for %s: %v", id, err)
		}
		return ThreadView{Root: *root, Replies: f.suppress(ctx, replies)}, nil
	})
}

// ReplyCount returns the thread's reply count, served from the reply-count
// cache key when fresh. The count rides in the cache entry's payload.
func (f *Feed) ReplyCount(ctx context.Context, id string) (int, error) {
	return f.counts.Do(ReplyCountKey(id), func() (int, error) {
		ttl := cache.TTL(f.connected())
		if entry, err := f.DB.GetCacheEntry(ctx, ReplyCountKey(id)); err == nil && entry != nil {
			if cache.FreshAt(entry.Timestamp, ttl, time.Now()) {
				if n, perr := strconv.Atoi(entry.Payload); perr == nil {
					return n, nil
				}
			}
		}

		root, err := f.root(ctx, id)
		if err != nil {
			return 0, err
		}
		if err := f.syncReplies(ctx, root); err != nil {
			return 0, err
		}
		replies, err := f.DB.ListReplies(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("list replies for %s: %w", id, err)
		}
		f.stamp(ctx, ReplyCountKey(id), strconv.Itoa(len(replies)))
		return len(replies), nil
	})
}

// UnreadReplies reports how many replies arrived since the last check or
// visit, then records the current count as the new baseline. The baseline
// update is the background path: it never touches the last-visit time.
func (f *Feed) UnreadReplies(ctx context.Context, id string) (int, error) {
	count, err := f.ReplyCount(ctx, id)
	if err != nil {
		return 0, err
	}

	unread := count
	if rec, err := f.DB.GetVisit(ctx, id); err != nil {
		log.Printf("feed: visit read for %s: %v", id, err)
	} else if rec != nil {
		unread = count - rec.LastViewedReplyCount
		if unread < 0 {
			unread = 0
		}
	}

	if err := f.DB.UpdateVisitCount(ctx, id, count); err != nil {
		log.Printf("feed: visit count for %s: %v", id, err)
	}
	return unread, nil
}

// MarkVisited records a human actually opening the thread: reply count and
// visit time both move.
func (f *Feed) MarkVisited(ctx context.Context, id string) error {
	count, err := f.ReplyCount(ctx, id)
	if err != nil {
		return err
	}
	return f.DB.RecordVisit(ctx, id, count)
}

// Hide suppresses a thread locally. The post row removal, the suppression
// record and the invalidation of both caches that could still surface it are
// one atomic group.
func (f *Feed) Hide(ctx context.Context, id string) error {
	return f.DB.WithTx(ctx, func(tx store.DB) error {
		if err := tx.HidePost(ctx, id); err != nil {
			return err
		}
		if err := tx.DeleteCacheEntry(ctx, KeyThreadsIndex); err != nil {
			return err
		}
		return tx.DeleteCacheEntry(ctx, ThreadKey(id))
	})
}

func (f *Feed) AddFilteredTerm(ctx context.Context, term string) (*types.FilteredTerm, error) {
	return f.DB.AddFilteredTerm(ctx, term)
}

func (f *Feed) RemoveFilteredTerm(ctx context.Context, id string) error {
	return f.DB.RemoveFilteredTerm(ctx, id)
}

func (f *Feed) FilteredTerms(ctx context.Context) ([]types.FilteredTerm, error) {
	return f.DB.ListFilteredTerms(ctx)
}

// PageChecked reports whether the given index page was scanned for new
// replies within the idle TTL.
func (f *Feed) PageChecked(ctx context.Context, page int) bool {
	return cache.IsValid(ctx, f.DB, PageCheckKey(page), cache.IdleTTL)
}

func (f *Feed) MarkPageChecked(ctx context.Context, page int) {
	f.stamp(ctx, PageCheckKey(page), "")
}

// PruneExpiredCache drops cache entries older than the idle TTL. Best-effort
// housekeeping for the background loop.
func (f *Feed) PruneExpiredCache(ctx context.Context) (int64, error) {
	return f.DB.DeleteCacheEntriesOlderThan(ctx, time.Now().Add(-cache.IdleTTL))
}

// root resolves the thread root, syncing the index once if it is not cached
// yet.
func (f *Feed) root(ctx context.Context, id string) (*types.Post, error) {
	p, err := f.DB.GetPost(ctx, id)
	if err != nil {
		log.Printf("feed: root read for %s: %v", id, err)
	}
	if p == nil {
		if _, _, serr := f.Optimizer.SyncThreads(ctx); serr != nil {
			return nil, fmt.Errorf("%w: thread %s: %v", ErrTemporarilyUnavailable, id, serr)
		}
		if p, err = f.DB.GetPost(ctx, id); err != nil {
			return nil, fmt.Errorf("root read for %s: %w", id, err)
		}
	}
	if p == nil || !p.IsThread() {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return p, nil
}

// syncReplies fans the reply sync out over every participant address known
// for the thread: the root author plus each cached replier. Individual
// address failures degrade to whatever the rest yields; only a total miss is
// an error.
func (f *Feed) syncReplies(ctx context.Context, root *types.Post) error {
	addresses := []string{root.AuthorAddress}
	seen := map[string]struct{}{root.AuthorAddress: {}}
	if cached, err := f.DB.ListReplies(ctx, root.ID); err != nil {
		log.Printf("feed: cached replies read for %s: %v", root.ID, err)
	} else {
		for _, r := range cached {
			if _, ok := seen[r.AuthorAddress]; ok || r.AuthorAddress == "" {
				continue
			}
			seen[r.AuthorAddress] = struct{}{}
			addresses = append(addresses, r.AuthorAddress)
		}
	}

	var lastErr error
	failed := 0
	for _, addr := range addresses {
		if _, _, err := f.Optimizer.SyncThreadReplies(ctx, addr, root.ID); err != nil {
			log.Printf("feed: reply sync %s via %s: %v", root.ID, addr, err)
			failed++
			lastErr = err
		}
	}
	if failed == len(addresses) && lastErr != nil {
		return fmt.Errorf("%w: replies for %s: %v", ErrTemporarilyUnavailable, root.ID, lastErr)
	}
	return nil
}

// suppress drops hidden ids and posts matching a filtered term. Suppression
// reads fail open: an unreadable filter list never blanks the feed.
func (f *Feed) suppress(ctx context.Context, posts []types.Post) []types.Post {
	hidden, err := f.DB.HiddenIDs(ctx)
	if err != nil {
		log.Printf("feed: hidden ids read: %v", err)
		hidden = map[string]struct{}{}
	}
	terms, err := f.DB.ListFilteredTerms(ctx)
	if err != nil {
		log.Printf("feed: filtered terms read: %v", err)
		terms = nil
	}

	out := posts[:0:0]
	for _, p := range posts {
		if _, ok := hidden[p.ID]; ok {
			continue
		}
		if matchesTerm(&p, terms) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func matchesTerm(p *types.Post, terms []types.FilteredTerm) bool {
	if len(terms) == 0 {
		return false
	}
	text := strings.ToLower(p.Title + " " + p.Body)
	for _, t := range terms {
		if t.Term != "" && strings.Contains(text, t.Term) {
			return true
		}
	}
	return false
}

func (f *Feed) stamp(ctx context.Context, key, payload string) {
	e := &types.CacheEntry{Key: key, Timestamp: time.Now(), Payload: payload}
	if err := f.DB.PutCacheEntry(ctx, e); err != nil {
		log.Printf("feed: cache stamp %s: %v", key, err)
	}
}

func sortNewestFirst(posts []types.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].ObservedAt.After(posts[j].ObservedAt)
	})
}

// ComposeThread builds the wire payload for a new thread root.
func ComposeThread(theme, language string, priority uint8, title, body string) ([]byte, error) {
	return codec.Encode(&types.Post{
		Theme:    theme,
		Language: language,
		Priority: priority,
		Title:    title,
		Body:     body,
	})
}

// ComposeReply builds the wire payload for a reply to the given thread.
func ComposeReply(threadID, body string) ([]byte, error) {
	parent, err := types.ParentIDFromHex(threadID)
	if err != nil {
		return nil, fmt.Errorf("thread id %q: %w", threadID, err)
	}
	return codec.Encode(&types.Post{ParentID: parent, Body: body})
}
