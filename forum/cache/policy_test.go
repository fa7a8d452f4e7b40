package cache

import (
	"context"
	"testing"
	"time"

	"dag-bbs/client-go/forum/store"
	"dag-bbs/client-go/forum/types"
)

func TestTTL_ContextDependent(t *testing.T) {
	if TTL(true) != ConnectedTTL {
		t.Fatalf("connected ttl: %v", TTL(true))
	}
	if TTL(false) != IdleTTL {
		t.Fatalf("idle ttl: %v", TTL(false))
	}
	if TTL(true) >= TTL(false) {
		t.Fatalf("connected ttl must be shorter: %v vs %v", TTL(true), TTL(false))
	}
}

func TestFreshAt_StrictBoundary(t *testing.T) {
	ttl := 60 * time.Second
	now := time.Unix(1700000000, 0)

	if !FreshAt(now.Add(-(ttl - time.Second)), ttl, now) {
		t.Fatalf("age ttl-1s should be fresh")
	}
	if FreshAt(now.Add(-ttl), ttl, now) {
		t.Fatalf("age exactly ttl should be stale")
	}
	if FreshAt(now.Add(-(ttl + time.Second)), ttl, now) {
		t.Fatalf("age ttl+1s should be stale")
	}
}

func TestIsValid_MissingEntryIsStale(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	if IsValid(ctx, db, "threads-index", IdleTTL) {
		t.Fatalf("missing entry reported valid")
	}

	if err := db.PutCacheEntry(ctx, &types.CacheEntry{Key: "threads-index", Timestamp: time.Now()}); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}
	if !IsValid(ctx, db, "threads-index", IdleTTL) {
		t.Fatalf("fresh entry reported stale")
	}

	if err := db.PutCacheEntry(ctx, &types.CacheEntry{Key: "threads-index", Timestamp: time.Now().Add(-2 * IdleTTL)}); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}
	if IsValid(ctx, db, "threads-index", IdleTTL) {
		t.Fatalf("expired entry reported valid")
	}
}
