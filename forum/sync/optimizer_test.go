package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dag-bbs/client-go/forum/codec"
	"dag-bbs/client-go/forum/dagnode"
	"dag-bbs/client-go/forum/store"
	"dag-bbs/client-go/forum/types"
)

const protoAddr = "dag:proto"

func openTestDB(t *testing.T) store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func threadTx(t *testing.T, id, title string, observed time.Time) dagnode.Transaction {
	t.Helper()
	payload, err := codec.Encode(&types.Post{Theme: "General", Language: "en", Title: title, Body: "body " + title})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return dagnode.Transaction{ID: id, Payload: payload, AuthorAddress: "dag:author", ObservedAt: observed}
}

func replyTx(t *testing.T, id, threadID, body string, observed time.Time) dagnode.Transaction {
	t.Helper()
	parent, err := types.ParentIDFromHex(threadID)
	if err != nil {
		t.Fatalf("ParentIDFromHex: %v", err)
	}
	payload, err := codec.Encode(&types.Post{ParentID: parent, Body: body})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return dagnode.Transaction{ID: id, Payload: payload, AuthorAddress: "dag:replier", ObservedAt: observed}
}

func fixedFetch(window []dagnode.Transaction) WindowFetch {
	return func(ctx context.Context, address string, limit int) ([]dagnode.Transaction, error) {
		return window, nil
	}
}

func ids(posts []types.Post) map[string]bool {
	out := make(map[string]bool, len(posts))
	for _, p := range posts {
		out[p.ID] = p.Archived
	}
	return out
}

func TestSync_FirstTime(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	window := []dagnode.Transaction{
		threadTx(t, "tx2", "second", base.Add(time.Minute)),
		threadTx(t, "tx1", "first", base),
	}
	o := &Optimizer{DB: db, Fetch: fixedFetch(window), ProtocolAddress: protoAddr}

	result, branch, err := o.SyncThreads(ctx)
	if err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	if branch != BranchFirstTime {
		t.Fatalf("branch: %v", branch)
	}
	if got := ids(result); len(got) != 2 || got["tx1"] || got["tx2"] {
		t.Fatalf("result mismatch: %#v", got)
	}

	cur, err := db.GetCursor(ctx, protoAddr)
	if err != nil || cur == nil {
		t.Fatalf("cursor not written: %v %v", cur, err)
	}
	if cur.LastSeenID != "tx2" {
		t.Fatalf("cursor id: %s", cur.LastSeenID)
	}

	// Results were persisted.
	threads, err := db.ListThreads(ctx)
	if err != nil || len(threads) != 2 {
		t.Fatalf("persisted threads: %d %v", len(threads), err)
	}
}

func TestSync_NoNew_ReconcilesAndArchives(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	// First run establishes the cursor and caches txOld + txTop.
	firstWindow := []dagnode.Transaction{
		threadTx(t, "txTop", "top", base.Add(time.Minute)),
		threadTx(t, "txOld", "old", base),
	}
	o := &Optimizer{DB: db, Fetch: fixedFetch(firstWindow), ProtocolAddress: protoAddr}
	if _, _, err := o.SyncThreads(ctx); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// Second run: txTop is still the newest item, but txOld scrolled out and
	// txSide (an older item that was never cached) is inside the window.
	secondWindow := []dagnode.Transaction{
		threadTx(t, "txTop", "top", base.Add(time.Minute)),
		threadTx(t, "txSide", "side", base.Add(-time.Minute)),
	}
	o.Fetch = fixedFetch(secondWindow)

	result, branch, err := o.SyncThreads(ctx)
	if err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	if branch != BranchNoNew {
		t.Fatalf("branch: %v", branch)
	}

	got := ids(result)
	if len(got) != 3 {
		t.Fatalf("result size: %#v", got)
	}
	if got["txTop"] {
		t.Fatalf("live item flagged archived")
	}
	if !got["txOld"] {
		t.Fatalf("scrolled-out item not flagged archived")
	}
	if got["txSide"] {
		t.Fatalf("fresh window item flagged archived")
	}

	m, err := db.GetArchivedMarker(ctx, "txOld")
	if err != nil || m == nil {
		t.Fatalf("archived marker missing: %v %v", m, err)
	}
	if m.Reason != types.ReasonOutOfRecentTransactions {
		t.Fatalf("marker reason: %s", m.Reason)
	}
	firstArchivedAt := m.ArchivedAt

	// Repeated runs are idempotent: txOld stays archived with the original
	// marker, nothing is duplicated.
	for i := 0; i < 2; i++ {
		result, branch, err = o.SyncThreads(ctx)
		if err != nil || branch != BranchNoNew {
			t.Fatalf("repeat %d: %v %v", i, branch, err)
		}
	}
	got = ids(result)
	if len(got) != 3 || !got["txOld"] {
		t.Fatalf("repeat result mismatch: %#v", got)
	}
	m, _ = db.GetArchivedMarker(ctx, "txOld")
	if !m.ArchivedAt.Equal(firstArchivedAt) {
		t.Fatalf("marker rewritten: %v vs %v", m.ArchivedAt, firstArchivedAt)
	}
}

func TestSync_NoNew_MarkerKeepsReappearedItemArchived(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	window := []dagnode.Transaction{
		threadTx(t, "txTop", "top", base.Add(time.Minute)),
		threadTx(t, "txBack", "back", base),
	}
	o := &Optimizer{DB: db, Fetch: fixedFetch(window), ProtocolAddress: protoAddr}
	if _, _, err := o.SyncThreads(ctx); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// txBack once fell out of the window.
	if err := db.AddArchivedMarker(ctx, &types.ArchivedMarker{ID: "txBack", ArchivedAt: base, Reason: types.ReasonOutOfRecentTransactions}); err != nil {
		t.Fatalf("AddArchivedMarker: %v", err)
	}

	result, branch, err := o.SyncThreads(ctx)
	if err != nil || branch != BranchNoNew {
		t.Fatalf("SyncThreads: %v %v", branch, err)
	}
	got := ids(result)
	if !got["txBack"] {
		t.Fatalf("marked item lost its archived flag: %#v", got)
	}
	if got["txTop"] {
		t.Fatalf("unmarked live item flagged: %#v", got)
	}
}

func TestSync_CursorStale_FullRescan(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	// Remembered id is nowhere in the fresh window.
	if err := db.PutCursor(ctx, &types.Cursor{Address: protoAddr, LastSeenID: "txGone", LastCheckedAt: base}); err != nil {
		t.Fatalf("PutCursor: %v", err)
	}
	// Stale cached thread that must not leak into the result via a merge.
	stale := &types.Post{ID: "txStaleCached", Title: "stale", Body: "b", AuthorAddress: "dag:author", ObservedAt: base}
	if err := db.UpsertPost(ctx, stale); err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}

	window := []dagnode.Transaction{
		threadTx(t, "tx9", "nine", base.Add(time.Hour)),
		threadTx(t, "tx8", "eight", base.Add(time.Minute)),
	}
	o := &Optimizer{DB: db, Fetch: fixedFetch(window), ProtocolAddress: protoAddr}

	result, branch, err := o.SyncThreads(ctx)
	if err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	if branch != BranchCursorStale {
		t.Fatalf("branch: %v", branch)
	}
	got := ids(result)
	if len(got) != 2 {
		t.Fatalf("partial merge attempted: %#v", got)
	}
	if _, ok := got["txStaleCached"]; ok {
		t.Fatalf("stale cache leaked into full rescan result")
	}

	cur, _ := db.GetCursor(ctx, protoAddr)
	if cur.LastSeenID != "tx9" {
		t.Fatalf("cursor not advanced on stale branch: %s", cur.LastSeenID)
	}
}

func TestSync_HasNew_WindowIsAuthoritative(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	if err := db.PutCursor(ctx, &types.Cursor{Address: protoAddr, LastSeenID: "tx1", LastCheckedAt: base}); err != nil {
		t.Fatalf("PutCursor: %v", err)
	}

	window := []dagnode.Transaction{
		threadTx(t, "tx3", "three", base.Add(3*time.Minute)),
		threadTx(t, "tx2", "two", base.Add(2*time.Minute)),
		threadTx(t, "tx1", "one", base.Add(time.Minute)),
	}
	o := &Optimizer{DB: db, Fetch: fixedFetch(window), ProtocolAddress: protoAddr}

	result, branch, err := o.SyncThreads(ctx)
	if err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	if branch != BranchHasNew {
		t.Fatalf("branch: %v", branch)
	}
	if got := ids(result); len(got) != 3 {
		t.Fatalf("result mismatch: %#v", got)
	}
	cur, _ := db.GetCursor(ctx, protoAddr)
	if cur.LastSeenID != "tx3" {
		t.Fatalf("cursor: %s", cur.LastSeenID)
	}
}

func TestSync_FetchFailure_FallsBackWithoutBookkeeping(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	window := []dagnode.Transaction{threadTx(t, "tx1", "one", base)}
	calls := 0
	o := &Optimizer{
		DB: db,
		Fetch: func(ctx context.Context, address string, limit int) ([]dagnode.Transaction, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("node unreachable")
			}
			return window, nil
		},
		ProtocolAddress: protoAddr,
	}

	result, branch, err := o.SyncThreads(ctx)
	if err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	if branch != BranchFallback {
		t.Fatalf("branch: %v", branch)
	}
	if len(result) != 1 || result[0].ID != "tx1" {
		t.Fatalf("fallback result: %#v", result)
	}
	// Degraded path performs no cursor bookkeeping and no persistence.
	if cur, _ := db.GetCursor(ctx, protoAddr); cur != nil {
		t.Fatalf("fallback wrote a cursor: %#v", cur)
	}
	if threads, _ := db.ListThreads(ctx); len(threads) != 0 {
		t.Fatalf("fallback persisted posts: %#v", threads)
	}
}

func TestSync_DoubleFetchFailure_SurfacesErrorWithoutMutation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	o := &Optimizer{
		DB: db,
		Fetch: func(ctx context.Context, address string, limit int) ([]dagnode.Transaction, error) {
			return nil, errors.New("node unreachable")
		},
		ProtocolAddress: protoAddr,
	}
	_, _, err := o.SyncThreads(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	if cur, _ := db.GetCursor(ctx, protoAddr); cur != nil {
		t.Fatalf("failed sync wrote a cursor: %#v", cur)
	}
}

func TestSync_SkipsUndecodableAndUnrelatedItems(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	threadID := strings.Repeat("cd", 32)

	window := []dagnode.Transaction{
		threadTx(t, "txThread", "a thread", base.Add(time.Minute)),
		{ID: "txJunk", Payload: []byte{0xFF, 0x00, 0x01}, ObservedAt: base},
		replyTx(t, "txReply", threadID, "a reply", base),
	}
	o := &Optimizer{DB: db, Fetch: fixedFetch(window), ProtocolAddress: protoAddr}

	result, _, err := o.SyncThreads(ctx)
	if err != nil {
		t.Fatalf("SyncThreads: %v", err)
	}
	// Junk is dropped silently; the reply fails the thread-root relation.
	if len(result) != 1 || result[0].ID != "txThread" {
		t.Fatalf("filter mismatch: %#v", result)
	}
}

func TestSyncThreadReplies_SameMachineDifferentRelation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	threadID := strings.Repeat("ef", 32)
	otherThread := strings.Repeat("12", 32)

	window := []dagnode.Transaction{
		replyTx(t, "r2", threadID, "second", base.Add(time.Minute)),
		replyTx(t, "rOther", otherThread, "elsewhere", base.Add(30*time.Second)),
		replyTx(t, "r1", threadID, "first", base),
		threadTx(t, "tRoot", "root", base.Add(-time.Minute)),
	}
	o := &Optimizer{DB: db, Fetch: fixedFetch(window), ProtocolAddress: protoAddr}

	result, branch, err := o.SyncThreadReplies(ctx, "dag:replier", threadID)
	if err != nil {
		t.Fatalf("SyncThreadReplies: %v", err)
	}
	if branch != BranchFirstTime {
		t.Fatalf("branch: %v", branch)
	}
	got := ids(result)
	if len(got) != 2 {
		t.Fatalf("reply set mismatch: %#v", got)
	}
	if _, ok := got["rOther"]; ok {
		t.Fatalf("reply to another thread leaked in")
	}

	// The author address owns the cursor, not the thread.
	cur, _ := db.GetCursor(ctx, "dag:replier")
	if cur == nil || cur.LastSeenID != "r2" {
		t.Fatalf("author cursor: %#v", cur)
	}

	replies, err := db.ListReplies(ctx, threadID)
	if err != nil || len(replies) != 2 {
		t.Fatalf("persisted replies: %d %v", len(replies), err)
	}
}

func TestSyncThreadReplies_OtherAuthorsNotArchived(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	threadID := strings.Repeat("34", 32)

	window := []dagnode.Transaction{replyTx(t, "rMine", threadID, "mine", base)}
	o := &Optimizer{DB: db, Fetch: fixedFetch(window), ProtocolAddress: protoAddr}
	if _, _, err := o.SyncThreadReplies(ctx, "dag:replier", threadID); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// Another participant's reply is cached for the same thread.
	other := replyTx(t, "rTheirs", threadID, "theirs", base.Add(time.Minute))
	parent, _ := types.ParentIDFromHex(threadID)
	if err := db.UpsertPost(ctx, &types.Post{
		ID: other.ID, ParentID: parent, Body: "theirs",
		AuthorAddress: "dag:someone-else", ObservedAt: other.ObservedAt,
	}); err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}

	// Re-running this author's sync lands in no-new; the cached set it
	// reconciles against is scoped to this author, so the other reply gains
	// no archived marker.
	result, branch, err := o.SyncThreadReplies(ctx, "dag:replier", threadID)
	if err != nil || branch != BranchNoNew {
		t.Fatalf("SyncThreadReplies: %v %v", branch, err)
	}
	if got := ids(result); len(got) != 1 || got["rMine"] {
		t.Fatalf("result mismatch: %#v", got)
	}
	if m, _ := db.GetArchivedMarker(ctx, "rTheirs"); m != nil {
		t.Fatalf("foreign reply falsely archived: %#v", m)
	}
}
