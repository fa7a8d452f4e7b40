package types

import (
	"encoding/hex"
	"time"
)

const (
	Version1 = 1

	// Field byte budgets after UTF-8 encoding. Over-budget posts are rejected
	// whole, never truncated.
	MaxTitleBytes = 40
	MaxBodyBytes  = 400

	// WindowLimit is the size of the bounded newest-first view the node API
	// exposes over an address's unbounded transaction history.
	WindowLimit = 200

	ReasonOutOfRecentTransactions = "out_of_recent_transactions"
)

// ParentIDSize is the fixed size of the parent transaction id on the wire.
const ParentIDSize = 32

// ZeroParentID marks a thread root ("no parent").
var ZeroParentID [ParentIDSize]byte

// Post is a decoded unit of content plus the transaction metadata that hosts
// it. A Post with the zero parent sentinel is a thread root; otherwise it is a
// reply to the thread whose id equals ParentHex().
type Post struct {
	Version  uint8
	ParentID [ParentIDSize]byte
	Theme    string
	Language string
	Priority uint8
	Title    string
	Body     string

	// Transaction metadata, not carried in the payload.
	ID            string
	AuthorAddress string
	ObservedAt    time.Time
	Archived      bool
}

func (p *Post) IsThread() bool {
	return p.ParentID == ZeroParentID
}

// ParentHex returns the parent thread id as lowercase hex, or "" for a thread
// root.
func (p *Post) ParentHex() string {
	if p.IsThread() {
		return ""
	}
	return hex.EncodeToString(p.ParentID[:])
}

// ParentIDFromHex parses a transaction id into a wire parent id.
func ParentIDFromHex(s string) ([ParentIDSize]byte, error) {
	var out [ParentIDSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != ParentIDSize {
		return out, hex.ErrLength
	}
	copy(out[:], b)
	return out, nil
}

// Cursor remembers the newest transaction id seen for a source address. At
// most one exists per address.
type Cursor struct {
	Address       string
	LastSeenID    string
	LastCheckedAt time.Time
}

// CacheEntry timestamps a cached aggregate under a namespaced key, e.g.
// "threads-index" or "thread:<id>". Payload is optional auxiliary data (the
// reply-count keys store the count there).
type CacheEntry struct {
	Key       string
	Timestamp time.Time
	Payload   string
}

// ArchivedMarker records that an item fell outside the most recent window at
// least once. Markers are write-once and permanent.
type ArchivedMarker struct {
	ID         string
	ArchivedAt time.Time
	Reason     string
}

// VisitRecord tracks when a human last opened a thread. Background reply-count
// checks update LastViewedReplyCount only, never LastVisitAt.
type VisitRecord struct {
	ThreadID             string
	LastViewedReplyCount int
	LastVisitAt          time.Time
}

// FilteredTerm is a locally suppressed term. The id is store-assigned.
type FilteredTerm struct {
	ID      string
	Term    string
	AddedAt time.Time
}
