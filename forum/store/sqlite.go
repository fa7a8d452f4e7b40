package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"dag-bbs/client-go/forum/types"
)

var ErrStoreClosed = errors.New("store closed")

// querier is the common surface of *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteDB struct {
	db *sql.DB
	q  querier
}

// Open opens (creating if needed) the sqlite-backed store. ":memory:" works
// for tests.
func Open(path string) (DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &sqliteDB{db: db, q: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteDB) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteDB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL,
			theme TEXT NOT NULL,
			language TEXT NOT NULL,
			priority INTEGER NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			author_address TEXT NOT NULL,
			observed_at INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS cursors (
			address TEXT PRIMARY KEY,
			last_seen_id TEXT NOT NULL,
			last_checked_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cache_meta (
			cache_key TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS archived (
			id TEXT PRIMARY KEY,
			archived_at INTEGER NOT NULL,
			reason TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS visits (
			thread_id TEXT PRIMARY KEY,
			last_viewed_reply_count INTEGER NOT NULL,
			last_visit_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS filtered_terms (
			id TEXT PRIMARY KEY,
			term TEXT NOT NULL UNIQUE,
			added_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hidden (
			id TEXT PRIMARY KEY,
			hidden_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_parent_observed ON posts(parent_id, observed_at);`,
	}
	for _, q := range stmts {
		if _, err := s.q.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqliteDB) WithTx(ctx context.Context, fn func(tx DB) error) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	// Already inside a transaction: reuse it.
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	w := &sqliteDB{db: s.db, q: tx}
	if err := fn(w); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ----- posts -----

func (s *sqliteDB) UpsertPost(ctx context.Context, p *types.Post) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO posts(id, parent_id, theme, language, priority, title, body, author_address, observed_at, archived)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id=excluded.parent_id,
			theme=excluded.theme,
			language=excluded.language,
			priority=excluded.priority,
			title=excluded.title,
			body=excluded.body,
			author_address=excluded.author_address,
			observed_at=excluded.observed_at,
			archived=excluded.archived
	`, p.ID, p.ParentHex(), p.Theme, p.Language, p.Priority, p.Title, p.Body,
		p.AuthorAddress, unixOrZero(p.ObservedAt), boolToInt(p.Archived))
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", p.ID, err)
	}
	return nil
}

const postColumns = `id, parent_id, theme, language, priority, title, body, author_address, observed_at, archived`

func (s *sqliteDB) GetPost(ctx context.Context, id string) (*types.Post, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	return p, nil
}

func (s *sqliteDB) ListThreads(ctx context.Context) ([]types.Post, error) {
	return s.listPosts(ctx, `SELECT `+postColumns+` FROM posts WHERE parent_id = '' ORDER BY observed_at DESC, id`)
}

func (s *sqliteDB) ListReplies(ctx context.Context, threadID string) ([]types.Post, error) {
	return s.listPosts(ctx, `SELECT `+postColumns+` FROM posts WHERE parent_id = ? ORDER BY observed_at ASC, id`, threadID)
}

func (s *sqliteDB) listPosts(ctx context.Context, query string, args ...any) ([]types.Post, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []types.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (*types.Post, error) {
	var (
		p          types.Post
		parentHex  string
		observedAt int64
		archived   int
	)
	if err := r.Scan(&p.ID, &parentHex, &p.Theme, &p.Language, &p.Priority,
		&p.Title, &p.Body, &p.AuthorAddress, &observedAt, &archived); err != nil {
		return nil, err
	}
	p.Version = types.Version1
	if parentHex != "" {
		b, err := hex.DecodeString(parentHex)
		if err != nil || len(b) != types.ParentIDSize {
			return nil, fmt.Errorf("corrupt parent id %q for %s", parentHex, p.ID)
		}
		copy(p.ParentID[:], b)
	}
	p.ObservedAt = timeOrZero(observedAt)
	p.Archived = archived != 0
	return &p, nil
}

func (s *sqliteDB) DeletePost(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete post %s: %w", id, err)
	}
	return nil
}

// ----- cursors -----

func (s *sqliteDB) GetCursor(ctx context.Context, address string) (*types.Cursor, error) {
	var (
		c       types.Cursor
		checked int64
	)
	err := s.q.QueryRowContext(ctx, `SELECT address, last_seen_id, last_checked_at FROM cursors WHERE address = ?`, address).
		Scan(&c.Address, &c.LastSeenID, &checked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor %s: %w", address, err)
	}
	c.LastCheckedAt = timeOrZero(checked)
	return &c, nil
}

func (s *sqliteDB) PutCursor(ctx context.Context, c *types.Cursor) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cursors(address, last_seen_id, last_checked_at) VALUES(?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			last_seen_id=excluded.last_seen_id,
			last_checked_at=excluded.last_checked_at
	`, c.Address, c.LastSeenID, unixOrZero(c.LastCheckedAt))
	if err != nil {
		return fmt.Errorf("put cursor %s: %w", c.Address, err)
	}
	return nil
}

// ----- cache metadata -----

func (s *sqliteDB) GetCacheEntry(ctx context.Context, key string) (*types.CacheEntry, error) {
	var (
		e  types.CacheEntry
		ts int64
	)
	err := s.q.QueryRowContext(ctx, `SELECT cache_key, ts, payload FROM cache_meta WHERE cache_key = ?`, key).
		Scan(&e.Key, &ts, &e.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s: %w", key, err)
	}
	e.Timestamp = timeOrZero(ts)
	return &e, nil
}

func (s *sqliteDB) PutCacheEntry(ctx context.Context, e *types.CacheEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cache_meta(cache_key, ts, payload) VALUES(?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET ts=excluded.ts, payload=excluded.payload
	`, e.Key, unixOrZero(e.Timestamp), e.Payload)
	if err != nil {
		return fmt.Errorf("put cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *sqliteDB) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM cache_meta WHERE cache_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

func (s *sqliteDB) DeleteCacheEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM cache_meta WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ----- archived markers -----

func (s *sqliteDB) AddArchivedMarker(ctx context.Context, m *types.ArchivedMarker) error {
	// Write-once at the SQL level: repeated writes keep the first record.
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO archived(id, archived_at, reason) VALUES(?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, unixOrZero(m.ArchivedAt), m.Reason)
	if err != nil {
		return fmt.Errorf("add archived marker %s: %w", m.ID, err)
	}
	return nil
}

func (s *sqliteDB) GetArchivedMarker(ctx context.Context, id string) (*types.ArchivedMarker, error) {
	var (
		m  types.ArchivedMarker
		at int64
	)
	err := s.q.QueryRowContext(ctx, `SELECT id, archived_at, reason FROM archived WHERE id = ?`, id).
		Scan(&m.ID, &at, &m.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archived marker %s: %w", id, err)
	}
	m.ArchivedAt = timeOrZero(at)
	return &m, nil
}

func (s *sqliteDB) ArchivedIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.idSet(ctx, `SELECT id FROM archived`)
}

// ----- visit records -----

func (s *sqliteDB) GetVisit(ctx context.Context, threadID string) (*types.VisitRecord, error) {
	var (
		v  types.VisitRecord
		at int64
	)
	err := s.q.QueryRowContext(ctx, `SELECT thread_id, last_viewed_reply_count, last_visit_at FROM visits WHERE thread_id = ?`, threadID).
		Scan(&v.ThreadID, &v.LastViewedReplyCount, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get visit %s: %w", threadID, err)
	}
	v.LastVisitAt = timeOrZero(at)
	return &v, nil
}

func (s *sqliteDB) RecordVisit(ctx context.Context, threadID string, replyCount int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO visits(thread_id, last_viewed_reply_count, last_visit_at) VALUES(?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			last_viewed_reply_count=excluded.last_viewed_reply_count,
			last_visit_at=excluded.last_visit_at
	`, threadID, replyCount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record visit %s: %w", threadID, err)
	}
	return nil
}

func (s *sqliteDB) UpdateVisitCount(ctx context.Context, threadID string, replyCount int) error {
	// Background checks must not look like a human visit: last_visit_at keeps
	// its previous value (zero for a never-visited thread).
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO visits(thread_id, last_viewed_reply_count, last_visit_at) VALUES(?, ?, 0)
		ON CONFLICT(thread_id) DO UPDATE SET
			last_viewed_reply_count=excluded.last_viewed_reply_count
	`, threadID, replyCount)
	if err != nil {
		return fmt.Errorf("update visit count %s: %w", threadID, err)
	}
	return nil
}

// ----- filtered terms -----

func (s *sqliteDB) AddFilteredTerm(ctx context.Context, term string) (*types.FilteredTerm, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, fmt.Errorf("empty filtered term")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO filtered_terms(id, term, added_at) VALUES(?, ?, ?)
		ON CONFLICT(term) DO NOTHING
	`, uuid.NewString(), term, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("add filtered term %q: %w", term, err)
	}

	var (
		ft types.FilteredTerm
		at int64
	)
	if err := s.q.QueryRowContext(ctx, `SELECT id, term, added_at FROM filtered_terms WHERE term = ?`, term).
		Scan(&ft.ID, &ft.Term, &at); err != nil {
		return nil, fmt.Errorf("read back filtered term %q: %w", term, err)
	}
	ft.AddedAt = timeOrZero(at)
	return &ft, nil
}

func (s *sqliteDB) ListFilteredTerms(ctx context.Context) ([]types.FilteredTerm, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, term, added_at FROM filtered_terms ORDER BY added_at, term`)
	if err != nil {
		return nil, fmt.Errorf("list filtered terms: %w", err)
	}
	defer rows.Close()

	var out []types.FilteredTerm
	for rows.Next() {
		var (
			ft types.FilteredTerm
			at int64
		)
		if err := rows.Scan(&ft.ID, &ft.Term, &at); err != nil {
			return nil, fmt.Errorf("scan filtered term: %w", err)
		}
		ft.AddedAt = timeOrZero(at)
		out = append(out, ft)
	}
	return out, rows.Err()
}

func (s *sqliteDB) RemoveFilteredTerm(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM filtered_terms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove filtered term %s: %w", id, err)
	}
	return nil
}

// ----- hidden ids -----

func (s *sqliteDB) HidePost(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("hide post %s: %w", id, err)
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO hidden(id, hidden_at) VALUES(?, ?) ON CONFLICT(id) DO NOTHING
	`, id, time.Now().Unix()); err != nil {
		return fmt.Errorf("hide post %s: %w", id, err)
	}
	return nil
}

func (s *sqliteDB) HiddenIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.idSet(ctx, `SELECT id FROM hidden`)
}

func (s *sqliteDB) idSet(ctx context.Context, query string) (map[string]struct{}, error) {
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("id set: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
