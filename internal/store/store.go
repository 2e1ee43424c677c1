// Package store provides the persisted mapping relation between source
// photo identities and the target artifacts they were synced to.
//
// The store is the engine's sole source of truth for "already synced":
// each row associates one source id with one target id plus the content
// hash used for deduplication. It runs on embedded SQLite (ncruces
// go-sqlite3) in WAL mode so the engine (writer) and the dashboard
// (reader) can share the database without external locking.
//
// Schema:
//   - mappings: source_id (PK), content_hash, target_id, synced_at
//   - Indexes: content_hash (dedup lookups), target_id (reverse lookups)
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("mapping not found")

// StorageError wraps any SQLite failure. The engine treats these as
// fatal for the running cycle; the store does not retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Mapping is one persisted row: a source item that has been synced to
// the target. Rows are only ever written whole (upsert) or deleted.
type Mapping struct {
	SourceID    string    `json:"sourceId"`
	ContentHash string    `json:"contentHash"`
	TargetID    string    `json:"targetId"`
	SyncedAt    time.Time `json:"syncedAt"`
}

// SortKey identifies a column the paginated listing may sort by.
// Only values from this closed set ever reach query text.
type SortKey string

const (
	SortBySyncedAt SortKey = "synced_at"
	SortBySourceID SortKey = "source_id"
)

// SortDirection is asc or desc for ListPage.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// PageOptions configures ListPage. Page is 1-indexed; out-of-range
// pages return an empty slice, never an error.
type PageOptions struct {
	Page     int
	PageSize int
	// Search filters by substring across source_id, content_hash and
	// target_id. Empty means no filter.
	Search string
	SortBy SortKey
	Dir    SortDirection
}

// Store wraps the SQLite connection holding the mappings relation.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the mapping database at path.
//
// The database runs in WAL mode with a busy timeout so concurrent
// readers never block the engine's writes. The caller must Close().
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// InitSchema creates the mappings table and indexes. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mappings (
		source_id    TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		target_id    TEXT NOT NULL,
		synced_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_hash ON mappings(content_hash);
	CREATE INDEX IF NOT EXISTS idx_mappings_target ON mappings(target_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return &StorageError{Op: "init schema", Err: err}
	}
	return nil
}

// Upsert writes or overwrites the row for m.SourceID, stamping
// synced_at with the current time. All four columns are rewritten;
// rows are never partially mutated.
func (s *Store) Upsert(ctx context.Context, m Mapping) error {
	if m.SourceID == "" {
		return &StorageError{Op: "upsert", Err: errors.New("empty source id")}
	}

	query := `
	INSERT INTO mappings (source_id, content_hash, target_id, synced_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(source_id) DO UPDATE SET
		content_hash = excluded.content_hash,
		target_id = excluded.target_id,
		synced_at = excluded.synced_at
	`
	syncedAt := time.Now().UTC()
	if !m.SyncedAt.IsZero() {
		syncedAt = m.SyncedAt.UTC()
	}

	_, err := s.conn.ExecContext(ctx, query,
		m.SourceID, m.ContentHash, m.TargetID, syncedAt.Format(time.RFC3339Nano))
	if err != nil {
		return &StorageError{Op: "upsert", Err: err}
	}
	return nil
}

// GetBySourceID returns the row for sourceID, or ErrNotFound.
func (s *Store) GetBySourceID(ctx context.Context, sourceID string) (*Mapping, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT source_id, content_hash, target_id, synced_at
		 FROM mappings WHERE source_id = ?`, sourceID)
	return scanMapping(row, "get by source id")
}

// GetByContentHash returns one row whose content_hash matches, or
// ErrNotFound. When several source ids share a hash, the most recently
// synced row wins so the result is deterministic.
func (s *Store) GetByContentHash(ctx context.Context, hash string) (*Mapping, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT source_id, content_hash, target_id, synced_at
		 FROM mappings WHERE content_hash = ?
		 ORDER BY synced_at DESC, source_id DESC LIMIT 1`, hash)
	return scanMapping(row, "get by content hash")
}

// ListAll returns every mapping in one read. SQLite gives a consistent
// snapshot for a single statement, which is all the engine's diff needs.
func (s *Store) ListAll(ctx context.Context) ([]Mapping, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT source_id, content_hash, target_id, synced_at FROM mappings`)
	if err != nil {
		return nil, &StorageError{Op: "list all", Err: err}
	}
	defer rows.Close()
	return scanMappings(rows, "list all")
}

// Count returns the number of mappings, filtered by search when
// non-empty.
func (s *Store) Count(ctx context.Context, search string) (int, error) {
	query := `SELECT COUNT(*) FROM mappings`
	var args []interface{}
	if where, whereArgs := searchClause(search); where != "" {
		query += " WHERE " + where
		args = whereArgs
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return count, nil
}

// ListPage returns one page of mappings for the dashboard.
//
// The sort key and direction are validated against their closed enums
// before any query text is built; caller-provided strings never reach
// the SQL.
func (s *Store) ListPage(ctx context.Context, opts PageOptions) ([]Mapping, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 50
	}

	sortBy, err := validateSortKey(opts.SortBy)
	if err != nil {
		return nil, err
	}
	dir, err := validateDirection(opts.Dir)
	if err != nil {
		return nil, err
	}

	query := `SELECT source_id, content_hash, target_id, synced_at FROM mappings`
	var args []interface{}
	if where, whereArgs := searchClause(opts.Search); where != "" {
		query += " WHERE " + where
		args = whereArgs
	}
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", sortBy, dir)
	args = append(args, opts.PageSize, (opts.Page-1)*opts.PageSize)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list page", Err: err}
	}
	defer rows.Close()
	return scanMappings(rows, "list page")
}

// DeleteBySourceID removes the row for sourceID. Deleting a missing
// row is a no-op, not an error.
func (s *Store) DeleteBySourceID(ctx context.Context, sourceID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM mappings WHERE source_id = ?`, sourceID)
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

// DeleteBySourceIDs removes all given rows in one transaction and
// returns how many actually existed. Missing ids are simply not
// counted.
func (s *Store) DeleteBySourceIDs(ctx context.Context, sourceIDs []string) (int, error) {
	if len(sourceIDs) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "bulk delete begin", Err: err}
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(sourceIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(sourceIDs))
	for i, id := range sourceIDs {
		args[i] = id
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM mappings WHERE source_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, &StorageError{Op: "bulk delete", Err: err}
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "bulk delete rows affected", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "bulk delete commit", Err: err}
	}
	return int(deleted), nil
}

// searchClause builds the substring filter shared by Count and
// ListPage. Returns an empty clause for an empty search term.
func searchClause(search string) (string, []interface{}) {
	search = strings.TrimSpace(search)
	if search == "" {
		return "", nil
	}
	pattern := "%" + escapeLike(search) + "%"
	clause := `(source_id LIKE ? ESCAPE '\' OR content_hash LIKE ? ESCAPE '\' OR target_id LIKE ? ESCAPE '\')`
	return clause, []interface{}{pattern, pattern, pattern}
}

// escapeLike escapes LIKE metacharacters in a user-supplied term.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func validateSortKey(k SortKey) (string, error) {
	switch k {
	case "", SortBySyncedAt:
		return string(SortBySyncedAt), nil
	case SortBySourceID:
		return string(SortBySourceID), nil
	default:
		return "", fmt.Errorf("invalid sort key %q", k)
	}
}

func validateDirection(d SortDirection) (string, error) {
	switch d {
	case "", SortDesc:
		return "DESC", nil
	case SortAsc:
		return "ASC", nil
	default:
		return "", fmt.Errorf("invalid sort direction %q", d)
	}
}

func scanMapping(row *sql.Row, op string) (*Mapping, error) {
	var m Mapping
	var syncedAt string
	err := row.Scan(&m.SourceID, &m.ContentHash, &m.TargetID, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	m.SyncedAt, err = time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return nil, &StorageError{Op: op, Err: fmt.Errorf("bad synced_at %q: %w", syncedAt, err)}
	}
	return &m, nil
}

func scanMappings(rows *sql.Rows, op string) ([]Mapping, error) {
	var out []Mapping
	for rows.Next() {
		var m Mapping
		var syncedAt string
		if err := rows.Scan(&m.SourceID, &m.ContentHash, &m.TargetID, &syncedAt); err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}
		var err error
		m.SyncedAt, err = time.Parse(time.RFC3339Nano, syncedAt)
		if err != nil {
			return nil, &StorageError{Op: op, Err: fmt.Errorf("bad synced_at %q: %w", syncedAt, err)}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return out, nil
}
