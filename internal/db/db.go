package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/journal-sync/internal/reconcile"
	"github.com/chmdznr/journal-sync/pkg/models"
)

// Relation kinds stored in entry_relations.kind
const (
	KindTag      = "tag"
	KindLocation = "location"
)

const timeLayout = "2006-01-02 15:04:05"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// sidecarSuffixes are the files SQLite keeps next to the main file.
var sidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// DB is the local journal store. The sync coordinator sees it only through
// Checkpoint, Close, Path, DeleteMainFile and DeleteSidecars.
type DB struct {
	mu     sync.RWMutex
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// SaveResult reports the relation rows touched by SaveEntry.
type SaveResult struct {
	Tags      reconcile.Result
	Locations reconcile.Result
}

// Stats about the local store
type Stats struct {
	Entries   int64
	Tags      int64
	Locations int64
}

// New opens (creating if needed) the store at path.
func New(path string, logger *log.Logger) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[db] ", log.LstdFlags)
	}
	db := &DB{path: path, logger: logger}
	if err := db.open(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) open() error {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL", db.path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping database: %v", err)
	}
	if err := initialize(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to initialize schema: %v", err)
	}
	db.conn = conn
	return nil
}

// initialize creates the necessary tables if they don't exist
func initialize(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS entry_relations (
			entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			content TEXT,
			PRIMARY KEY (entry_id, kind, key)
		);
		CREATE INDEX IF NOT EXISTS idx_relations_kind_key ON entry_relations(kind, key);
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// Path returns the main database file.
func (db *DB) Path() string {
	return db.path
}

// Checkpoint flushes the write-ahead log into the main file and truncates
// it, so the main file alone is a consistent copy of the store.
func (db *DB) Checkpoint(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return ErrClosed
	}

	var busy, logFrames, checkpointed int
	err := db.conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %v", err)
	}
	if busy != 0 {
		return fmt.Errorf("failed to checkpoint WAL: database busy (%d/%d frames checkpointed)", checkpointed, logFrames)
	}
	return nil
}

// Close closes the connection pool. Closing a closed store is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %v", err)
	}
	return nil
}

// Reopen opens the store again after Close, e.g. once a restore replaced
// the main file.
func (db *DB) Reopen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			db.logger.Printf("Warning: failed to close database before reopen: %v", err)
		}
		db.conn = nil
	}
	if err := db.open(); err != nil {
		return err
	}
	db.logger.Printf("Reopened database: %s", db.path)
	return nil
}

// DeleteMainFile removes the main database file. A missing file is not an error.
func (db *DB) DeleteMainFile() error {
	if err := os.Remove(db.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete database file: %v", err)
	}
	return nil
}

// DeleteSidecars removes the WAL, shared-memory and rollback journal files.
func (db *DB) DeleteSidecars() error {
	for _, suffix := range sidecarSuffixes {
		if err := os.Remove(db.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s sidecar: %v", suffix, err)
		}
	}
	return nil
}

// SaveEntry upserts the entry and reconciles its tags and locations. Only
// changed relation rows are written. A nil snapshot clears that relation kind.
func (db *DB) SaveEntry(ctx context.Context, entry models.Entry) (SaveResult, error) {
	var result SaveResult
	if entry.ID == "" {
		return result, fmt.Errorf("entry id cannot be empty")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return result, ErrClosed
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, entry.ID, entry.Body, entry.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return result, fmt.Errorf("failed to save entry %s: %v", entry.ID, err)
	}

	if result.Tags, err = applyRelations(ctx, tx, entry.ID, KindTag, entry.Tags); err != nil {
		return result, err
	}
	if result.Locations, err = applyRelations(ctx, tx, entry.ID, KindLocation, entry.Locations); err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit entry %s: %v", entry.ID, err)
	}
	return result, nil
}

func applyRelations(ctx context.Context, tx *sql.Tx, entryID, kind string, next models.RelationSnapshot) (reconcile.Result, error) {
	current, err := relations(ctx, tx, entryID, kind)
	if err != nil {
		return reconcile.Result{}, err
	}
	res := reconcile.Diff(current, next)
	if res.Empty() {
		return res, nil
	}

	for _, rel := range res.Delete {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM entry_relations WHERE entry_id = ? AND kind = ? AND key = ?
		`, entryID, kind, rel.Key)
		if err != nil {
			return res, fmt.Errorf("failed to delete %s %q: %v", kind, rel.Key, err)
		}
	}
	for _, rel := range res.Update {
		_, err := tx.ExecContext(ctx, `
			UPDATE entry_relations SET content = ? WHERE entry_id = ? AND kind = ? AND key = ?
		`, rel.Content, entryID, kind, rel.Key)
		if err != nil {
			return res, fmt.Errorf("failed to update %s %q: %v", kind, rel.Key, err)
		}
	}
	for _, rel := range res.Insert {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entry_relations (entry_id, kind, key, content) VALUES (?, ?, ?, ?)
		`, entryID, kind, rel.Key, rel.Content)
		if err != nil {
			return res, fmt.Errorf("failed to insert %s %q: %v", kind, rel.Key, err)
		}
	}
	return res, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func relations(ctx context.Context, q querier, entryID, kind string) (models.RelationSnapshot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key, content FROM entry_relations WHERE entry_id = ? AND kind = ?
	`, entryID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s relations: %v", kind, err)
	}
	defer rows.Close()

	snap := models.RelationSnapshot{}
	for rows.Next() {
		var key string
		var content sql.NullString
		if err := rows.Scan(&key, &content); err != nil {
			return nil, err
		}
		snap[key] = content
	}
	return snap, rows.Err()
}

// GetEntry loads an entry with its relations.
func (db *DB) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return nil, ErrClosed
	}

	entry := models.Entry{ID: id}
	var updated string
	err := db.conn.QueryRowContext(ctx, `
		SELECT body, updated_at FROM entries WHERE id = ?
	`, id).Scan(&entry.Body, &updated)
	if err != nil {
		return nil, fmt.Errorf("entry not found: %v", err)
	}
	entry.UpdatedAt, _ = time.Parse(timeLayout, updated)

	if entry.Tags, err = relations(ctx, db.conn, id, KindTag); err != nil {
		return nil, err
	}
	if entry.Locations, err = relations(ctx, db.conn, id, KindLocation); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetStats returns row counts of the store
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return nil, ErrClosed
	}

	var stats Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entries),
			(SELECT COUNT(*) FROM entry_relations WHERE kind = ?),
			(SELECT COUNT(*) FROM entry_relations WHERE kind = ?)
	`, KindTag, KindLocation).Scan(&stats.Entries, &stats.Tags, &stats.Locations)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %v", err)
	}
	return &stats, nil
}
