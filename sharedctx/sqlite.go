package sharedctx

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/waggleworks/waggle/errors"
)

// SQLiteBackend persists shard snapshots in a single SQLite database.
// Version checks ride on SQLite's own write transaction instead of file
// locks, which keeps the compare-and-swap safe across processes on
// filesystems where advisory locking is unreliable.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (creating if needed) the context database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create context directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open context database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, path: path}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS shards (
			shard      INTEGER PRIMARY KEY,
			version    INTEGER NOT NULL,
			payload    TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate context database: %w", err)
	}
	return nil
}

// Load returns the shard's current snapshot, or an empty version-0 snapshot
// for a shard that has never been stored.
func (b *SQLiteBackend) Load(shard int) (*Snapshot, error) {
	var payload string
	err := b.db.QueryRow(`SELECT payload FROM shards WHERE shard = ?`, shard).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shard %d: %w", shard, err)
	}

	snap, derr := decodeSnapshot([]byte(payload))
	if derr != nil {
		return nil, errors.NewCorruptContextStateError(fmt.Sprintf("%s#shard-%d", b.path, shard), 0, derr)
	}
	return snap, nil
}

// Store commits snap inside a single write transaction, failing with a
// version conflict if another writer committed since expectedVersion.
func (b *SQLiteBackend) Store(shard int, snap *Snapshot, expectedVersion int64) error {
	encoded, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to encode shard %d: %w", shard, err)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin shard transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(`SELECT version FROM shards WHERE shard = ?`, shard).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = 0
	} else if err != nil {
		return fmt.Errorf("failed to read shard %d version: %w", shard, err)
	}
	if current != expectedVersion {
		return errors.NewVersionConflictError("", expectedVersion, current)
	}

	_, err = tx.Exec(`
		INSERT INTO shards (shard, version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(shard) DO UPDATE SET
			version    = excluded.version,
			payload    = excluded.payload,
			updated_at = excluded.updated_at
	`, shard, snap.Version, string(encoded), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store shard %d: %w", shard, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit shard %d: %w", shard, err)
	}
	return nil
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
