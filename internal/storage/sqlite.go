package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// sqliteTimeFormat is sortable, so MAX() and < comparisons work on the text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteBackend implements ChunkStore using SQLite. Chunks are stored as
// BLOB rows keyed by (object_id, n), making this suitable for single-node or
// embedded deployments.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteBackend creates a new SQLiteBackend backed by the given database
// file path. It opens the database, applies performance PRAGMAs, and creates
// the chunks table.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite chunk database: %w", err)
	}

	b := &SQLiteBackend{db: db, now: time.Now}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite chunk database: %w", err)
	}
	return b, nil
}

// initDB applies PRAGMAs and creates the required tables.
func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS chunks (
			object_id  TEXT    NOT NULL,
			n          INTEGER NOT NULL,
			data       BLOB    NOT NULL,
			written_at TEXT    NOT NULL,
			PRIMARY KEY (object_id, n)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating chunk schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// WriteChunk upserts one chunk row.
func (b *SQLiteBackend) WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks (object_id, n, data, written_at) VALUES (?, ?, ?, ?)`,
		objectID, seq, data, b.now().UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("writing chunk %d of %s: %w", seq, objectID, classifySQLError(err))
	}
	return nil
}

// OpenChunks returns an iterator issuing one point query per chunk, so no
// read transaction stays open while a slow client drains the stream.
func (b *SQLiteBackend) OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error) {
	return newFetchIterator(ctx, objectID, count, b.readChunk), nil
}

func (b *SQLiteBackend) readChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM chunks WHERE object_id = ? AND n = ?`,
		objectID, seq,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %d of %s: %w", seq, objectID, ErrChunkNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d of %s: %w", seq, objectID, classifySQLError(err))
	}
	return data, nil
}

// DeleteChunks removes all rows for objectID. Idempotent.
func (b *SQLiteBackend) DeleteChunks(ctx context.Context, objectID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM chunks WHERE object_id = ?`, objectID)
	if err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", objectID, classifySQLError(err))
	}
	return nil
}

// ChunkSets groups chunk rows by object and returns ids whose newest row
// predates the cutoff.
func (b *SQLiteBackend) ChunkSets(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT object_id FROM chunks GROUP BY object_id HAVING MAX(written_at) < ?`,
		before.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("listing chunk sets: %w", classifySQLError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chunk set: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HealthCheck verifies that the SQLite chunk database is operational by
// executing a simple query.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n); err != nil {
		return classifySQLError(err)
	}
	return nil
}

// classifySQLError maps closed-connection errors onto ErrUnavailable.
func classifySQLError(err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
