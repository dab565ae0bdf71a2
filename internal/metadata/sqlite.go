package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore implements Store on a single SQLite database. Object rows and
// record rows live in the same file so a node can run without MongoDB.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and initializes the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for export and import.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS objects (
			id            TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL DEFAULT '',
			content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
			length        INTEGER NOT NULL,
			chunk_size    INTEGER NOT NULL,
			uploaded_at   TEXT NOT NULL,
			attributes    TEXT NOT NULL DEFAULT '{}',
			owner_id      TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_objects_owner ON objects(owner_id, uploaded_at);

		CREATE TABLE IF NOT EXISTS records (
			id                 TEXT PRIMARY KEY,
			owner_id           TEXT NOT NULL,
			title              TEXT NOT NULL DEFAULT '',
			website            TEXT NOT NULL DEFAULT '',
			username           TEXT NOT NULL DEFAULT '',
			email              TEXT NOT NULL DEFAULT '',
			secret             TEXT NOT NULL DEFAULT '',
			notes              TEXT NOT NULL DEFAULT '',
			file_object_id     TEXT NOT NULL DEFAULT '',
			file_display_name  TEXT NOT NULL DEFAULT '',
			file_content_type  TEXT NOT NULL DEFAULT '',
			file_length        INTEGER NOT NULL DEFAULT 0,
			file_uploaded_at   TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_records_file ON records(file_object_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database handle is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQLError(err)
	}
	return nil
}

// ---- Object operations ----

// Commit inserts the object row. The insert is a single statement so the
// object becomes visible atomically.
func (s *SQLiteStore) Commit(ctx context.Context, meta *ObjectMetadata) error {
	attrs := "{}"
	if len(meta.Attributes) > 0 {
		b, err := json.Marshal(meta.Attributes)
		if err != nil {
			return fmt.Errorf("marshaling attributes: %w", err)
		}
		attrs = string(b)
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects
			(id, display_name, content_type, length, chunk_size, uploaded_at, attributes, owner_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID,
		meta.DisplayName,
		contentType,
		meta.Length,
		meta.ChunkSize,
		meta.UploadedAt.UTC().Format(timeFormat),
		attrs,
		meta.Owner(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("object %s: %w", meta.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("committing object %s: %w", meta.ID, classifySQLError(err))
	}
	return nil
}

// Stat returns the object row, or nil if absent.
func (s *SQLiteStore) Stat(ctx context.Context, id string) (*ObjectMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, content_type, length, chunk_size, uploaded_at, attributes
		 FROM objects WHERE id = ?`,
		id,
	)

	meta, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", id, classifySQLError(err))
	}
	return meta, nil
}

// Remove deletes the object row.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", id, classifySQLError(err))
	}
	return requireAffected(result, "object", id)
}

// List returns object rows, newest first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]ObjectMetadata, error) {
	query := `SELECT id, display_name, content_type, length, chunk_size, uploaded_at, attributes
		 FROM objects`
	var args []any
	if opts.Owner != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, opts.Owner)
	}
	query += ` ORDER BY uploaded_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", classifySQLError(err))
	}
	defer rows.Close()

	var out []ObjectMetadata
	for rows.Next() {
		meta, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		out = append(out, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}
	return out, nil
}

// ---- Record operations ----

const recordColumns = `id, owner_id, title, website, username, email, secret, notes,
	file_object_id, file_display_name, file_content_type, file_length, file_uploaded_at,
	created_at, updated_at`

// CreateRecord inserts a record row.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *Record) error {
	file := fileColumns(rec.File)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.OwnerID,
		rec.Title,
		rec.Website,
		rec.Username,
		rec.Email,
		rec.Secret,
		rec.Notes,
		file[0], file[1], file[2], file[3], file[4],
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("record %s: %w", rec.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("creating record %s: %w", rec.ID, classifySQLError(err))
	}
	return nil
}

// GetRecord returns the record row, or nil if absent.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", id, classifySQLError(err))
	}
	return rec, nil
}

// UpdateRecord replaces the text fields of a record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *Record) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE records SET title = ?, website = ?, username = ?, email = ?,
			secret = ?, notes = ?, updated_at = ?
		 WHERE id = ?`,
		rec.Title,
		rec.Website,
		rec.Username,
		rec.Email,
		rec.Secret,
		rec.Notes,
		rec.UpdatedAt.UTC().Format(timeFormat),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", rec.ID, classifySQLError(err))
	}
	return requireAffected(result, "record", rec.ID)
}

// SwapRecordFile rebinds the record's file when the current binding matches
// expected. The predicate and the write are one UPDATE statement.
func (s *SQLiteStore) SwapRecordFile(ctx context.Context, id, expected string, ref *FileReference) error {
	file := fileColumns(ref)
	result, err := s.db.ExecContext(ctx,
		`UPDATE records SET file_object_id = ?, file_display_name = ?, file_content_type = ?,
			file_length = ?, file_uploaded_at = ?
		 WHERE id = ? AND file_object_id = ?`,
		file[0], file[1], file[2], file[3], file[4],
		id, expected,
	)
	if err != nil {
		return fmt.Errorf("swapping file on record %s: %w", id, classifySQLError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking record %s: %w", id, classifySQLError(err))
	}
	if exists == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("record %s not bound to %q: %w", id, expected, ErrConflict)
}

// DeleteRecord removes a record row and returns it.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM records WHERE id = ? RETURNING `+recordColumns, id,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("deleting record %s: %w", id, classifySQLError(err))
	}
	return rec, nil
}

// ListRecords returns records for ownerID, or all records when ownerID is
// empty, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, ownerID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", classifySQLError(err))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}
	return out, nil
}

// CountFileReferences counts records bound to objectID.
func (s *SQLiteStore) CountFileReferences(ctx context.Context, objectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE file_object_id = ?`, objectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting references to %s: %w", objectID, classifySQLError(err))
	}
	return n, nil
}

// ReferencedObjects returns every object id bound to a record.
func (s *SQLiteStore) ReferencedObjects(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT file_object_id FROM records WHERE file_object_id != ''`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing referenced objects: %w", classifySQLError(err))
	}
	defer rows.Close()

	refs := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning reference row: %w", err)
		}
		refs[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reference rows: %w", err)
	}
	return refs, nil
}

// ---- Helpers ----

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (*ObjectMetadata, error) {
	var meta ObjectMetadata
	var uploadedAt, attrs string
	if err := row.Scan(
		&meta.ID,
		&meta.DisplayName,
		&meta.ContentType,
		&meta.Length,
		&meta.ChunkSize,
		&uploadedAt,
		&attrs,
	); err != nil {
		return nil, err
	}
	meta.UploadedAt, _ = time.Parse(timeFormat, uploadedAt)
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &meta.Attributes); err != nil {
			return nil, fmt.Errorf("decoding attributes of %s: %w", meta.ID, err)
		}
	}
	return &meta, nil
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var file FileReference
	var fileUploadedAt, createdAt, updatedAt string
	if err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Title,
		&rec.Website,
		&rec.Username,
		&rec.Email,
		&rec.Secret,
		&rec.Notes,
		&file.ObjectID,
		&file.DisplayName,
		&file.ContentType,
		&file.Length,
		&fileUploadedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if file.ObjectID != "" {
		file.UploadedAt, _ = time.Parse(timeFormat, fileUploadedAt)
		rec.File = &file
	}
	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &rec, nil
}

// fileColumns flattens a file reference into the five file_* columns.
func fileColumns(ref *FileReference) [5]any {
	if ref == nil {
		return [5]any{"", "", "", int64(0), ""}
	}
	return [5]any{
		ref.ObjectID,
		ref.DisplayName,
		ref.ContentType,
		ref.Length,
		ref.UploadedAt.UTC().Format(timeFormat),
	}
}

func requireAffected(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}

func classifySQLError(err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var _ Store = (*SQLiteStore)(nil)
