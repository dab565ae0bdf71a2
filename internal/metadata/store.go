// Package metadata defines the object registry and record store used by
// lockbox. The registry is the source of truth for object visibility: an
// object exists exactly when its metadata row has been committed.
package metadata

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by mutating operations on absent rows.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when committing a duplicate id.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a compare-and-swap precondition fails.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned when the backing database cannot be reached.
	ErrUnavailable = errors.New("metadata store unavailable")
)

// Reserved attribute keys on ObjectMetadata.Attributes.
const (
	AttrOwner        = "owner"
	AttrRecord       = "record"
	AttrOriginalName = "originalname"
)

// ObjectMetadata is the committed description of a stored object.
type ObjectMetadata struct {
	ID          string
	DisplayName string
	ContentType string
	Length      int64
	ChunkSize   int
	UploadedAt  time.Time
	Attributes  map[string]string
}

// Owner returns the owning user recorded at upload time, if any.
func (m *ObjectMetadata) Owner() string {
	return m.Attributes[AttrOwner]
}

// ListOptions filters registry listings.
type ListOptions struct {
	// Owner limits results to objects uploaded by this user. Empty means all.
	Owner string
	// Limit caps the number of results. Zero means unlimited.
	Limit int
}

// Registry records which objects are committed.
type Registry interface {
	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	// Commit inserts the metadata row in a single atomic write. Returns
	// ErrAlreadyExists if the id is taken.
	Commit(ctx context.Context, meta *ObjectMetadata) error
	// Stat returns the committed metadata, or (nil, nil) if the id has none.
	Stat(ctx context.Context, id string) (*ObjectMetadata, error)
	// Remove deletes the metadata row. Returns ErrNotFound if absent.
	Remove(ctx context.Context, id string) error
	// List returns committed objects, newest first.
	List(ctx context.Context, opts ListOptions) ([]ObjectMetadata, error)
}

// FileReference is the embedded copy of an object's metadata held by a
// record.
type FileReference struct {
	ObjectID    string
	DisplayName string
	ContentType string
	Length      int64
	UploadedAt  time.Time
}

// Record is a stored credential entry that may carry one file attachment.
type Record struct {
	ID       string
	OwnerID  string
	Title    string
	Website  string
	Username string
	Email    string
	// Secret is opaque client-supplied material, stored as given.
	Secret    string
	Notes     string
	File      *FileReference
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileObjectID returns the bound object id, or "" when no file is attached.
func (r *Record) FileObjectID() string {
	if r.File == nil {
		return ""
	}
	return r.File.ObjectID
}

// RecordStore persists records.
type RecordStore interface {
	// CreateRecord inserts a new record. Returns ErrAlreadyExists on a
	// duplicate id.
	CreateRecord(ctx context.Context, rec *Record) error
	// GetRecord returns the record, or (nil, nil) if it does not exist.
	GetRecord(ctx context.Context, id string) (*Record, error)
	// UpdateRecord replaces the record's text fields and UpdatedAt. The file
	// reference is left untouched. Returns ErrNotFound if absent.
	UpdateRecord(ctx context.Context, rec *Record) error
	// SwapRecordFile replaces the file reference only if the record's
	// currently bound object id equals expected ("" for none). Returns
	// ErrConflict when it does not and ErrNotFound when the record is gone.
	// A nil ref clears the binding.
	SwapRecordFile(ctx context.Context, id, expected string, ref *FileReference) error
	// DeleteRecord removes the record and returns the row as it was at the
	// moment of removal. Returns ErrNotFound if absent.
	DeleteRecord(ctx context.Context, id string) (*Record, error)
	// ListRecords returns records owned by ownerID (all when empty), newest first.
	ListRecords(ctx context.Context, ownerID string) ([]Record, error)
	// CountFileReferences counts records bound to objectID.
	CountFileReferences(ctx context.Context, objectID string) (int, error)
	// ReferencedObjects returns the set of object ids bound to any record.
	ReferencedObjects(ctx context.Context) (map[string]struct{}, error)
}

// Store is a metadata backend providing both the registry and records.
type Store interface {
	Registry
	RecordStore
	io.Closer
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}

func cloneFile(ref *FileReference) *FileReference {
	if ref == nil {
		return nil
	}
	cp := *ref
	return &cp
}
