// Package vault binds credential records to stored objects. It owns the
// record CRUD rules, the one-file-per-record attachment, and the ownership
// checks that guard every file read.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lockbox/lockbox/internal/auth"
	"github.com/lockbox/lockbox/internal/bucket"
	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/metadata"
)

// Options configures a Binder.
type Options struct {
	// OrphanTTL is how long an unbound upload is left alone before Cleanup
	// may delete it.
	OrphanTTL time.Duration
	Logger    *slog.Logger
}

// Binder implements the record operations.
type Binder struct {
	records metadata.RecordStore
	store   bucket.HandleSource
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Binder over the record store and the current bucket handle.
func New(records metadata.RecordStore, store bucket.HandleSource, opts Options) *Binder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.OrphanTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Binder{
		records: records,
		store:   store,
		ttl:     ttl,
		logger:  logging.Component(logger, "vault"),
		now:     time.Now,
	}
}

// Fields are the client-editable text fields of a record.
type Fields struct {
	Title    string `json:"title"`
	Website  string `json:"website"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Secret   string `json:"secret"`
	Notes    string `json:"notes"`
}

// Draft is a record about to be created. ID may be pre-allocated with
// NewRecordID when a file was staged before the record existed.
type Draft struct {
	ID     string
	Fields Fields
	File   *metadata.FileReference
}

// FileUpload is an incoming attachment.
type FileUpload struct {
	Body         io.Reader
	DisplayName  string
	ContentType  string
	DeclaredSize int64
}

// CleanupResult summarises an administrative cleanup.
type CleanupResult struct {
	SessionsReaped   int      `json:"sessionsReaped"`
	ChunkSetsDeleted int      `json:"chunkSetsDeleted"`
	DeletedObjects   []string `json:"deletedObjects"`
	Errors           []string `json:"errors,omitempty"`
}

// NewRecordID allocates a record identifier.
func NewRecordID() string {
	return uuid.NewString()
}

// recordErr maps record store errors onto the API taxonomy.
func recordErr(err error) error {
	var apiErr *apperr.APIError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return err
	case errors.Is(err, metadata.ErrNotFound):
		return apperr.ErrRecordNotFound
	case errors.Is(err, metadata.ErrConflict), errors.Is(err, metadata.ErrAlreadyExists):
		return apperr.ErrConflict.Wrap(err)
	case errors.Is(err, metadata.ErrUnavailable):
		return apperr.ErrStoreUnavailable.Wrap(err)
	default:
		return apperr.ErrInternalError.Wrap(err)
	}
}

// authorize loads the record and checks that p may act on it. Ownership is
// checked against the record, never against the object id.
func (b *Binder) authorize(ctx context.Context, p auth.Principal, id string) (*metadata.Record, error) {
	if id == "" {
		return nil, apperr.ErrInvalidIdentifier.WithMessage("Invalid record ID")
	}
	rec, err := b.records.GetRecord(ctx, id)
	if err != nil {
		return nil, recordErr(err)
	}
	if rec == nil {
		return nil, apperr.ErrRecordNotFound
	}
	if !p.CanAccess(rec.OwnerID) {
		return nil, apperr.ErrUnauthorized
	}
	return rec, nil
}

// CreateRecord stores a new record owned by p. A staged file in the draft is
// bound atomically with the insert; if the insert fails it is discarded.
func (b *Binder) CreateRecord(ctx context.Context, p auth.Principal, d Draft) (*metadata.Record, error) {
	if d.ID == "" {
		d.ID = NewRecordID()
	}
	now := b.now().UTC()
	rec := &metadata.Record{
		ID:        d.ID,
		OwnerID:   p.UserID,
		Title:     d.Fields.Title,
		Website:   d.Fields.Website,
		Username:  d.Fields.Username,
		Email:     d.Fields.Email,
		Secret:    d.Fields.Secret,
		Notes:     d.Fields.Notes,
		File:      d.File,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.records.CreateRecord(ctx, rec); err != nil {
		if d.File != nil {
			b.Discard(ctx, d.File.ObjectID)
		}
		return nil, recordErr(err)
	}
	b.logger.Debug("Record created", "record", rec.ID, "owner", rec.OwnerID, "file", rec.FileObjectID())
	return rec, nil
}

// GetRecord returns the record if p owns it or is an administrator.
func (b *Binder) GetRecord(ctx context.Context, p auth.Principal, id string) (*metadata.Record, error) {
	return b.authorize(ctx, p, id)
}

// ListRecords returns p's records, newest first. Administrators may pass
// all to list every user's records.
func (b *Binder) ListRecords(ctx context.Context, p auth.Principal, all bool) ([]metadata.Record, error) {
	owner := p.UserID
	if all {
		if !p.IsAdmin() {
			return nil, apperr.ErrAccessDenied
		}
		owner = ""
	}
	recs, err := b.records.ListRecords(ctx, owner)
	if err != nil {
		return nil, recordErr(err)
	}
	return recs, nil
}

// UpdateRecord replaces the record's text fields.
func (b *Binder) UpdateRecord(ctx context.Context, p auth.Principal, id string, f Fields) (*metadata.Record, error) {
	rec, err := b.authorize(ctx, p, id)
	if err != nil {
		return nil, err
	}
	rec.Title = f.Title
	rec.Website = f.Website
	rec.Username = f.Username
	rec.Email = f.Email
	rec.Secret = f.Secret
	rec.Notes = f.Notes
	rec.UpdatedAt = b.now().UTC()
	if err := b.records.UpdateRecord(ctx, rec); err != nil {
		return nil, recordErr(err)
	}
	return b.reload(ctx, id)
}

// DeleteRecord removes the record and then its file if no other record
// references it. The file released is the one bound to the row at the
// moment of removal.
func (b *Binder) DeleteRecord(ctx context.Context, p auth.Principal, id string) error {
	if _, err := b.authorize(ctx, p, id); err != nil {
		return err
	}
	removed, err := b.records.DeleteRecord(ctx, id)
	if err != nil {
		return recordErr(err)
	}
	if objectID := removed.FileObjectID(); objectID != "" {
		b.release(ctx, objectID)
	}
	b.logger.Debug("Record deleted", "record", id)
	return nil
}

// Stage uploads a file for recordID without binding it. When the record
// exists p must be allowed to act on it; otherwise the upload is staged for
// a record p is about to create. The returned reference must be passed to
// Bind or CreateRecord, or released with Discard.
func (b *Binder) Stage(ctx context.Context, p auth.Principal, recordID string, up FileUpload) (*metadata.FileReference, error) {
	if recordID == "" {
		return nil, apperr.ErrInvalidIdentifier.WithMessage("Invalid record ID")
	}
	owner := p.UserID
	rec, err := b.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, recordErr(err)
	}
	if rec != nil {
		if !p.CanAccess(rec.OwnerID) {
			return nil, apperr.ErrUnauthorized
		}
		owner = rec.OwnerID
	}
	return b.upload(ctx, owner, recordID, up)
}

// StageExisting is Stage for a record that must already exist. A missing
// record fails with RecordNotFound before any byte is read from up.
func (b *Binder) StageExisting(ctx context.Context, p auth.Principal, recordID string, up FileUpload) (*metadata.FileReference, error) {
	rec, err := b.authorize(ctx, p, recordID)
	if err != nil {
		return nil, err
	}
	return b.upload(ctx, rec.OwnerID, recordID, up)
}

func (b *Binder) upload(ctx context.Context, owner, recordID string, up FileUpload) (*metadata.FileReference, error) {
	svc, err := b.store.Handle(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := svc.Upload(ctx, up.Body, bucket.UploadOptions{
		DisplayName:  up.DisplayName,
		ContentType:  up.ContentType,
		DeclaredSize: up.DeclaredSize,
		Attributes: map[string]string{
			metadata.AttrOwner:        owner,
			metadata.AttrRecord:       recordID,
			metadata.AttrOriginalName: up.DisplayName,
		},
	})
	if err != nil {
		return nil, err
	}
	return &metadata.FileReference{
		ObjectID:    meta.ID,
		DisplayName: meta.DisplayName,
		ContentType: meta.ContentType,
		Length:      meta.Length,
		UploadedAt:  meta.UploadedAt,
	}, nil
}

// Bind points the record at a staged file. The swap is conditional on the
// binding read a moment earlier; after it succeeds the superseded object is
// deleted if nothing else references it. On any failure the staged object is
// discarded and the old binding stays intact.
func (b *Binder) Bind(ctx context.Context, p auth.Principal, id string, staged *metadata.FileReference) (*metadata.Record, error) {
	if staged == nil {
		return nil, apperr.ErrNoFileUploaded
	}
	rec, err := b.authorize(ctx, p, id)
	if err != nil {
		b.Discard(ctx, staged.ObjectID)
		return nil, err
	}
	previous := rec.FileObjectID()
	if err := b.records.SwapRecordFile(ctx, id, previous, staged); err != nil {
		b.Discard(ctx, staged.ObjectID)
		return nil, recordErr(err)
	}
	if previous != "" && previous != staged.ObjectID {
		b.release(ctx, previous)
	}
	b.logger.Debug("File bound", "record", id, "object", staged.ObjectID, "replaced", previous)
	return b.reload(ctx, id)
}

// Attach uploads a file and binds it to an existing record.
func (b *Binder) Attach(ctx context.Context, p auth.Principal, id string, up FileUpload) (*metadata.Record, error) {
	staged, err := b.StageExisting(ctx, p, id, up)
	if err != nil {
		return nil, err
	}
	return b.Bind(ctx, p, id, staged)
}

// Detach clears the record's file and deletes the object if it is no longer
// referenced.
func (b *Binder) Detach(ctx context.Context, p auth.Principal, id string) (*metadata.Record, error) {
	rec, err := b.authorize(ctx, p, id)
	if err != nil {
		return nil, err
	}
	objectID := rec.FileObjectID()
	if objectID == "" {
		return nil, apperr.ErrObjectNotFound
	}
	if err := b.records.SwapRecordFile(ctx, id, objectID, nil); err != nil {
		return nil, recordErr(err)
	}
	b.release(ctx, objectID)
	return b.reload(ctx, id)
}

// Discard deletes a staged object that will not be bound. Failures are
// logged; the cleanup pass picks up anything left.
func (b *Binder) Discard(ctx context.Context, objectID string) {
	ctx = context.WithoutCancel(ctx)
	svc, err := b.store.Handle(ctx)
	if err != nil {
		b.logger.Warn("Could not discard staged object", "object", objectID, "error", err)
		return
	}
	if err := svc.Delete(ctx, objectID); err != nil && !errors.Is(err, apperr.ErrObjectNotFound) {
		b.logger.Warn("Could not discard staged object", "object", objectID, "error", err)
	}
}

// release deletes objectID when no record references it.
func (b *Binder) release(ctx context.Context, objectID string) {
	ctx = context.WithoutCancel(ctx)
	n, err := b.records.CountFileReferences(ctx, objectID)
	if err != nil {
		b.logger.Warn("Could not count references", "object", objectID, "error", err)
		return
	}
	if n > 0 {
		b.logger.Debug("Object still referenced", "object", objectID, "references", n)
		return
	}
	b.Discard(ctx, objectID)
}

// Fetch opens the file bound to a record for streaming. Ownership is
// checked before any object lookup. A reference to a missing object is
// reported as ObjectNotFound and logged as an orphaned reference.
func (b *Binder) Fetch(ctx context.Context, p auth.Principal, id string) (*metadata.Record, *bucket.Download, error) {
	rec, err := b.authorize(ctx, p, id)
	if err != nil {
		return nil, nil, err
	}
	objectID := rec.FileObjectID()
	if objectID == "" {
		return nil, nil, apperr.ErrObjectNotFound.WithMessage("No file attached")
	}

	svc, err := b.store.Handle(ctx)
	if err != nil {
		return nil, nil, err
	}
	_, dl, err := svc.OpenDownloadSession(ctx, objectID)
	if err != nil {
		if errors.Is(err, apperr.ErrObjectNotFound) {
			b.logger.Warn("Record references a missing object", "record", id, "object", objectID)
		}
		return nil, nil, err
	}
	return rec, dl, nil
}

// Cleanup is the administrative sweep. It reaps abandoned uploads, then
// deletes committed record files that no record references. Files younger
// than the orphan TTL are skipped because they may be staged for a record
// that is still being saved.
func (b *Binder) Cleanup(ctx context.Context, p auth.Principal) (*CleanupResult, error) {
	if !p.IsAdmin() {
		return nil, apperr.ErrAccessDenied
	}
	svc, err := b.store.Handle(ctx)
	if err != nil {
		return nil, err
	}

	sweep, err := svc.SweepOrphans(ctx, b.ttl)
	if err != nil {
		return nil, err
	}
	res := &CleanupResult{
		SessionsReaped:   sweep.SessionsReaped,
		ChunkSetsDeleted: sweep.ChunkSetsDeleted,
		DeletedObjects:   []string{},
	}

	refs, err := b.records.ReferencedObjects(ctx)
	if err != nil {
		return nil, recordErr(err)
	}
	objs, err := svc.List(ctx, metadata.ListOptions{})
	if err != nil {
		return nil, err
	}
	cutoff := b.now().Add(-b.ttl)
	for _, obj := range objs {
		if obj.Attributes[metadata.AttrRecord] == "" {
			continue
		}
		if _, bound := refs[obj.ID]; bound {
			continue
		}
		if obj.UploadedAt.After(cutoff) {
			continue
		}
		if err := svc.Delete(ctx, obj.ID); err != nil && !errors.Is(err, apperr.ErrObjectNotFound) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", obj.ID, err))
			continue
		}
		res.DeletedObjects = append(res.DeletedObjects, obj.ID)
	}
	b.logger.Info("Cleanup complete",
		"sessions_reaped", res.SessionsReaped,
		"chunk_sets_deleted", res.ChunkSetsDeleted,
		"objects_deleted", len(res.DeletedObjects),
		"errors", len(res.Errors),
	)
	return res, nil
}

func (b *Binder) reload(ctx context.Context, id string) (*metadata.Record, error) {
	rec, err := b.records.GetRecord(ctx, id)
	if err != nil {
		return nil, recordErr(err)
	}
	if rec == nil {
		return nil, apperr.ErrRecordNotFound
	}
	return rec, nil
}
