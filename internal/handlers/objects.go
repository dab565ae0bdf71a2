package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lockbox/lockbox/internal/auth"
	"github.com/lockbox/lockbox/internal/bucket"
	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/jsonutil"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/vault"
)

// ReferenceCounter reports how many records point at an object.
type ReferenceCounter interface {
	CountFileReferences(ctx context.Context, objectID string) (int, error)
}

// ObjectHandler serves the standalone /objects routes. Objects are scoped to
// the uploader; administrators see everything. An object owned by someone
// else is reported as absent.
type ObjectHandler struct {
	store     bucket.HandleSource
	refs      ReferenceCounter
	maxUpload int64
	logger    *slog.Logger
}

// NewObjectHandler creates an ObjectHandler. refs may be nil, in which case
// objects bound to records can be deleted out from under them.
func NewObjectHandler(store bucket.HandleSource, refs ReferenceCounter, maxUpload int64, logger *slog.Logger) *ObjectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectHandler{
		store:     store,
		refs:      refs,
		maxUpload: maxUpload,
		logger:    logging.Component(logger, "objects"),
	}
}

type uploadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	FileID  string       `json:"fileId"`
	File    fileResponse `json:"file"`
}

type listObjectsResponse struct {
	Success bool           `json:"success"`
	Files   []fileResponse `json:"files"`
}

// Upload handles POST /objects. The single file part streams straight into
// the bucket; nothing is buffered beyond one chunk.
func (h *ObjectHandler) Upload(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !limitUpload(w, r, h.maxUpload) {
		return
	}
	ctx := r.Context()
	svc, err := h.store.Handle(ctx)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}

	var committed *metadata.ObjectMetadata
	_, fileSeen, err := readForm(r, objectFileFields, func(up vault.FileUpload) error {
		meta, err := svc.Upload(ctx, up.Body, bucket.UploadOptions{
			DisplayName: up.DisplayName,
			ContentType: up.ContentType,
			Attributes: map[string]string{
				metadata.AttrOwner:        p.UserID,
				metadata.AttrOriginalName: up.DisplayName,
			},
		})
		committed = meta
		return err
	})
	if err != nil {
		if committed != nil {
			h.discard(ctx, svc, committed.ID)
		}
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	if !fileSeen {
		jsonutil.WriteErrorResponse(w, r, apperr.ErrNoFileUploaded)
		return
	}

	h.logger.Info("Object uploaded",
		"object", committed.ID, "owner", p.UserID, "length", committed.Length, "content_type", committed.ContentType)
	jsonutil.WriteJSON(w, http.StatusCreated, uploadResponse{
		Success: true,
		Message: "File uploaded successfully",
		FileID:  committed.ID,
		File:    objectJSON(committed),
	})
}

// List handles GET /objects. An optional ?limit=N caps the result.
func (h *ObjectHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	opts := metadata.ListOptions{}
	if !p.IsAdmin() {
		opts.Owner = p.UserID
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonutil.WriteErrorResponse(w, r, apperr.ErrInvalidRequest.WithMessage("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	svc, err := h.store.Handle(r.Context())
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	objs, err := svc.List(r.Context(), opts)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	files := make([]fileResponse, 0, len(objs))
	for i := range objs {
		files = append(files, objectJSON(&objs[i]))
	}
	jsonutil.WriteJSON(w, http.StatusOK, listObjectsResponse{Success: true, Files: files})
}

// Download handles GET /objects/{id}.
func (h *ObjectHandler) Download(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	svc, err := h.store.Handle(r.Context())
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	meta, dl, err := svc.OpenDownloadSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	if !p.CanAccess(meta.Owner()) {
		dl.Close()
		jsonutil.WriteErrorResponse(w, r, apperr.ErrObjectNotFound)
		return
	}
	streamDownload(w, r, dl, h.logger)
}

// Delete handles DELETE /objects/{id}. An object still bound to a record is
// refused with a conflict.
func (h *ObjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	svc, err := h.store.Handle(ctx)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	meta, err := svc.Stat(ctx, id)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	if !p.CanAccess(meta.Owner()) {
		jsonutil.WriteErrorResponse(w, r, apperr.ErrObjectNotFound)
		return
	}
	if h.refs != nil {
		n, err := h.refs.CountFileReferences(ctx, meta.ID)
		if err != nil {
			jsonutil.WriteErrorResponse(w, r, apperr.ErrStoreUnavailable.Wrap(err))
			return
		}
		if n > 0 {
			jsonutil.WriteErrorResponse(w, r, apperr.ErrConflict.WithMessage("File is attached to a record"))
			return
		}
	}
	if err := svc.Delete(ctx, meta.ID); err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	h.logger.Info("Object deleted", "object", meta.ID, "by", p.UserID)
	jsonutil.WriteSuccess(w, http.StatusOK, "File deleted successfully")
}

func (h *ObjectHandler) discard(ctx context.Context, svc *bucket.Service, id string) {
	if err := svc.Delete(context.WithoutCancel(ctx), id); err != nil {
		h.logger.Warn("Could not discard rejected upload", "object", id, "error", err)
	}
}

// Me handles GET /auth/me.
func Me(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		UserID  string `json:"userId"`
		IsAdmin bool   `json:"isAdmin"`
		Role    string `json:"role"`
	}{true, p.UserID, p.IsAdmin(), roleOf(p)})
}

func roleOf(p auth.Principal) string {
	if p.Role == "" {
		return "user"
	}
	return p.Role
}
