package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/jsonutil"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/vault"
)

// RecordHandler serves /records and the record-scoped file routes.
type RecordHandler struct {
	vault     *vault.Binder
	maxUpload int64
	logger    *slog.Logger
}

// NewRecordHandler creates a RecordHandler.
func NewRecordHandler(binder *vault.Binder, maxUpload int64, logger *slog.Logger) *RecordHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordHandler{
		vault:     binder,
		maxUpload: maxUpload,
		logger:    logging.Component(logger, "records"),
	}
}

type recordJSON struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Title     string        `json:"title"`
	Website   string        `json:"website"`
	Username  string        `json:"username"`
	Email     string        `json:"email"`
	Secret    string        `json:"secret"`
	Notes     string        `json:"notes"`
	File      *fileResponse `json:"file"`
	CreatedAt string        `json:"createdAt"`
	UpdatedAt string        `json:"updatedAt"`
}

type recordResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Record  recordJSON `json:"record"`
}

type listRecordsResponse struct {
	Success bool         `json:"success"`
	Records []recordJSON `json:"records"`
}

type fileBoundResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	File    *fileResponse `json:"file"`
	Record  recordJSON    `json:"record"`
}

func toRecordJSON(rec *metadata.Record) recordJSON {
	return recordJSON{
		ID:        rec.ID,
		UserID:    rec.OwnerID,
		Title:     rec.Title,
		Website:   rec.Website,
		Username:  rec.Username,
		Email:     rec.Email,
		Secret:    rec.Secret,
		Notes:     rec.Notes,
		File:      fileRefJSON(rec.File),
		CreatedAt: jsonutil.FormatTime(rec.CreatedAt),
		UpdatedAt: jsonutil.FormatTime(rec.UpdatedAt),
	}
}

func fieldsFromForm(form map[string]string) vault.Fields {
	return vault.Fields{
		Title:    form["title"],
		Website:  form["website"],
		Username: form["username"],
		Email:    form["email"],
		Secret:   form["secret"],
		Notes:    form["notes"],
	}
}

func decodeFields(w http.ResponseWriter, r *http.Request) (vault.Fields, error) {
	var f vault.Fields
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return f, apperr.ErrInvalidRequest.WithMessage("Request body is empty")
		}
		if errors.Is(uploadErr(err), apperr.ErrSizeLimitExceeded) {
			return f, apperr.ErrSizeLimitExceeded
		}
		return f, apperr.ErrInvalidRequest.Wrap(err)
	}
	return f, nil
}

// Create handles POST /records. The body is either JSON fields or a
// multipart form carrying the fields plus an optional file. The file is
// staged under a pre-allocated record id and bound by the insert.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	draft := vault.Draft{ID: vault.NewRecordID()}

	if isMultipart(r) {
		if !limitUpload(w, r, h.maxUpload) {
			return
		}
		form, _, err := readForm(r, recordFileFields, func(up vault.FileUpload) error {
			staged, err := h.vault.Stage(ctx, p, draft.ID, up)
			draft.File = staged
			return err
		})
		if err != nil {
			if draft.File != nil {
				h.vault.Discard(ctx, draft.File.ObjectID)
			}
			jsonutil.WriteErrorResponse(w, r, err)
			return
		}
		draft.Fields = fieldsFromForm(form)
	} else {
		f, err := decodeFields(w, r)
		if err != nil {
			jsonutil.WriteErrorResponse(w, r, err)
			return
		}
		draft.Fields = f
	}

	rec, err := h.vault.CreateRecord(ctx, p, draft)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, recordResponse{
		Success: true,
		Message: "Record created successfully",
		Record:  toRecordJSON(rec),
	})
}

// List handles GET /records. Administrators may pass ?all=true.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	all := r.URL.Query().Get("all") == "true"
	recs, err := h.vault.ListRecords(r.Context(), p, all)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	out := make([]recordJSON, 0, len(recs))
	for i := range recs {
		out = append(out, toRecordJSON(&recs[i]))
	}
	jsonutil.WriteJSON(w, http.StatusOK, listRecordsResponse{Success: true, Records: out})
}

// Get handles GET /records/{id}.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	rec, err := h.vault.GetRecord(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, recordResponse{Success: true, Record: toRecordJSON(rec)})
}

// Update handles PUT /records/{id}. A multipart body may carry a file part,
// which replaces the current attachment once the fields are saved.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var fields vault.Fields
	var staged *metadata.FileReference
	if isMultipart(r) {
		if !limitUpload(w, r, h.maxUpload) {
			return
		}
		form, _, err := readForm(r, recordFileFields, func(up vault.FileUpload) error {
			ref, err := h.vault.StageExisting(ctx, p, id, up)
			staged = ref
			return err
		})
		if err != nil {
			if staged != nil {
				h.vault.Discard(ctx, staged.ObjectID)
			}
			jsonutil.WriteErrorResponse(w, r, err)
			return
		}
		fields = fieldsFromForm(form)
	} else {
		f, err := decodeFields(w, r)
		if err != nil {
			jsonutil.WriteErrorResponse(w, r, err)
			return
		}
		fields = f
	}

	rec, err := h.vault.UpdateRecord(ctx, p, id, fields)
	if err != nil {
		if staged != nil {
			h.vault.Discard(ctx, staged.ObjectID)
		}
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	if staged != nil {
		if rec, err = h.vault.Bind(ctx, p, id, staged); err != nil {
			jsonutil.WriteErrorResponse(w, r, err)
			return
		}
	}
	jsonutil.WriteJSON(w, http.StatusOK, recordResponse{
		Success: true,
		Message: "Record updated successfully",
		Record:  toRecordJSON(rec),
	})
}

// Delete handles DELETE /records/{id}.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := h.vault.DeleteRecord(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	jsonutil.WriteSuccess(w, http.StatusOK, "Record deleted successfully")
}

// GetFile handles GET /records/{id}/file. Ownership of the record is checked
// before the object is looked up.
func (h *RecordHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	_, dl, err := h.vault.Fetch(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	streamDownload(w, r, dl, h.logger)
}

// PutFile handles PUT /records/{id}/file: attach or replace. The file is
// staged while the form streams and bound only once the whole body has
// been read, so a malformed form leaves the current attachment in place.
func (h *RecordHandler) PutFile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !limitUpload(w, r, h.maxUpload) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var staged *metadata.FileReference
	_, fileSeen, err := readForm(r, recordFileFields, func(up vault.FileUpload) error {
		ref, err := h.vault.StageExisting(ctx, p, id, up)
		staged = ref
		return err
	})
	if err == nil && !fileSeen {
		err = apperr.ErrNoFileUploaded
	}
	if err != nil {
		if staged != nil {
			h.vault.Discard(ctx, staged.ObjectID)
		}
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	rec, err := h.vault.Bind(ctx, p, id, staged)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, fileBoundResponse{
		Success: true,
		Message: "File attached successfully",
		File:    fileRefJSON(rec.File),
		Record:  toRecordJSON(rec),
	})
}

// DeleteFile handles DELETE /records/{id}/file.
func (h *RecordHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	rec, err := h.vault.Detach(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, recordResponse{
		Success: true,
		Message: "File removed successfully",
		Record:  toRecordJSON(rec),
	})
}

// Cleanup handles POST /admin/cleanup.
func (h *RecordHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	res, err := h.vault.Cleanup(r.Context(), p)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*vault.CleanupResult
	}{true, res})
}
