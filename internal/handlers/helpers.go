// Package handlers provides the HTTP handlers for object and record
// operations and the helpers they share.
package handlers

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lockbox/lockbox/internal/auth"
	"github.com/lockbox/lockbox/internal/bucket"
	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/jsonutil"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/vault"
)

const (
	// formOverhead is the allowance for multipart boundaries, part headers
	// and text fields on top of the file payload ceiling.
	formOverhead = 1 << 20

	// maxFieldBytes caps a single text field of a multipart form.
	maxFieldBytes = 64 << 10

	// maxJSONBytes caps a JSON request body.
	maxJSONBytes = 1 << 20

	// fileField is the form field that carries the uploaded file.
	fileField = "file"

	// legacyRecordFileField is the record attachment field older clients
	// send.
	legacyRecordFileField = "attachedFile"

	sniffLen = 512
)

var (
	objectFileFields = []string{fileField}
	recordFileFields = []string{fileField, legacyRecordFileField}
)

// principal returns the authenticated caller, writing a 401 when the
// request carries none.
func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.UserID == "" {
		jsonutil.WriteErrorResponse(w, r, apperr.ErrMissingToken)
		return auth.Principal{}, false
	}
	return p, true
}

// limitUpload rejects a request whose declared Content-Length already
// exceeds the ceiling and caps the body for the rest. It reports false when
// the response has been written.
func limitUpload(w http.ResponseWriter, r *http.Request, maxUpload int64) bool {
	if maxUpload <= 0 {
		return true
	}
	limit := maxUpload + formOverhead
	if r.ContentLength > limit {
		jsonutil.WriteErrorResponse(w, r, apperr.ErrSizeLimitExceeded)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return true
}

// isMultipart reports whether the request body is multipart/form-data.
func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// uploadErr maps a body that hit the MaxBytesReader cap onto
// SizeLimitExceeded. Other errors are returned unchanged.
func uploadErr(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperr.ErrSizeLimitExceeded
	}
	return err
}

// readForm walks a multipart body part by part. Text fields are buffered
// (each up to maxFieldBytes) and returned; the single file part, named by
// one of fileFields, is handed to onFile while the body is still streaming.
// fileSeen reports whether onFile ran.
func readForm(r *http.Request, fileFields []string, onFile func(up vault.FileUpload) error) (fields map[string]string, fileSeen bool, err error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, false, apperr.ErrInvalidRequest.WithMessage("Expected a multipart/form-data body")
	}
	fields = make(map[string]string)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return fields, fileSeen, nil
		}
		if err != nil {
			if errors.Is(uploadErr(err), apperr.ErrSizeLimitExceeded) {
				return nil, fileSeen, apperr.ErrSizeLimitExceeded
			}
			return nil, fileSeen, apperr.ErrInvalidRequest.Wrap(err)
		}

		name := part.FormName()
		if slices.Contains(fileFields, name) && part.FileName() != "" {
			if fileSeen {
				part.Close()
				return nil, fileSeen, apperr.ErrInvalidRequest.WithMessage("Only one file may be uploaded per request")
			}
			fileSeen = true
			err := onFile(filePart(part))
			part.Close()
			if err != nil {
				return nil, fileSeen, uploadErr(err)
			}
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		part.Close()
		if err != nil {
			return nil, fileSeen, uploadErr(apperr.ErrInvalidRequest.Wrap(err))
		}
		if len(value) > maxFieldBytes {
			return nil, fileSeen, apperr.ErrInvalidRequest.WithMessage("Form field " + name + " is too large")
		}
		if name != "" {
			fields[name] = string(value)
		}
	}
}

// filePart wraps a multipart file part as an upload. The content type comes
// from the part header; when it is missing or generic it is sniffed from
// the first bytes.
func filePart(part *multipart.Part) vault.FileUpload {
	br := bufio.NewReaderSize(part, sniffLen)
	return vault.FileUpload{
		Body:        br,
		DisplayName: part.FileName(),
		ContentType: partContentType(part.Header.Get("Content-Type"), br),
	}
}

func partContentType(declared string, br *bufio.Reader) string {
	if declared != "" {
		mt, _, err := mime.ParseMediaType(declared)
		if err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	head, _ := br.Peek(sniffLen)
	mt, _, err := mime.ParseMediaType(http.DetectContentType(head))
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

// contentDisposition renders the disposition header for a download. Images
// and PDFs are shown inline; everything else is an attachment.
func contentDisposition(contentType, filename string) string {
	kind := "attachment"
	if strings.HasPrefix(contentType, "image/") || contentType == "application/pdf" {
		kind = "inline"
	}
	if filename == "" {
		return kind
	}
	v := kind + `; filename="` + quoteEscaper.Replace(asciiFallback(filename)) + `"`
	if !isASCII(filename) {
		v += "; filename*=UTF-8''" + url.PathEscape(filename)
	}
	return v
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "")

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func asciiFallback(s string) string {
	if isASCII(s) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// streamDownload writes the object headers and streams the chunks. Once the
// status line is out an error can no longer be reported, so the connection
// is aborted instead.
func streamDownload(w http.ResponseWriter, r *http.Request, dl *bucket.Download, logger *slog.Logger) {
	defer dl.Close()
	meta := dl.Metadata()

	h := w.Header()
	h.Set("Content-Type", meta.ContentType)
	h.Set("Content-Disposition", contentDisposition(meta.ContentType, meta.DisplayName))
	h.Set("Content-Length", strconv.FormatInt(meta.Length, 10))
	h.Set("Cache-Control", "no-cache")
	h.Set("Last-Modified", jsonutil.FormatTimeHTTP(meta.UploadedAt))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if n, err := dl.WriteTo(w); err != nil {
		logger.Warn("Download aborted mid-stream",
			"object", meta.ID, "written", n, "length", meta.Length, "error", err)
		panic(http.ErrAbortHandler)
	}
}

// fileResponse is the JSON form of an object or a record's file reference.
type fileResponse struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	ContentType string            `json:"contentType"`
	Length      int64             `json:"length"`
	UploadedAt  string            `json:"uploadedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func objectJSON(m *metadata.ObjectMetadata) fileResponse {
	return fileResponse{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		ContentType: m.ContentType,
		Length:      m.Length,
		UploadedAt:  jsonutil.FormatTime(m.UploadedAt),
		Metadata:    m.Attributes,
	}
}

func fileRefJSON(ref *metadata.FileReference) *fileResponse {
	if ref == nil {
		return nil
	}
	return &fileResponse{
		ID:          ref.ObjectID,
		DisplayName: ref.DisplayName,
		ContentType: ref.ContentType,
		Length:      ref.Length,
		UploadedAt:  jsonutil.FormatTime(ref.UploadedAt),
	}
}
