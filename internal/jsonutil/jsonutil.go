// Package jsonutil provides helpers for rendering lockbox JSON responses.
// Every body carries a "success" flag and a human-readable "message".
package jsonutil

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperr "github.com/lockbox/lockbox/internal/errors"
)

// RequestIDHeader carries the per-request identifier set by the server
// middleware.
const RequestIDHeader = "X-Request-Id"

// ErrorResponse is the JSON structure for error responses. Error holds the
// internal cause and is only populated in development mode.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusResponse is the body of operations that return nothing else.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type detailKey struct{}

// WithErrorDetail marks ctx so that error responses include the internal
// cause. The server sets it when running in development mode.
func WithErrorDetail(ctx context.Context) context.Context {
	return context.WithValue(ctx, detailKey{}, true)
}

func errorDetail(ctx context.Context) bool {
	v, _ := ctx.Value(detailKey{}).(bool)
	return v
}

// RenderError writes apiErr as a JSON error response. cause, when non-nil
// and the request allows it, is exposed in the "error" field.
func RenderError(w http.ResponseWriter, r *http.Request, apiErr *apperr.APIError, cause error) {
	resp := ErrorResponse{
		Success:   false,
		Message:   apiErr.Message,
		Code:      apiErr.Code,
		RequestID: w.Header().Get(RequestIDHeader),
	}
	if cause != nil && errorDetail(r.Context()) {
		resp.Error = cause.Error()
	}
	WriteJSON(w, apiErr.HTTPStatus, resp)
}

// WriteErrorResponse classifies err against the taxonomy and renders it.
// Errors outside the taxonomy become InternalError.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apperr.Classify(err)
	var cause error
	if bare, ok := err.(*apperr.APIError); !ok || bare != apiErr {
		cause = err
	}
	RenderError(w, r, apiErr, cause)
}

// WriteSuccess writes {"success": true, "message": msg} with status.
func WriteSuccess(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, StatusResponse{Success: true, Message: msg})
}

// FormatTime formats t as an ISO 8601 string with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP formats a time.Time as an HTTP date per RFC 7231
// (e.g., "Mon, 02 Jan 2006 15:04:05 GMT").
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// WriteJSON marshals v as JSON and writes it to w with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"success":false,"message":"response encoding failed","code":"InternalError"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
	w.Write([]byte("\n"))
}
