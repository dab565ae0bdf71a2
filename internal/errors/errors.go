// Package errors defines the API error taxonomy used throughout lockbox.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents a client-visible failure with a machine-readable code,
// human-readable message, and the HTTP status code it maps to.
type APIError struct {
	// Code is the stable error code (e.g., "ObjectNotFound", "Unauthorized").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 503).
	HTTPStatus int
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Is reports whether target is an APIError with the same code, so copies
// made by WithMessage still match the predefined values.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of the APIError with a different message.
func (e *APIError) WithMessage(msg string) *APIError {
	cp := *e
	cp.Message = msg
	return &cp
}

// Wrap annotates cause with the APIError so that errors.Is matches the
// taxonomy entry while errors.Unwrap still reaches the cause.
func (e *APIError) Wrap(cause error) error {
	if cause == nil {
		return e
	}
	return &wrapped{api: e, cause: cause}
}

type wrapped struct {
	api   *APIError
	cause error
}

func (w *wrapped) Error() string {
	return w.api.Message + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.api, w.cause}
}

// Classify returns the APIError carried by err, or ErrInternalError when err
// is not part of the taxonomy.
func Classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternalError
}

// Pre-defined errors. The first seven form the storage taxonomy.
var (
	// ErrStoreUnavailable is returned when the object store is not ready or
	// its connection was lost.
	ErrStoreUnavailable = &APIError{
		Code:       "StoreUnavailable",
		Message:    "File storage is not available",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// ErrObjectNotFound is returned when an object has no committed metadata
	// or a record has no file bound.
	ErrObjectNotFound = &APIError{
		Code:       "ObjectNotFound",
		Message:    "File not found",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrUnauthorized is returned when the caller neither owns the record
	// nor holds the administrator role.
	ErrUnauthorized = &APIError{
		Code:       "Unauthorized",
		Message:    "Not authorized to access this resource",
		HTTPStatus: http.StatusUnauthorized,
	}

	// ErrInvalidIdentifier is returned for malformed object or record ids.
	ErrInvalidIdentifier = &APIError{
		Code:       "InvalidIdentifier",
		Message:    "Invalid file ID",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrSizeLimitExceeded is returned when an upload exceeds the ceiling.
	ErrSizeLimitExceeded = &APIError{
		Code:       "SizeLimitExceeded",
		Message:    "File too large",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrInvalidContentType is returned when the upload's content type is
	// not on the allow-list.
	ErrInvalidContentType = &APIError{
		Code:       "InvalidContentType",
		Message:    "Invalid file type",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrPartialWriteFailure is returned when a chunk write fails mid-upload.
	// The partial chunks are deleted before this error is surfaced.
	ErrPartialWriteFailure = &APIError{
		Code:       "PartialWriteFailure",
		Message:    "Upload failed",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrRecordNotFound is returned when a record id does not exist.
	ErrRecordNotFound = &APIError{
		Code:       "RecordNotFound",
		Message:    "Record not found",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrNoFileUploaded is returned when a multipart request lacks a file part.
	ErrNoFileUploaded = &APIError{
		Code:       "NoFileUploaded",
		Message:    "No file uploaded",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidRequest is returned for malformed request bodies.
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid request",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrMissingToken is returned when a protected route is called without
	// a bearer token.
	ErrMissingToken = &APIError{
		Code:       "MissingToken",
		Message:    "No token, authorization denied",
		HTTPStatus: http.StatusUnauthorized,
	}

	// ErrInvalidToken is returned when the bearer token fails verification.
	ErrInvalidToken = &APIError{
		Code:       "InvalidToken",
		Message:    "Token is not valid",
		HTTPStatus: http.StatusUnauthorized,
	}

	// ErrAccessDenied is returned when an administrator-only route is
	// called by a regular user.
	ErrAccessDenied = &APIError{
		Code:       "AccessDenied",
		Message:    "Admin access required",
		HTTPStatus: http.StatusForbidden,
	}

	// ErrConflict is returned when a record changed between read and write.
	ErrConflict = &APIError{
		Code:       "Conflict",
		Message:    "The record was modified concurrently",
		HTTPStatus: http.StatusConflict,
	}

	// ErrInternalError is returned for unexpected internal failures.
	ErrInternalError = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
