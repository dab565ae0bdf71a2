package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesCopies(t *testing.T) {
	custom := ErrObjectNotFound.WithMessage("No file attached to this record")
	if !errors.Is(custom, ErrObjectNotFound) {
		t.Fatal("WithMessage copy should match the predefined error")
	}
	if errors.Is(custom, ErrRecordNotFound) {
		t.Fatal("copy should not match a different code")
	}
	if custom.Message == ErrObjectNotFound.Message {
		t.Fatal("WithMessage must not modify the original")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	err := fmt.Errorf("writing chunk 3: %w", ErrPartialWriteFailure.Wrap(cause))

	if !errors.Is(err, ErrPartialWriteFailure) {
		t.Error("wrapped error should match its taxonomy entry")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should still reach the cause")
	}
	if got := Classify(err); got.Code != "PartialWriteFailure" {
		t.Errorf("Classify = %s, want PartialWriteFailure", got.Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"store unavailable", ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"not found", fmt.Errorf("stat: %w", ErrObjectNotFound), http.StatusNotFound},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"invalid id", ErrInvalidIdentifier, http.StatusBadRequest},
		{"too large", ErrSizeLimitExceeded, http.StatusRequestEntityTooLarge},
		{"bad type", ErrInvalidContentType, http.StatusBadRequest},
		{"partial write", ErrPartialWriteFailure, http.StatusInternalServerError},
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).HTTPStatus; got != tt.status {
				t.Errorf("status = %d, want %d", got, tt.status)
			}
		})
	}
}
