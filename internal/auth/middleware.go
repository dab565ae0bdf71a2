package auth

import (
	"errors"
	"net/http"
	"strings"

	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/jsonutil"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
	"/openapi.yaml": true,
}

// Middleware returns HTTP middleware that requires a valid bearer token on
// all requests except those to excluded paths (/health, /readyz, /metrics,
// /docs, /openapi). On success the principal is set on the request context.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") || strings.HasPrefix(path, "/schemas") {
				next.ServeHTTP(w, r)
				return
			}

			p, err := verifier.Verify(BearerToken(r))
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects principals without the administrator role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			jsonutil.WriteErrorResponse(w, r, apperr.ErrMissingToken)
			return
		}
		if !p.IsAdmin() {
			jsonutil.WriteErrorResponse(w, r, apperr.ErrAccessDenied)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// writeAuthError maps a verification failure to the JSON error response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrMissingToken):
		jsonutil.WriteErrorResponse(w, r, apperr.ErrMissingToken)
	default:
		jsonutil.RenderError(w, r, apperr.ErrInvalidToken, err)
	}
}
