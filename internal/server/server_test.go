package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lockbox/lockbox/internal/auth"
	"github.com/lockbox/lockbox/internal/bucket"
	"github.com/lockbox/lockbox/internal/config"
	"github.com/lockbox/lockbox/internal/guard"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/metrics"
	"github.com/lockbox/lockbox/internal/storage"
)

const testSecret = "test-secret"

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// testConfig returns a config with small limits suitable for tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.MaxUploadBytes = 1024
	return cfg
}

// newTestServer creates a Server over in-memory stores behind a real guard.
// openErr, when non-nil, makes every store initialization fail.
func newTestServer(t *testing.T, cfg *config.Config, openErr error) *Server {
	t.Helper()
	store := metadata.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	chunks := storage.NewMemoryBackend(0)

	g, err := guard.New(guard.Config{
		Open: func(ctx context.Context) (*bucket.Service, error) {
			if openErr != nil {
				return nil, openErr
			}
			return bucket.New(store, chunks, bucket.Options{
				ChunkSize:           16,
				MaxObjectSize:       cfg.Server.MaxUploadBytes,
				AllowedContentTypes: cfg.Server.AllowedContentTypes,
			}), nil
		},
		ProbeTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("guard.New failed: %v", err)
	}
	srv, err := New(cfg, g, store)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

func token(t *testing.T, user, role string) string {
	t.Helper()
	tok, err := auth.GenerateToken(user, role, "lockbox", []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	return tok
}

// testRequest performs a request through the full middleware chain.
func testRequest(t *testing.T, srv *Server, req *http.Request, tok string) *httptest.ResponseRecorder {
	t.Helper()
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, srv *Server, path, tok string) *httptest.ResponseRecorder {
	t.Helper()
	return testRequest(t, srv, httptest.NewRequest("GET", path, nil), tok)
}

func jsonBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body unmarshal error: %v; body: %s", err, rec.Body.String())
	}
	return body
}

func TestNewRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = ""
	g, _ := guard.New(guard.Config{Open: func(context.Context) (*bucket.Service, error) { return nil, nil }})
	if _, err := New(cfg, g, metadata.NewMemoryStore()); err == nil {
		t.Fatal("New() with an empty JWT secret should fail")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)

	rec := get(t, srv, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("GET /health Content-Type = %q, want application/json", ct)
	}
	body := jsonBody(t, rec)
	if body["status"] != "degraded" {
		t.Errorf("status before first use = %v, want degraded", body["status"])
	}
	if store := body["store"].(map[string]interface{}); store["state"] != "absent" {
		t.Errorf("store.state = %v, want absent", store["state"])
	}

	if rec := get(t, srv, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /readyz status = %d; body: %s", rec.Code, rec.Body.String())
	}

	body = jsonBody(t, get(t, srv, "/health", ""))
	if body["status"] != "ok" {
		t.Errorf("status after init = %v, want ok", body["status"])
	}
	store := body["store"].(map[string]interface{})
	if store["state"] != "ready" || store["attempts"] != float64(1) {
		t.Errorf("store = %v", store)
	}
}

func TestReadyzUnavailable(t *testing.T) {
	srv := newTestServer(t, testConfig(), errors.New("connection refused"))

	rec := get(t, srv, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /readyz status = %d, want 503", rec.Code)
	}
	body := jsonBody(t, rec)
	if body["success"] != false || body["code"] != "StoreUnavailable" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["error"]; ok {
		t.Error("production responses must not carry internal error detail")
	}

	health := jsonBody(t, get(t, srv, "/health", ""))
	store := health["store"].(map[string]interface{})
	if !strings.Contains(store["message"].(string), "connection refused") {
		t.Errorf("store.message = %v", store["message"])
	}
}

func TestDevelopmentErrorDetail(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Environment = "development"
	srv := newTestServer(t, cfg, errors.New("connection refused"))

	body := jsonBody(t, get(t, srv, "/readyz", ""))
	if detail, _ := body["error"].(string); !strings.Contains(detail, "connection refused") {
		t.Errorf("development error detail = %q", detail)
	}
}

func TestObjectRoutesUnavailable(t *testing.T) {
	srv := newTestServer(t, testConfig(), errors.New("down"))
	rec := get(t, srv, "/objects", token(t, "alice", ""))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /objects while store is down = %d, want 503", rec.Code)
	}
}

func TestDocsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	rec := get(t, srv, "/docs", "")
	if rec.Code != http.StatusOK {
		t.Errorf("GET /docs status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("GET /docs Content-Type = %q, want text/html", ct)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	rec := get(t, srv, "/openapi.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := jsonBody(t, rec)
	paths, ok := body["paths"].(map[string]interface{})
	if !ok {
		t.Fatal("OpenAPI document has no paths")
	}
	if _, ok := paths["/health"]; !ok {
		t.Error("OpenAPI document does not describe /health")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	get(t, srv, "/health", "")

	rec := get(t, srv, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"lockbox_http_requests_total",
		"lockbox_http_request_duration_seconds",
		"lockbox_uploads_total",
		"lockbox_store_init_attempts_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("GET /metrics does not contain %s", name)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	srv := newTestServer(t, cfg, nil)
	if rec := get(t, srv, "/metrics", ""); rec.Code == http.StatusOK {
		t.Errorf("GET /metrics with metrics disabled should not return 200, got %d", rec.Code)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)

	rec := get(t, srv, "/health", "")
	if id := rec.Header().Get("X-Request-Id"); len(id) != 16 {
		t.Errorf("X-Request-Id = %q, want 16 hex chars", id)
	}
	if rec.Header().Get("Date") == "" {
		t.Error("missing Date header")
	}
	if got := rec.Header().Get("Server"); got != "lockbox" {
		t.Errorf("Server = %q, want lockbox", got)
	}

	req := httptest.NewRequest("GET", "/records", nil)
	req.Header.Set("X-Request-Id", "client-chosen")
	rec = testRequest(t, srv, req, "")
	if got := rec.Header().Get("X-Request-Id"); got != "client-chosen" {
		t.Errorf("X-Request-Id = %q, want echo of client id", got)
	}
	if got := jsonBody(t, rec)["requestId"]; got != "client-chosen" {
		t.Errorf("error body requestId = %v", got)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)

	rec := get(t, srv, "/records", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /records without token = %d, want 401", rec.Code)
	}
	if code := jsonBody(t, rec)["code"]; code != "MissingToken" {
		t.Errorf("code = %v, want MissingToken", code)
	}

	rec = get(t, srv, "/records", "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /records with bad token = %d, want 401", rec.Code)
	}
	if code := jsonBody(t, rec)["code"]; code != "InvalidToken" {
		t.Errorf("code = %v, want InvalidToken", code)
	}

	if rec := get(t, srv, "/records", token(t, "alice", "")); rec.Code != http.StatusOK {
		t.Errorf("GET /records with token = %d, want 200", rec.Code)
	}
}

func TestAuthMe(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	body := jsonBody(t, get(t, srv, "/auth/me", token(t, "root", auth.RoleAdmin)))
	if body["userId"] != "root" || body["isAdmin"] != true {
		t.Errorf("unexpected /auth/me: %v", body)
	}
}

func TestAdminCleanupRequiresAdmin(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)

	req := httptest.NewRequest("POST", "/admin/cleanup", nil)
	if rec := testRequest(t, srv, req, token(t, "alice", "")); rec.Code != http.StatusForbidden {
		t.Errorf("POST /admin/cleanup as user = %d, want 403", rec.Code)
	}
	req = httptest.NewRequest("POST", "/admin/cleanup", nil)
	if rec := testRequest(t, srv, req, token(t, "root", auth.RoleAdmin)); rec.Code != http.StatusOK {
		t.Errorf("POST /admin/cleanup as admin = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordWithFileEndToEnd(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	alice := token(t, "alice", "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "router")
	mw.WriteField("secret", "admin123")
	fw, _ := mw.CreateFormFile("file", "config.txt")
	io.WriteString(fw, "interface eth0\n")
	mw.Close()

	req := httptest.NewRequest("POST", "/records", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := testRequest(t, srv, req, alice)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /records = %d; body: %s", rec.Code, rec.Body.String())
	}
	record := jsonBody(t, rec)["record"].(map[string]interface{})
	id := record["id"].(string)
	file := record["file"].(map[string]interface{})
	if file["contentType"] != "text/plain" {
		t.Errorf("sniffed content type = %v, want text/plain", file["contentType"])
	}

	rec = get(t, srv, "/records/"+id+"/file", alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET file = %d; body: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "interface eth0\n" {
		t.Errorf("file body = %q", rec.Body.String())
	}

	if rec := get(t, srv, "/records/"+id+"/file", token(t, "mallory", "")); rec.Code != http.StatusUnauthorized {
		t.Errorf("GET file as another user = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("DELETE", "/records/"+id, nil)
	if rec := testRequest(t, srv, req, alice); rec.Code != http.StatusOK {
		t.Fatalf("DELETE record = %d", rec.Code)
	}
	if rec := get(t, srv, "/objects/"+file["id"].(string), alice); rec.Code != http.StatusNotFound {
		t.Errorf("object after cascade delete = %d, want 404", rec.Code)
	}
}

func TestUploadTooLargeByContentLength(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	req := httptest.NewRequest("POST", "/objects", strings.NewReader("x"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	req.ContentLength = 16 << 20
	rec := testRequest(t, srv, req, token(t, "alice", ""))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized Content-Length = %d, want 413", rec.Code)
	}
}
