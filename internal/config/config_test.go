package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "lockbox.yaml", "auth:\n  jwt_secret: s\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5000 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("listen = %s:%d, want 0.0.0.0:5000", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.MaxUploadBytes != 16<<20 {
		t.Errorf("MaxUploadBytes = %d", cfg.Server.MaxUploadBytes)
	}
	if cfg.Storage.ChunkSize != 261120 {
		t.Errorf("ChunkSize = %d, want 261120", cfg.Storage.ChunkSize)
	}
	if cfg.Storage.BucketName != "fs" {
		t.Errorf("BucketName = %q, want fs", cfg.Storage.BucketName)
	}
	if cfg.Metadata.Engine != "sqlite" || cfg.Storage.Backend != "local" {
		t.Errorf("engine/backend = %s/%s", cfg.Metadata.Engine, cfg.Storage.Backend)
	}
	if cfg.Guard.RetryInterval != 5*time.Second {
		t.Errorf("RetryInterval = %v, want 5s", cfg.Guard.RetryInterval)
	}
	if cfg.Uploads.OrphanTTL != time.Hour {
		t.Errorf("OrphanTTL = %v, want 1h", cfg.Uploads.OrphanTTL)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should default to enabled")
	}
	if cfg.Server.Development() {
		t.Error("default environment should be production")
	}
	if len(cfg.Server.AllowedContentTypes) != len(DefaultAllowedContentTypes) {
		t.Errorf("AllowedContentTypes = %v", cfg.Server.AllowedContentTypes)
	}
}

func TestLoadOverrides(t *testing.T) {
	body := `
server:
  port: 8080
  environment: Development
  shutdown_timeout: 5s
  max_upload_bytes: 1024
  allowed_content_types: [text/plain]
auth:
  jwt_secret: top
  issuer: vault
metadata:
  engine: mongo
storage:
  backend: mongo
  bucket_name: files
  chunk_size: 1024
mongo:
  uri: mongodb://db:27017
  database: accounts
guard:
  retry_interval: 250ms
uploads:
  orphan_ttl: 30m
metrics:
  enabled: false
`
	cfg, err := Load(writeConfig(t, t.TempDir(), "lockbox.yaml", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || !cfg.Server.Development() {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second || cfg.Server.MaxUploadBytes != 1024 {
		t.Errorf("server limits = %v / %d", cfg.Server.ShutdownTimeout, cfg.Server.MaxUploadBytes)
	}
	if len(cfg.Server.AllowedContentTypes) != 1 || cfg.Server.AllowedContentTypes[0] != "text/plain" {
		t.Errorf("AllowedContentTypes = %v", cfg.Server.AllowedContentTypes)
	}
	if cfg.Auth.JWTSecret != "top" || cfg.Auth.Issuer != "vault" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Storage.BucketName != "files" || cfg.Storage.ChunkSize != 1024 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Mongo.URI != "mongodb://db:27017" || cfg.Mongo.Database != "accounts" {
		t.Errorf("mongo = %+v", cfg.Mongo)
	}
	if cfg.Mongo.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want default 5s", cfg.Mongo.ConnectTimeout)
	}
	if cfg.Guard.RetryInterval != 250*time.Millisecond || cfg.Guard.ProbeTimeout != 5*time.Second {
		t.Errorf("guard = %+v", cfg.Guard)
	}
	if cfg.Uploads.OrphanTTL != 30*time.Minute {
		t.Errorf("OrphanTTL = %v", cfg.Uploads.OrphanTTL)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics.enabled: false was ignored")
	}
}

func TestLoadFallsBackToExample(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "lockbox.example.yaml", "server:\n  port: 7000\n")

	cfg, err := Load(filepath.Join(dir, "lockbox.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Port = %d, want 7000 from the example file", cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope", "lockbox.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want a not-exist error", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"engine":  "metadata:\n  engine: postgres\n",
		"backend": "storage:\n  backend: tape\n",
		"chunk":   "storage:\n  chunk_size: -1\n",
		"upload":  "server:\n  max_upload_bytes: -5\n",
		"yaml":    "server: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, t.TempDir(), "lockbox.yaml", body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestExampleFileLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "lockbox.example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Auth.JWTSecret != "change-me" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if !strings.HasPrefix(cfg.Mongo.URI, "mongodb://") {
		t.Errorf("Mongo.URI = %q", cfg.Mongo.URI)
	}
}
