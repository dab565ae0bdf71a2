// Package config handles loading and parsing of lockbox configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxUploadBytes is the per-object ceiling applied when the
// configuration leaves it unset (16 MiB).
const DefaultMaxUploadBytes = 16 << 20

// DefaultChunkSize matches the GridFS default chunk size (255 KiB).
const DefaultChunkSize = 255 * 1024

// DefaultAllowedContentTypes is the upload allow-list used when none is configured.
var DefaultAllowedContentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Config is the top-level configuration for lockbox.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Metadata MetadataConfig `yaml:"metadata"`
	Storage  StorageConfig  `yaml:"storage"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Guard    GuardConfig    `yaml:"guard"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Environment is "development" or "production". Development responses
	// carry internal error detail.
	Environment     string        `yaml:"environment"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadBytes is the largest accepted object payload.
	MaxUploadBytes      int64    `yaml:"max_upload_bytes"`
	AllowedContentTypes []string `yaml:"allowed_content_types"`
}

// Development reports whether the server runs in development mode.
func (s ServerConfig) Development() bool {
	return strings.EqualFold(s.Environment, "development")
}

// AuthConfig holds bearer-token verification settings.
type AuthConfig struct {
	// JWTSecret is the HMAC key used to verify HS256 tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
}

// MetadataConfig holds object registry and record store settings.
type MetadataConfig struct {
	// Engine is the metadata backend engine ("sqlite", "memory", "mongo").
	Engine string       `yaml:"engine"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite database settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// StorageConfig holds chunk store settings.
type StorageConfig struct {
	// Backend is the chunk store type ("local", "sqlite", "memory", "mongo",
	// "aws", "gcp", "azure").
	Backend string `yaml:"backend"`
	// BucketName namespaces chunk and file collections ("fs" gives
	// fs.files and fs.chunks).
	BucketName string       `yaml:"bucket_name"`
	ChunkSize  int          `yaml:"chunk_size"`
	Local      LocalConfig  `yaml:"local"`
	SQLite     SQLiteConfig `yaml:"sqlite"`
	// AWSBucket is the S3 bucket holding chunk objects.
	AWSBucket string `yaml:"aws_bucket"`
	AWSRegion string `yaml:"aws_region"`
	// AWSPrefix is the optional key prefix for all chunk objects in the bucket.
	AWSPrefix string `yaml:"aws_prefix"`
	// AWSEndpointURL points the client at an S3-compatible endpoint.
	AWSEndpointURL  string `yaml:"aws_endpoint_url"`
	AWSUsePathStyle bool   `yaml:"aws_use_path_style"`
	AWSAccessKeyID  string `yaml:"aws_access_key_id"`
	AWSSecretKey    string `yaml:"aws_secret_access_key"`
	// GCPBucket is the GCS bucket holding chunk objects.
	GCPBucket  string `yaml:"gcp_bucket"`
	GCPProject string `yaml:"gcp_project"`
	GCPPrefix  string `yaml:"gcp_prefix"`
	// AzureContainer is the blob container holding chunk blobs.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccountURL is the full account URL, e.g.
	// https://{account}.blob.core.windows.net.
	AzureAccountURL         string `yaml:"azure_account_url"`
	AzureConnectionString   string `yaml:"azure_connection_string"`
	AzureUseManagedIdentity bool   `yaml:"azure_use_managed_identity"`
	AzurePrefix             string `yaml:"azure_prefix"`
}

// LocalConfig holds local filesystem chunk store settings.
type LocalConfig struct {
	// RootDir is the base directory for chunk files.
	RootDir string `yaml:"root_dir"`
}

// MongoConfig holds the MongoDB connection shared by the mongo registry
// and chunk store.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// GuardConfig tunes the store initialization guard.
type GuardConfig struct {
	// RetryInterval is the fixed reconnect backoff.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// ProbeTimeout bounds a single initialization attempt.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// UploadsConfig controls cleanup of abandoned uploads.
type UploadsConfig struct {
	// OrphanTTL is how long uncommitted chunks may sit before the sweeper
	// deletes them.
	OrphanTTL     time.Duration `yaml:"orphan_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to lockbox.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "lockbox.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "lockbox.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Metadata.Engine {
	case "sqlite", "memory", "mongo":
	default:
		return fmt.Errorf("unknown metadata engine %q", c.Metadata.Engine)
	}
	switch c.Storage.Backend {
	case "local", "sqlite", "memory", "mongo", "aws", "gcp", "azure":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.ChunkSize <= 0 {
		return fmt.Errorf("storage.chunk_size must be positive, got %d", c.Storage.ChunkSize)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	return nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                5000,
			Environment:         "production",
			ShutdownTimeout:     30 * time.Second,
			MaxUploadBytes:      DefaultMaxUploadBytes,
			AllowedContentTypes: append([]string(nil), DefaultAllowedContentTypes...),
		},
		Auth: AuthConfig{
			Issuer: "lockbox",
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
		},
		Storage: StorageConfig{
			Backend:    "local",
			BucketName: "fs",
			ChunkSize:  DefaultChunkSize,
			Local: LocalConfig{
				RootDir: "./data/chunks",
			},
			SQLite: SQLiteConfig{
				Path: "./data/chunks.db",
			},
		},
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "lockbox",
			ConnectTimeout: 5 * time.Second,
		},
		Guard: GuardConfig{
			RetryInterval: 5 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Uploads: UploadsConfig{
			OrphanTTL:     time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = def.Server.Environment
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = def.Server.MaxUploadBytes
	}
	if len(cfg.Server.AllowedContentTypes) == 0 {
		cfg.Server.AllowedContentTypes = def.Server.AllowedContentTypes
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = def.Metadata.Engine
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = def.Metadata.SQLite.Path
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.BucketName == "" {
		cfg.Storage.BucketName = def.Storage.BucketName
	}
	if cfg.Storage.ChunkSize == 0 {
		cfg.Storage.ChunkSize = def.Storage.ChunkSize
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = def.Storage.Local.RootDir
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = def.Storage.SQLite.Path
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = def.Mongo.URI
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = def.Mongo.Database
	}
	if cfg.Mongo.ConnectTimeout == 0 {
		cfg.Mongo.ConnectTimeout = def.Mongo.ConnectTimeout
	}
	if cfg.Guard.RetryInterval == 0 {
		cfg.Guard.RetryInterval = def.Guard.RetryInterval
	}
	if cfg.Guard.ProbeTimeout == 0 {
		cfg.Guard.ProbeTimeout = def.Guard.ProbeTimeout
	}
	if cfg.Uploads.OrphanTTL == 0 {
		cfg.Uploads.OrphanTTL = def.Uploads.OrphanTTL
	}
	if cfg.Uploads.SweepInterval == 0 {
		cfg.Uploads.SweepInterval = def.Uploads.SweepInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}
