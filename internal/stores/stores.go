// Package stores opens the metadata and chunk backends named by the
// configuration.
package stores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/lockbox/lockbox/internal/bucket"
	"github.com/lockbox/lockbox/internal/config"
	"github.com/lockbox/lockbox/internal/connstate"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/mongox"
	"github.com/lockbox/lockbox/internal/storage"
)

// Set holds the process-wide metadata and chunk backends. They outlive any
// single bucket handle; the guard rebuilds handles over them.
type Set struct {
	Meta   metadata.Store
	Chunks storage.ChunkStore
	Client *mongo.Client
	// Ping probes the shared connection. Nil unless MongoDB is in use.
	Ping func(ctx context.Context) error
}

// Close releases every backend in the set.
func (s *Set) Close() error {
	var errs []error
	if s.Chunks != nil {
		errs = append(errs, s.Chunks.Close())
	}
	if s.Meta != nil {
		errs = append(errs, s.Meta.Close())
	}
	if s.Client != nil {
		errs = append(errs, s.Client.Disconnect(context.Background()))
	}
	return errors.Join(errs...)
}

// Bucket builds a bucket service over the set with the configured limits.
func (s *Set) Bucket(cfg *config.Config, logger *slog.Logger) *bucket.Service {
	return bucket.New(s.Meta, s.Chunks, bucket.Options{
		ChunkSize:           cfg.Storage.ChunkSize,
		MaxObjectSize:       cfg.Server.MaxUploadBytes,
		AllowedContentTypes: cfg.Server.AllowedContentTypes,
		BucketName:          cfg.Storage.BucketName,
		Logger:              logger,
	})
}

func usesMongo(cfg *config.Config) bool {
	return cfg.Metadata.Engine == "mongo" || cfg.Storage.Backend == "mongo"
}

// Open connects the configured backends. A MongoDB deployment that is down
// at startup is retried every guard.retry_interval until it answers or ctx
// ends. hub may be nil.
func Open(ctx context.Context, cfg *config.Config, hub *connstate.Hub, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{}

	if usesMongo(cfg) {
		monitor := mongox.NewMonitor(hub, logger)
		err := Retry(ctx, cfg.Guard.RetryInterval, logger, "mongodb", func(ctx context.Context) error {
			client, err := mongox.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.ConnectTimeout, monitor)
			s.Client = client
			return err
		})
		if err != nil {
			return nil, err
		}
		s.Ping = func(ctx context.Context) error {
			return mongox.Ping(ctx, s.Client)
		}
		logger.Info("MongoDB connected", "database", cfg.Mongo.Database)
	}

	meta, err := openMetadata(ctx, cfg, s.Client, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Meta = meta

	chunks, err := openChunkStore(ctx, cfg, s.Client, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Chunks = chunks
	return s, nil
}

func openMetadata(ctx context.Context, cfg *config.Config, client *mongo.Client, logger *slog.Logger) (metadata.Store, error) {
	switch cfg.Metadata.Engine {
	case "memory":
		logger.Warn("Using in-memory metadata store; records are lost on restart")
		return metadata.NewMemoryStore(), nil
	case "mongo":
		store, err := metadata.NewMongoStore(ctx, client, cfg.Mongo.Database, cfg.Storage.BucketName, false)
		if err != nil {
			return nil, fmt.Errorf("initializing MongoDB metadata store: %w", err)
		}
		logger.Info("Metadata store initialized", "engine", "mongo", "bucket", cfg.Storage.BucketName)
		return store, nil
	default:
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		store, err := metadata.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing metadata store: %w", err)
		}
		logger.Info("Metadata store initialized", "engine", "sqlite", "path", dbPath)
		return store, nil
	}
}

func openChunkStore(ctx context.Context, cfg *config.Config, client *mongo.Client, logger *slog.Logger) (storage.ChunkStore, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "memory":
		logger.Warn("Using in-memory chunk store; file contents are lost on restart")
		return storage.NewMemoryBackend(0), nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(sc.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating chunk database directory: %w", err)
		}
		b, err := storage.NewSQLiteBackend(sc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing SQLite chunk store: %w", err)
		}
		logger.Info("Storage backend initialized", "backend", "sqlite", "path", sc.SQLite.Path)
		return b, nil

	case "mongo":
		b, err := storage.NewMongoBackend(ctx, client, cfg.Mongo.Database, sc.BucketName, false)
		if err != nil {
			return nil, fmt.Errorf("initializing MongoDB chunk store: %w", err)
		}
		logger.Info("Storage backend initialized", "backend", "mongo", "collection", sc.BucketName+".chunks")
		return b, nil

	case "aws":
		if sc.AWSBucket == "" {
			return nil, errors.New("storage.aws_bucket is required when backend is 'aws'")
		}
		region := sc.AWSRegion
		if region == "" {
			region = "us-east-1"
		}
		return storage.NewAWSBackend(ctx, storage.AWSOptions{
			Bucket:          sc.AWSBucket,
			Region:          region,
			Prefix:          sc.AWSPrefix,
			BucketName:      sc.BucketName,
			EndpointURL:     sc.AWSEndpointURL,
			UsePathStyle:    sc.AWSUsePathStyle,
			AccessKeyID:     sc.AWSAccessKeyID,
			SecretAccessKey: sc.AWSSecretKey,
		})

	case "gcp":
		if sc.GCPBucket == "" {
			return nil, errors.New("storage.gcp_bucket is required when backend is 'gcp'")
		}
		return storage.NewGCPBackend(ctx, sc.GCPBucket, sc.GCPProject, sc.GCPPrefix, sc.BucketName)

	case "azure":
		if sc.AzureContainer == "" {
			return nil, errors.New("storage.azure_container is required when backend is 'azure'")
		}
		if sc.AzureAccountURL == "" && sc.AzureConnectionString == "" {
			return nil, errors.New("storage.azure_account_url or storage.azure_connection_string is required when backend is 'azure'")
		}
		return storage.NewAzureBackend(ctx, storage.AzureOptions{
			Container:          sc.AzureContainer,
			AccountURL:         sc.AzureAccountURL,
			ConnectionString:   sc.AzureConnectionString,
			UseManagedIdentity: sc.AzureUseManagedIdentity,
			Prefix:             sc.AzurePrefix,
			BucketName:         sc.BucketName,
		})

	default:
		root := sc.Local.RootDir
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root directory: %w", err)
		}
		b, err := storage.NewLocalBackend(root)
		if err != nil {
			return nil, fmt.Errorf("initializing storage backend: %w", err)
		}
		// Partial chunk writes from a crash leave temp files behind.
		if err := b.CleanTempFiles(); err != nil {
			logger.Warn("Failed to clean temp files", "error", err)
		}
		logger.Info("Storage backend initialized", "backend", "local", "root", root)
		return b, nil
	}
}

// Retry calls fn every interval until it succeeds or ctx ends.
func Retry(ctx context.Context, interval time.Duration, logger *slog.Logger, what string, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("Connection failed, retrying", "target", what, "error", err, "retry_in", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
