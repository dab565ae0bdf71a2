// Package bucket is the object store's public API. It splits uploads into
// fixed-size chunks, publishes an object only once its metadata commits,
// streams chunks back in order, and reaps uploads that never finished.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/metrics"
	"github.com/lockbox/lockbox/internal/storage"
	"github.com/lockbox/lockbox/internal/uid"
)

// DefaultChunkSize matches the GridFS default of 255 KiB.
const DefaultChunkSize = 255 * 1024

// ErrCorruptObject is wrapped into an internal error when stored chunks do
// not match the committed metadata.
var ErrCorruptObject = errors.New("stored chunks do not match object metadata")

// Options configures a Service.
type Options struct {
	// ChunkSize is the payload size of every chunk but the last.
	ChunkSize int
	// MaxObjectSize is the upload ceiling in bytes. Zero means unlimited.
	MaxObjectSize int64
	// AllowedContentTypes restricts uploads to these media types. Empty
	// means any type is accepted.
	AllowedContentTypes []string
	// BucketName is the logical bucket, used in log output.
	BucketName string
	Logger     *slog.Logger
}

// Service coordinates the chunk store and the registry. A Service is bound
// to one connection epoch; once invalidated every call fails with
// StoreUnavailable and a new Service must be obtained.
type Service struct {
	registry metadata.Registry
	chunks   storage.ChunkStore
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	invalidated atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Service over the given registry and chunk store.
func New(registry metadata.Registry, chunks storage.ChunkStore, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BucketName == "" {
		opts.BucketName = "fs"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: registry,
		chunks:   chunks,
		opts:     opts,
		logger:   logging.Component(logger, "bucket").With("bucket", opts.BucketName),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// ChunkSize returns the configured chunk size.
func (s *Service) ChunkSize() int {
	return s.opts.ChunkSize
}

// MaxObjectSize returns the upload ceiling, zero when unlimited.
func (s *Service) MaxObjectSize() int64 {
	return s.opts.MaxObjectSize
}

// Invalidate marks the Service stale. In-flight sessions and downloads fail
// on their next step.
func (s *Service) Invalidate() {
	if s.invalidated.CompareAndSwap(false, true) {
		s.logger.Info("Object store handle invalidated")
	}
}

// Invalidated reports whether Invalidate has been called.
func (s *Service) Invalidated() bool {
	return s.invalidated.Load()
}

func (s *Service) check() error {
	if s.invalidated.Load() {
		return apperr.ErrStoreUnavailable
	}
	return nil
}

// Probe verifies that both backing stores answer: a ping, a chunk store
// health check, and a one-row registry query.
func (s *Service) Probe(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.registry.Ping(ctx); err != nil {
		return translate(fmt.Errorf("pinging registry: %w", err))
	}
	if err := s.chunks.HealthCheck(ctx); err != nil {
		return translate(fmt.Errorf("checking chunk store: %w", err))
	}
	if _, err := s.registry.List(ctx, metadata.ListOptions{Limit: 1}); err != nil {
		return translate(fmt.Errorf("querying registry: %w", err))
	}
	return nil
}

// Stat returns the committed metadata for id.
func (s *Service) Stat(ctx context.Context, id string) (*metadata.ObjectMetadata, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if !uid.Valid(id) {
		return nil, apperr.ErrInvalidIdentifier
	}
	meta, err := s.registry.Stat(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	if meta == nil {
		return nil, apperr.ErrObjectNotFound
	}
	return meta, nil
}

// List returns committed objects, newest first.
func (s *Service) List(ctx context.Context, opts metadata.ListOptions) ([]metadata.ObjectMetadata, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	objs, err := s.registry.List(ctx, opts)
	if err != nil {
		return nil, translate(err)
	}
	return objs, nil
}

// Delete removes the metadata row and then the chunks. Removing the row
// first means readers never see metadata without chunks; chunks left behind
// by a failed second step are reaped by the sweeper.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	if !uid.Valid(id) {
		return apperr.ErrInvalidIdentifier
	}
	if err := s.registry.Remove(ctx, id); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return apperr.ErrObjectNotFound
		}
		return translate(err)
	}
	metrics.ObjectsDeletedTotal.Inc()

	if err := s.chunks.DeleteChunks(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("Chunk removal failed, leaving to sweeper", "object", id, "error", err)
	}
	s.logger.Debug("Object deleted", "object", id)
	return nil
}

// translate maps storage and metadata errors onto the API taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apperr.APIError
	switch {
	case errors.As(err, &apiErr):
		return err
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, metadata.ErrUnavailable):
		return apperr.ErrStoreUnavailable.Wrap(err)
	case errors.Is(err, storage.ErrChunkNotFound), errors.Is(err, metadata.ErrNotFound):
		return apperr.ErrObjectNotFound.Wrap(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperr.ErrInternalError.Wrap(err)
	}
}

func (s *Service) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Service) activeSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Service) hasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}
