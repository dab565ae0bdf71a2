package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/metrics"
	"github.com/lockbox/lockbox/internal/storage"
	"github.com/lockbox/lockbox/internal/uid"
)

// abortTimeout bounds chunk cleanup once the caller's context is gone.
const abortTimeout = 30 * time.Second

var (
	// ErrSessionClosed is returned by operations on a finished or aborted
	// upload session.
	ErrSessionClosed = errors.New("upload session is closed")
	// ErrSessionAbandoned is returned once the sweeper has reaped an idle
	// session.
	ErrSessionAbandoned = errors.New("upload session abandoned")
)

// UploadOptions describes the object being uploaded.
type UploadOptions struct {
	DisplayName string
	ContentType string
	Attributes  map[string]string
	// DeclaredSize is the length announced by the client, if known. A value
	// above the ceiling fails before any chunk is written.
	DeclaredSize int64
}

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionFinished
	sessionAborted
)

// Session is one in-progress upload. Bytes are buffered into a single
// chunk-sized window; each full window is written before more input is
// accepted, so memory use stays at one chunk. A Session is not safe for
// concurrent writers.
type Session struct {
	svc  *Service
	id   string
	opts UploadOptions
	ctx  context.Context

	mu        sync.Mutex
	state     sessionState
	err       error
	buf       []byte
	fill      int
	seq       int64
	written   int64
	attempted bool

	lastActivity atomic.Int64
}

// OpenUploadSession allocates a new object id and starts accepting bytes.
// Nothing is visible to readers until Finish returns.
func (s *Service) OpenUploadSession(ctx context.Context, opts UploadOptions) (*Session, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if !s.contentTypeAllowed(opts.ContentType) {
		return nil, apperr.ErrInvalidContentType
	}
	if s.opts.MaxObjectSize > 0 && opts.DeclaredSize > s.opts.MaxObjectSize {
		metrics.UploadsTotal.WithLabelValues("too_large").Inc()
		return nil, apperr.ErrSizeLimitExceeded
	}

	sess := &Session{
		svc:  s,
		id:   uid.New(),
		opts: opts,
		ctx:  ctx,
		buf:  make([]byte, s.opts.ChunkSize),
	}
	sess.touch()
	s.track(sess)
	return sess, nil
}

// Upload streams r into a new object and commits it. Any failure aborts
// the session before the error is returned.
func (s *Service) Upload(ctx context.Context, r io.Reader, opts UploadOptions) (*metadata.ObjectMetadata, error) {
	sess, err := s.OpenUploadSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := sess.ReadFrom(r); err != nil {
		sess.Abort()
		return nil, err
	}
	return sess.Finish()
}

func (s *Service) contentTypeAllowed(contentType string) bool {
	if len(s.opts.AllowedContentTypes) == 0 {
		return true
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, allowed := range s.opts.AllowedContentTypes {
		if strings.EqualFold(allowed, mediaType) {
			return true
		}
	}
	return false
}

// ID returns the object id the session will commit under.
func (s *Session) ID() string {
	return s.id
}

// Written returns the number of bytes accepted so far.
func (s *Session) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Session) touch() {
	s.lastActivity.Store(s.svc.now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) usable() error {
	switch s.state {
	case sessionFinished:
		return ErrSessionClosed
	case sessionAborted:
		if s.err != nil {
			return s.err
		}
		return ErrSessionClosed
	}
	if err := s.svc.check(); err != nil {
		s.fail("invalidated", err)
		return err
	}
	return nil
}

func (s *Session) exceeds(n int64) bool {
	limit := s.svc.opts.MaxObjectSize
	return limit > 0 && s.written+n > limit
}

// Write implements io.Writer.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return 0, err
	}
	if s.exceeds(int64(len(p))) {
		return 0, s.fail("too_large", apperr.ErrSizeLimitExceeded)
	}

	n := 0
	for len(p) > 0 {
		c := copy(s.buf[s.fill:], p)
		s.fill += c
		s.written += int64(c)
		n += c
		p = p[c:]
		if s.fill == len(s.buf) {
			if err := s.flush(); err != nil {
				return n, err
			}
		}
	}
	s.touch()
	return n, nil
}

// ReadFrom implements io.ReaderFrom, reading r one chunk window at a time.
func (s *Session) ReadFrom(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return 0, err
	}

	var total int64
	for {
		n, rerr := io.ReadFull(r, s.buf[s.fill:])
		if n > 0 {
			if s.exceeds(int64(n)) {
				return total, s.fail("too_large", apperr.ErrSizeLimitExceeded)
			}
			s.fill += n
			s.written += int64(n)
			total += int64(n)
			s.touch()
			if s.fill == len(s.buf) {
				if err := s.flush(); err != nil {
					return total, err
				}
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return total, nil
		default:
			return total, s.fail("failed", apperr.ErrPartialWriteFailure.Wrap(fmt.Errorf("reading upload body: %w", rerr)))
		}
	}
}

// flush writes the buffered window as the next chunk.
func (s *Session) flush() error {
	if err := s.svc.check(); err != nil {
		return s.fail("invalidated", err)
	}
	s.attempted = true
	if err := s.svc.chunks.WriteChunk(s.ctx, s.id, s.seq, s.buf[:s.fill]); err != nil {
		metrics.ChunksWrittenTotal.WithLabelValues("error").Inc()
		werr := fmt.Errorf("writing chunk %d of %s: %w", s.seq, s.id, err)
		if errors.Is(err, storage.ErrUnavailable) {
			return s.fail("failed", apperr.ErrStoreUnavailable.Wrap(werr))
		}
		return s.fail("failed", apperr.ErrPartialWriteFailure.Wrap(werr))
	}
	metrics.ChunksWrittenTotal.WithLabelValues("ok").Inc()
	s.seq++
	s.fill = 0
	return nil
}

// Finish writes the final partial chunk and commits the metadata row. This
// is the only step that makes the object visible.
func (s *Session) Finish() (*metadata.ObjectMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.fill > 0 {
		if err := s.flush(); err != nil {
			return nil, err
		}
	}
	if err := s.svc.check(); err != nil {
		return nil, s.fail("invalidated", err)
	}

	meta := &metadata.ObjectMetadata{
		ID:          s.id,
		DisplayName: s.opts.DisplayName,
		ContentType: s.opts.ContentType,
		Length:      s.written,
		ChunkSize:   s.svc.opts.ChunkSize,
		UploadedAt:  s.svc.now().UTC(),
		Attributes:  cloneAttributes(s.opts.Attributes),
	}
	if err := s.svc.registry.Commit(s.ctx, meta); err != nil {
		// The insert may have landed even though the call failed.
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), abortTimeout)
		if rmErr := s.svc.registry.Remove(rmCtx, s.id); rmErr != nil && !errors.Is(rmErr, metadata.ErrNotFound) {
			s.svc.logger.Warn("Metadata rollback failed", "object", s.id, "error", rmErr)
		}
		cancel()
		return nil, s.fail("failed", translate(fmt.Errorf("committing %s: %w", s.id, err)))
	}

	s.state = sessionFinished
	s.svc.untrack(s.id)
	metrics.UploadsTotal.WithLabelValues("committed").Inc()
	metrics.UploadBytes.Observe(float64(meta.Length))
	s.svc.logger.Debug("Object committed",
		"object", meta.ID,
		"length", meta.Length,
		"chunks", s.seq,
	)
	return meta, nil
}

// Abort discards every chunk written so far. It is idempotent and a no-op
// after Finish. Cleanup runs on a context detached from the caller's
// cancellation so a disconnected client still gets its chunks removed.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort("aborted")
}

// fail aborts the session and records cause as the error later calls see.
func (s *Session) fail(outcome string, cause error) error {
	if s.state == sessionOpen {
		s.err = cause
		s.abort(outcome)
	}
	return cause
}

func (s *Session) abort(outcome string) error {
	if s.state != sessionOpen {
		return nil
	}
	s.state = sessionAborted
	s.svc.untrack(s.id)
	metrics.UploadsTotal.WithLabelValues(outcome).Inc()
	if !s.attempted {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), abortTimeout)
	defer cancel()
	if err := s.svc.chunks.DeleteChunks(ctx, s.id); err != nil {
		s.svc.logger.Warn("Abort left chunks for sweeper", "object", s.id, "error", err)
		return translate(err)
	}
	s.svc.logger.Debug("Upload aborted", "object", s.id, "outcome", outcome, "chunks", s.seq)
	return nil
}

// reapIfIdle aborts the session when it has been idle longer than ttl. A
// session busy in a write is left alone.
func (s *Session) reapIfIdle(now time.Time, ttl time.Duration) bool {
	if now.Sub(s.idleSince()) <= ttl {
		return false
	}
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	if s.state != sessionOpen {
		return false
	}
	s.err = ErrSessionAbandoned
	s.abort("abandoned")
	return true
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}
