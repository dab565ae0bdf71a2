package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"

	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/metrics"
	"github.com/lockbox/lockbox/internal/storage"
)

// Download streams one committed object. Chunks are fetched lazily and
// checked against the metadata: sequence numbers must be contiguous and
// every chunk but the last must be exactly ChunkSize bytes. Close must be
// called to release the underlying cursor.
type Download struct {
	svc  *Service
	meta *metadata.ObjectMetadata
	it   storage.ChunkIterator

	count     int64
	next      int64
	delivered int64
	pending   []byte
	err       error
	closed    bool
}

// OpenDownloadSession returns the object's metadata and a chunk stream.
func (s *Service) OpenDownloadSession(ctx context.Context, id string) (*metadata.ObjectMetadata, *Download, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrObjectNotFound) {
			metrics.DownloadsTotal.WithLabelValues("not_found").Inc()
		}
		return nil, nil, err
	}
	chunkSize := meta.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.opts.ChunkSize
	}
	count := storage.ChunkCount(meta.Length, chunkSize)
	it, err := s.chunks.OpenChunks(ctx, id, count)
	if err != nil {
		return nil, nil, translate(fmt.Errorf("opening chunks of %s: %w", id, err))
	}
	if meta.ChunkSize <= 0 {
		meta.ChunkSize = chunkSize
	}
	return meta, &Download{svc: s, meta: meta, it: it, count: count}, nil
}

// Metadata returns the object being streamed.
func (d *Download) Metadata() *metadata.ObjectMetadata {
	return d.meta
}

// Next returns the next chunk, or io.EOF once Length bytes were delivered.
// A chunk that disappears mid-stream (a concurrent delete) surfaces as
// ObjectNotFound.
func (d *Download) Next() (*storage.Chunk, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.closed {
		return nil, ErrSessionClosed
	}
	if err := d.svc.check(); err != nil {
		return nil, d.setErr(err)
	}
	if d.next >= d.count {
		return nil, io.EOF
	}

	c, err := d.it.Next()
	switch {
	case errors.Is(err, io.EOF):
		return nil, d.setErr(apperr.ErrObjectNotFound.Wrap(
			fmt.Errorf("object %s ended at chunk %d of %d", d.meta.ID, d.next, d.count)))
	case err != nil:
		return nil, d.setErr(translate(fmt.Errorf("reading chunk %d of %s: %w", d.next, d.meta.ID, err)))
	}

	if c.Seq != d.next {
		return nil, d.setErr(apperr.ErrInternalError.Wrap(
			fmt.Errorf("object %s: chunk %d where %d expected: %w", d.meta.ID, c.Seq, d.next, ErrCorruptObject)))
	}
	if want := d.expectedSize(c.Seq); int64(len(c.Data)) != want {
		return nil, d.setErr(apperr.ErrInternalError.Wrap(
			fmt.Errorf("object %s: chunk %d has %d bytes, want %d: %w", d.meta.ID, c.Seq, len(c.Data), want, ErrCorruptObject)))
	}

	d.next++
	d.delivered += int64(len(c.Data))
	metrics.BytesStreamedTotal.Add(float64(len(c.Data)))
	return c, nil
}

func (d *Download) expectedSize(seq int64) int64 {
	cs := int64(d.meta.ChunkSize)
	if seq < d.count-1 {
		return cs
	}
	return d.meta.Length - (d.count-1)*cs
}

func (d *Download) setErr(err error) error {
	d.err = err
	return err
}

// Read implements io.Reader over the chunk stream.
func (d *Download) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		c, err := d.Next()
		if err != nil {
			return 0, err
		}
		d.pending = c.Data
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, writing one chunk per call to w.
func (d *Download) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(d.pending) > 0 {
		n, err := w.Write(d.pending)
		total += int64(n)
		d.pending = d.pending[n:]
		if err != nil {
			return total, err
		}
	}
	for {
		c, err := d.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(c.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Close releases the chunk cursor. It is safe to call more than once.
func (d *Download) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	outcome := "complete"
	if d.next < d.count {
		outcome = "interrupted"
		if errors.Is(d.err, apperr.ErrObjectNotFound) {
			outcome = "not_found"
		}
	}
	metrics.DownloadsTotal.WithLabelValues(outcome).Inc()
	return d.it.Close()
}
