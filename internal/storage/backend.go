// Package storage defines the chunk store interface and its implementations.
// An object's payload is kept as an ordered set of fixed-size chunks keyed by
// (object id, sequence number); the metadata that makes an object visible
// lives in the metadata package.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChunkNotFound is returned when a requested chunk is absent.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrUnavailable is returned when the backing connection is closed or down.
	ErrUnavailable = errors.New("chunk store unavailable")
	// ErrCapacityExceeded is returned by bounded backends when a write
	// would exceed their configured capacity.
	ErrCapacityExceeded = errors.New("chunk store capacity exceeded")
)

// Chunk is one fixed-size slice of an object's payload. Every chunk except
// the last has exactly the object's chunk size.
type Chunk struct {
	ObjectID string
	Seq      int64
	Data     []byte
}

// ChunkIterator yields an object's chunks in ascending sequence order.
// Next returns io.EOF after the last chunk. Close releases any cursor the
// iterator holds and is safe to call more than once.
type ChunkIterator interface {
	Next() (*Chunk, error)
	Close() error
}

// ChunkStore persists chunk payloads. All methods must be safe for
// concurrent use.
type ChunkStore interface {
	// WriteChunk durably stores one chunk. Writing the same (objectID, seq)
	// twice replaces the payload.
	WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error

	// OpenChunks returns a lazy iterator over chunks 0..count-1 of objectID.
	// A missing chunk surfaces as ErrChunkNotFound from Next.
	OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error)

	// DeleteChunks removes every chunk of objectID. Deleting an object with
	// no chunks is not an error.
	DeleteChunks(ctx context.Context, objectID string) error

	// ChunkSets lists object ids whose most recent chunk write happened
	// before the given time. The sweeper uses it to find abandoned uploads.
	ChunkSets(ctx context.Context, before time.Time) ([]string, error)

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// ChunkCount returns the number of chunks an object of the given length
// occupies. An empty object has no chunks.
func ChunkCount(length int64, chunkSize int) int64 {
	if length <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return (length + cs - 1) / cs
}
