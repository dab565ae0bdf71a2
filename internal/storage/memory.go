package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// memChunkSet holds the chunks of one object and the time of its newest write.
type memChunkSet struct {
	chunks    map[int64][]byte
	updatedAt time.Time
}

// MemoryBackend implements ChunkStore using in-memory maps. An optional
// capacity bound rejects writes once the stored payload reaches maxSizeBytes.
type MemoryBackend struct {
	mu           sync.RWMutex
	sets         map[string]*memChunkSet
	currentSize  int64
	maxSizeBytes int64
	closed       bool
	now          func() time.Time
}

// NewMemoryBackend creates an empty MemoryBackend. A maxSizeBytes of zero
// means unbounded.
func NewMemoryBackend(maxSizeBytes int64) *MemoryBackend {
	return &MemoryBackend{
		sets:         make(map[string]*memChunkSet),
		maxSizeBytes: maxSizeBytes,
		now:          time.Now,
	}
}

// WriteChunk copies data into the object's chunk set.
func (b *MemoryBackend) WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}

	set, ok := b.sets[objectID]
	if !ok {
		set = &memChunkSet{chunks: make(map[int64][]byte)}
		b.sets[objectID] = set
	}
	delta := int64(len(data)) - int64(len(set.chunks[seq]))
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return fmt.Errorf("writing chunk %d of %s: %w", seq, objectID, ErrCapacityExceeded)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	set.chunks[seq] = cp
	set.updatedAt = b.now()
	b.currentSize += delta
	return nil
}

// OpenChunks returns an iterator that reads each chunk under the read lock.
func (b *MemoryBackend) OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrUnavailable
	}
	return newFetchIterator(ctx, objectID, count, b.readChunk), nil
}

func (b *MemoryBackend) readChunk(_ context.Context, objectID string, seq int64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	set, ok := b.sets[objectID]
	if !ok {
		return nil, fmt.Errorf("chunk %d of %s: %w", seq, objectID, ErrChunkNotFound)
	}
	data, ok := set.chunks[seq]
	if !ok {
		return nil, fmt.Errorf("chunk %d of %s: %w", seq, objectID, ErrChunkNotFound)
	}
	return bytes.Clone(data), nil
}

// DeleteChunks drops the object's chunk set.
func (b *MemoryBackend) DeleteChunks(ctx context.Context, objectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	set, ok := b.sets[objectID]
	if !ok {
		return nil
	}
	for _, data := range set.chunks {
		b.currentSize -= int64(len(data))
	}
	delete(b.sets, objectID)
	return nil
}

// ChunkSets lists object ids whose newest chunk was written before the cutoff.
func (b *MemoryBackend) ChunkSets(ctx context.Context, before time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	var ids []string
	for id, set := range b.sets {
		if set.updatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// HealthCheck reports ErrUnavailable once the backend is closed.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrUnavailable
	}
	return nil
}

// Close marks the backend unavailable and releases its data.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.sets = make(map[string]*memChunkSet)
	b.currentSize = 0
	return nil
}

// Size returns the number of payload bytes currently held.
func (b *MemoryBackend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSize
}
