package storage

import (
	"context"
	"fmt"
	"io"
)

// fetchFunc loads a single chunk payload.
type fetchFunc func(ctx context.Context, objectID string, seq int64) ([]byte, error)

// fetchIterator implements ChunkIterator for backends that address each
// chunk individually (key-value and blob stores). Each Next issues one fetch,
// so at most one chunk is held in memory at a time.
type fetchIterator struct {
	ctx      context.Context
	objectID string
	count    int64
	next     int64
	fetch    fetchFunc
	closed   bool
}

func newFetchIterator(ctx context.Context, objectID string, count int64, fetch fetchFunc) *fetchIterator {
	return &fetchIterator{ctx: ctx, objectID: objectID, count: count, fetch: fetch}
}

func (it *fetchIterator) Next() (*Chunk, error) {
	if it.closed {
		return nil, fmt.Errorf("iterator for %s is closed", it.objectID)
	}
	if it.next >= it.count {
		return nil, io.EOF
	}
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}
	data, err := it.fetch(it.ctx, it.objectID, it.next)
	if err != nil {
		return nil, err
	}
	c := &Chunk{ObjectID: it.objectID, Seq: it.next, Data: data}
	it.next++
	return c, nil
}

func (it *fetchIterator) Close() error {
	it.closed = true
	return nil
}

// chunkKey returns the object-store key for a chunk. The sequence number is
// zero-padded so lexical listing order matches sequence order.
func chunkKey(prefix, bucket, objectID string, seq int64) string {
	return fmt.Sprintf("%s%s/chunks/%s/%010d", prefix, bucket, objectID, seq)
}

// chunkPrefix returns the key prefix shared by all chunks of objectID, or by
// all chunks in the bucket when objectID is empty.
func chunkPrefix(prefix, bucket, objectID string) string {
	if objectID == "" {
		return prefix + bucket + "/chunks/"
	}
	return prefix + bucket + "/chunks/" + objectID + "/"
}

// objectIDFromKey extracts the object id from a chunk key produced by chunkKey.
func objectIDFromKey(prefix, bucket, key string) (string, bool) {
	root := chunkPrefix(prefix, bucket, "")
	if len(key) <= len(root) || key[:len(root)] != root {
		return "", false
	}
	rest := key[len(root):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], i > 0
		}
	}
	return "", false
}
