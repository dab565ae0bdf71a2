// Package storage provides the Google Cloud Storage chunk store.
//
// Chunks are stored as individual GCS objects through the official Go
// client library.
//
// Key mapping:
//
//	Chunks:  {prefix}{bucket_name}/chunks/{object_id}/{n:010d}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSAPI defines the subset of the GCS client interface that the chunk
// store uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]GCSObject, error)
	// BucketAttrs checks that the bucket exists and is readable.
	BucketAttrs(ctx context.Context, bucket string) error
	Close() error
}

// GCSObject is the listing view of a GCS object.
type GCSObject struct {
	Name    string
	Updated time.Time
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]GCSObject, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var objects []GCSObject
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, GCSObject{Name: attrs.Name, Updated: attrs.Updated})
	}
	return objects, nil
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (c *realGCSClient) Close() error {
	return c.client.Close()
}

// GCPBackend implements ChunkStore on top of a GCS bucket.
type GCPBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the key prefix for all chunk objects in the upstream bucket.
	Prefix     string
	BucketName string
	client     GCSAPI
}

// NewGCPBackend creates a GCS client using Application Default Credentials
// and verifies the bucket is accessible.
func NewGCPBackend(ctx context.Context, bucket, project, prefix, bucketName string) (*GCPBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(bucket, project, prefix, bucketName, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCP chunk store initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPBackendWithClient creates a GCPBackend with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCPBackendWithClient(bucket, project, prefix, bucketName string, client GCSAPI) *GCPBackend {
	return &GCPBackend{
		Bucket:     bucket,
		Project:    project,
		Prefix:     prefix,
		BucketName: bucketName,
		client:     client,
	}
}

// WriteChunk uploads one chunk as a GCS object.
func (b *GCPBackend) WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	w := b.client.NewWriter(ctx, b.Bucket, chunkKey(b.Prefix, b.BucketName, objectID, seq))
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading chunk %d of %s to GCS: %w", seq, objectID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing chunk %d of %s in GCS: %w", seq, objectID, err)
	}
	return nil
}

// OpenChunks returns an iterator that opens one GCS reader per chunk.
func (b *GCPBackend) OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error) {
	return newFetchIterator(ctx, objectID, count, b.readChunk), nil
}

func (b *GCPBackend) readChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	r, err := b.client.NewReader(ctx, b.Bucket, chunkKey(b.Prefix, b.BucketName, objectID, seq))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("chunk %d of %s: %w", seq, objectID, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("opening chunk %d of %s in GCS: %w", seq, objectID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d of %s from GCS: %w", seq, objectID, err)
	}
	return data, nil
}

// DeleteChunks lists the object's chunk keys and deletes each one.
// Already-missing keys are ignored.
func (b *GCPBackend) DeleteChunks(ctx context.Context, objectID string) error {
	objects, err := b.client.ListObjects(ctx, b.Bucket, chunkPrefix(b.Prefix, b.BucketName, objectID))
	if err != nil {
		return fmt.Errorf("listing chunks of %s: %w", objectID, err)
	}
	for _, obj := range objects {
		if err := b.client.Delete(ctx, b.Bucket, obj.Name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting %s from GCS: %w", obj.Name, err)
		}
	}
	return nil
}

// ChunkSets groups chunk keys by object id using their update time.
func (b *GCPBackend) ChunkSets(ctx context.Context, before time.Time) ([]string, error) {
	objects, err := b.client.ListObjects(ctx, b.Bucket, chunkPrefix(b.Prefix, b.BucketName, ""))
	if err != nil {
		return nil, fmt.Errorf("listing chunk sets in GCS: %w", err)
	}
	newest := make(map[string]time.Time)
	for _, obj := range objects {
		id, ok := objectIDFromKey(b.Prefix, b.BucketName, obj.Name)
		if !ok {
			continue
		}
		if cur, seen := newest[id]; !seen || obj.Updated.After(cur) {
			newest[id] = obj.Updated
		}
	}
	return staleIDs(newest, before), nil
}

// HealthCheck verifies that the upstream GCS bucket is accessible.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	if err := b.client.BucketAttrs(ctx, b.Bucket); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the GCS client.
func (b *GCPBackend) Close() error {
	return b.client.Close()
}

// isGCSNotFound checks whether err means the object does not exist.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}

var _ ChunkStore = (*GCPBackend)(nil)
