// Package storage provides the Azure Blob Storage chunk store.
//
// Chunks are stored as individual block blobs in one container.
//
// Key mapping:
//
//	Chunks:  {prefix}{bucket_name}/chunks/{object_id}/{n:010d}
//
// Credentials come from a connection string, a managed identity, or
// DefaultAzureCredential (env vars, Azure CLI, etc.), in that order.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the chunk store uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ListBlobs lists blobs whose names start with prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]AzureBlob, error)
	// ContainerExists checks that the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBlob is the listing view of a blob.
type AzureBlob struct {
	Name         string
	LastModified time.Time
}

// AzureBackend implements ChunkStore on top of an Azure Blob container.
type AzureBackend struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// Prefix is the key prefix for all chunk blobs in the container.
	Prefix     string
	BucketName string
	client     AzureBlobAPI
}

// AzureOptions configures NewAzureBackend.
type AzureOptions struct {
	Container          string
	AccountURL         string
	ConnectionString   string
	UseManagedIdentity bool
	Prefix             string
	BucketName         string
}

// NewAzureBackend creates the Azure client and verifies the container is
// reachable.
func NewAzureBackend(ctx context.Context, opts AzureOptions) (*AzureBackend, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, err
	}
	b := NewAzureBackendWithClient(opts.Container, opts.Prefix, opts.BucketName, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}
	slog.Info("Azure chunk store initialized", "container", opts.Container, "prefix", opts.Prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(container, prefix, bucketName string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container:  container,
		Prefix:     prefix,
		BucketName: bucketName,
		client:     client,
	}
}

// WriteChunk uploads one chunk as a block blob.
func (b *AzureBackend) WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	if err := b.client.UploadBlob(ctx, b.Container, chunkKey(b.Prefix, b.BucketName, objectID, seq), data); err != nil {
		return fmt.Errorf("uploading chunk %d of %s to Azure: %w", seq, objectID, err)
	}
	return nil
}

// OpenChunks returns an iterator downloading one blob per chunk.
func (b *AzureBackend) OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error) {
	return newFetchIterator(ctx, objectID, count, b.readChunk), nil
}

func (b *AzureBackend) readChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	data, err := b.client.DownloadBlob(ctx, b.Container, chunkKey(b.Prefix, b.BucketName, objectID, seq))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("chunk %d of %s: %w", seq, objectID, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("downloading chunk %d of %s from Azure: %w", seq, objectID, err)
	}
	return data, nil
}

// DeleteChunks deletes every blob under the object's chunk prefix.
func (b *AzureBackend) DeleteChunks(ctx context.Context, objectID string) error {
	blobs, err := b.client.ListBlobs(ctx, b.Container, chunkPrefix(b.Prefix, b.BucketName, objectID))
	if err != nil {
		return fmt.Errorf("listing chunks of %s: %w", objectID, err)
	}
	for _, blob := range blobs {
		if err := b.client.DeleteBlob(ctx, b.Container, blob.Name); err != nil && !isAzureNotFound(err) {
			return fmt.Errorf("deleting %s from Azure: %w", blob.Name, err)
		}
	}
	return nil
}

// ChunkSets groups chunk blobs by object id using their last-modified time.
func (b *AzureBackend) ChunkSets(ctx context.Context, before time.Time) ([]string, error) {
	blobs, err := b.client.ListBlobs(ctx, b.Container, chunkPrefix(b.Prefix, b.BucketName, ""))
	if err != nil {
		return nil, fmt.Errorf("listing chunk sets in Azure: %w", err)
	}
	newest := make(map[string]time.Time)
	for _, blob := range blobs {
		id, ok := objectIDFromKey(b.Prefix, b.BucketName, blob.Name)
		if !ok {
			continue
		}
		if cur, seen := newest[id]; !seen || blob.LastModified.After(cur) {
			newest[id] = blob.LastModified
		}
	}
	return staleIDs(newest, before), nil
}

// HealthCheck verifies that the upstream Azure Blob container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	if err := b.client.ContainerExists(ctx, b.Container); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op for the Azure client.
func (b *AzureBackend) Close() error {
	return nil
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") ||
		strings.Contains(msg, "the specified blob does not exist")
}

var _ ChunkStore = (*AzureBackend)(nil)
