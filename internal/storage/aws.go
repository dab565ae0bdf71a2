// Package storage provides the AWS S3 chunk store.
//
// Chunks are stored as individual S3 objects. Metadata stays in the
// registry; this backend handles chunk payloads only.
//
// Key mapping:
//
//	Chunks:  {prefix}{bucket_name}/chunks/{object_id}/{n:010d}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the chunk
// store uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSBackend implements ChunkStore on top of an S3 bucket.
type AWSBackend struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Prefix is the key prefix for all chunk objects in the upstream bucket.
	Prefix string
	// BucketName namespaces chunks inside the upstream bucket.
	BucketName string
	client     S3API
}

// AWSOptions configures NewAWSBackend.
type AWSOptions struct {
	Bucket          string
	Region          string
	Prefix          string
	BucketName      string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewAWSBackend initializes the AWS SDK client using the default credential
// chain, with optional overrides for a custom endpoint, path-style
// addressing and static credentials, then verifies the bucket is reachable.
func NewAWSBackend(ctx context.Context, opts AWSOptions) (*AWSBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewAWSBackendWithClient(opts.Bucket, opts.Prefix, opts.BucketName, s3.NewFromConfig(cfg, s3Opts...))
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("AWS chunk store initialized", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return b, nil
}

// NewAWSBackendWithClient creates an AWSBackend with a pre-configured S3
// client. This is primarily used for testing with mock clients.
func NewAWSBackendWithClient(bucket, prefix, bucketName string, client S3API) *AWSBackend {
	return &AWSBackend{
		Bucket:     bucket,
		Prefix:     prefix,
		BucketName: bucketName,
		client:     client,
	}
}

// WriteChunk uploads one chunk as a single S3 object.
func (b *AWSBackend) WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(chunkKey(b.Prefix, b.BucketName, objectID, seq)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("putting chunk %d of %s to S3: %w", seq, objectID, err)
	}
	return nil
}

// OpenChunks returns an iterator issuing one GetObject per chunk.
func (b *AWSBackend) OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error) {
	return newFetchIterator(ctx, objectID, count, b.readChunk), nil
}

func (b *AWSBackend) readChunk(ctx context.Context, objectID string, seq int64) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(chunkKey(b.Prefix, b.BucketName, objectID, seq)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("chunk %d of %s: %w", seq, objectID, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("getting chunk %d of %s from S3: %w", seq, objectID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d of %s from S3: %w", seq, objectID, err)
	}
	return data, nil
}

// DeleteChunks lists objects under the object's chunk prefix and
// batch-deletes them.
func (b *AWSBackend) DeleteChunks(ctx context.Context, objectID string) error {
	prefix := chunkPrefix(b.Prefix, b.BucketName, objectID)

	for {
		listResp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.Bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("listing chunks of %s: %w", objectID, err)
		}
		if len(listResp.Contents) == 0 {
			break
		}

		var objects []types.ObjectIdentifier
		for _, obj := range listResp.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("batch-deleting chunks of %s: %w", objectID, err)
		}

		if !aws.ToBool(listResp.IsTruncated) {
			break
		}
	}
	return nil
}

// ChunkSets pages through every chunk key and groups them by object id.
func (b *AWSBackend) ChunkSets(ctx context.Context, before time.Time) ([]string, error) {
	newest := make(map[string]time.Time)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(chunkPrefix(b.Prefix, b.BucketName, "")),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing chunk sets in S3: %w", err)
		}
		for _, obj := range page.Contents {
			id, ok := objectIDFromKey(b.Prefix, b.BucketName, aws.ToString(obj.Key))
			if !ok {
				continue
			}
			mod := aws.ToTime(obj.LastModified)
			if cur, seen := newest[id]; !seen || mod.After(cur) {
				newest[id] = mod
			}
		}
	}
	return staleIDs(newest, before), nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no long-lived connections that
// need explicit release.
func (b *AWSBackend) Close() error {
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// staleIDs returns the ids whose newest write predates the cutoff.
func staleIDs(newest map[string]time.Time, before time.Time) []string {
	var ids []string
	for id, t := range newest {
		if t.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids
}

var _ ChunkStore = (*AWSBackend)(nil)
