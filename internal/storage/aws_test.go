package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	// pageSize caps ListObjectsV2 results to exercise pagination.
	pageSize int
	// headErr makes HeadBucket fail.
	headErr error
	// deleteBatches counts DeleteObjects calls.
	deleteBatches int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		pageSize: 1000,
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	m.objects[key] = data
	m.modified[key] = time.Now()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteBatches++
	for _, obj := range params.Delete.Objects {
		delete(m.objects, aws.ToString(obj.Key))
		delete(m.modified, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > aws.ToString(params.ContinuationToken) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	truncated := len(keys) > m.pageSize
	if truncated {
		keys = keys[:m.pageSize]
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			LastModified: aws.Time(m.modified[key]),
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

func TestAWSBackend(t *testing.T) {
	runChunkStoreTests(t, func(t *testing.T) ChunkStore {
		return NewAWSBackendWithClient("upstream", "lockbox/", "fs", newMockS3Client())
	})
}

func TestAWSBackendKeyLayout(t *testing.T) {
	mock := newMockS3Client()
	b := NewAWSBackendWithClient("upstream", "lockbox/", "fs", mock)
	if err := b.WriteChunk(context.Background(), "65a1b2c3d4e5f60718293a4b", 3, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.objects["lockbox/fs/chunks/65a1b2c3d4e5f60718293a4b/0000000003"]; !ok {
		t.Errorf("unexpected keys: %v", mock.objects)
	}
}

func TestAWSBackendPagination(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3Client()
	mock.pageSize = 2
	b := NewAWSBackendWithClient("upstream", "", "fs", mock)

	id := "65a1b2c3d4e5f60718293a4b"
	for seq := int64(0); seq < 5; seq++ {
		if err := b.WriteChunk(ctx, id, seq, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := b.ChunkSets(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ChunkSets: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("ChunkSets = %v", ids)
	}

	if err := b.DeleteChunks(ctx, id); err != nil {
		t.Fatalf("DeleteChunks: %v", err)
	}
	if len(mock.objects) != 0 {
		t.Errorf("%d chunks left after delete", len(mock.objects))
	}
	if mock.deleteBatches < 3 {
		t.Errorf("deleteBatches = %d, want at least 3 pages", mock.deleteBatches)
	}
}

func TestAWSBackendHealthCheck(t *testing.T) {
	mock := newMockS3Client()
	mock.headErr = &mockAPIError{code: "NoSuchBucket", message: "gone", httpStatus: 404}
	b := NewAWSBackendWithClient("upstream", "", "fs", mock)
	if err := b.HealthCheck(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("HealthCheck = %v, want ErrUnavailable", err)
	}
}
