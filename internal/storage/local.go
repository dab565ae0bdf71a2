package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lockbox/lockbox/internal/uid"
)

// LocalBackend implements ChunkStore using the local filesystem. Each object
// gets a directory under RootDir holding one file per chunk, named by its
// zero-padded sequence number.
type LocalBackend struct {
	// RootDir is the base directory under which all chunk data is stored.
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. This is called on
// startup as part of crash-only recovery. Any temp files left behind indicate
// incomplete chunk writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// objectDir returns the directory holding an object's chunks.
func (b *LocalBackend) objectDir(objectID string) (string, error) {
	if objectID == "" || objectID[0] == '.' || strings.ContainsAny(objectID, `/\`) {
		return "", fmt.Errorf("invalid object id %q", objectID)
	}
	return filepath.Join(b.RootDir, objectID), nil
}

func chunkFileName(seq int64) string {
	return fmt.Sprintf("%010d", seq)
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// WriteChunk writes the chunk using the crash-only atomic write pattern:
// write to temp file, fsync, rename.
func (b *LocalBackend) WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := b.objectDir(objectID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating chunk directory for %s: %w", objectID, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing chunk %d of %s: %w", seq, objectID, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, chunkFileName(seq))); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to chunk path: %w", err)
	}
	return nil
}

// OpenChunks returns an iterator that reads one chunk file per step.
func (b *LocalBackend) OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error) {
	if _, err := b.objectDir(objectID); err != nil {
		return nil, err
	}
	return newFetchIterator(ctx, objectID, count, b.readChunk), nil
}

func (b *LocalBackend) readChunk(_ context.Context, objectID string, seq int64) ([]byte, error) {
	dir, err := b.objectDir(objectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, chunkFileName(seq)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("chunk %d of %s: %w", seq, objectID, ErrChunkNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d of %s: %w", seq, objectID, err)
	}
	return data, nil
}

// DeleteChunks removes the object's chunk directory. Idempotent.
func (b *LocalBackend) DeleteChunks(ctx context.Context, objectID string) error {
	dir, err := b.objectDir(objectID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", objectID, err)
	}
	return nil
}

// ChunkSets scans object directories and reports those whose newest chunk
// file was modified before the cutoff.
func (b *LocalBackend) ChunkSets(ctx context.Context, before time.Time) ([]string, error) {
	entries, err := os.ReadDir(b.RootDir)
	if err != nil {
		return nil, fmt.Errorf("reading chunk root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newest, err := newestModTime(filepath.Join(b.RootDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if newest.Before(before) {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return newest, nil
		}
		return newest, fmt.Errorf("reading chunk directory %q: %w", dir, err)
	}
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}

// HealthCheck verifies the root directory is still accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.RootDir); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op for the filesystem backend.
func (b *LocalBackend) Close() error {
	return nil
}
