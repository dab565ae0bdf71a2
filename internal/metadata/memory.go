package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*ObjectMetadata
	records map[string]*Record
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*ObjectMetadata),
		records: make(map[string]*Record),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrUnavailable
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyObject(meta *ObjectMetadata) *ObjectMetadata {
	cp := *meta
	cp.Attributes = cloneAttributes(meta.Attributes)
	return &cp
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	cp.File = cloneFile(rec.File)
	return &cp
}

func (s *MemoryStore) Commit(ctx context.Context, meta *ObjectMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}

	if _, exists := s.objects[meta.ID]; exists {
		return fmt.Errorf("object %s: %w", meta.ID, ErrAlreadyExists)
	}
	s.objects[meta.ID] = copyObject(meta)
	return nil
}

func (s *MemoryStore) Stat(ctx context.Context, id string) (*ObjectMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrUnavailable
	}

	meta, exists := s.objects[id]
	if !exists {
		return nil, nil
	}
	return copyObject(meta), nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}

	if _, exists := s.objects[id]; !exists {
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	delete(s.objects, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]ObjectMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrUnavailable
	}

	var out []ObjectMetadata
	for _, meta := range s.objects {
		if opts.Owner != "" && meta.Owner() != opts.Owner {
			continue
		}
		out = append(out, *copyObject(meta))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateRecord(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("record %s: %w", rec.ID, ErrAlreadyExists)
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrUnavailable
	}

	rec, exists := s.records[id]
	if !exists {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}

	cur, exists := s.records[rec.ID]
	if !exists {
		return fmt.Errorf("record %s: %w", rec.ID, ErrNotFound)
	}
	cur.Title = rec.Title
	cur.Website = rec.Website
	cur.Username = rec.Username
	cur.Email = rec.Email
	cur.Secret = rec.Secret
	cur.Notes = rec.Notes
	cur.UpdatedAt = rec.UpdatedAt
	return nil
}

func (s *MemoryStore) SwapRecordFile(ctx context.Context, id, expected string, ref *FileReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}

	cur, exists := s.records[id]
	if !exists {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if cur.FileObjectID() != expected {
		return fmt.Errorf("record %s bound to %q, expected %q: %w", id, cur.FileObjectID(), expected, ErrConflict)
	}
	cur.File = cloneFile(ref)
	return nil
}

func (s *MemoryStore) DeleteRecord(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrUnavailable
	}

	rec, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	delete(s.records, id)
	return rec, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, ownerID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrUnavailable
	}

	var out []Record
	for _, rec := range s.records {
		if ownerID != "" && rec.OwnerID != ownerID {
			continue
		}
		out = append(out, *copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CountFileReferences(ctx context.Context, objectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrUnavailable
	}

	n := 0
	for _, rec := range s.records {
		if rec.FileObjectID() == objectID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReferencedObjects(ctx context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrUnavailable
	}

	refs := make(map[string]struct{})
	for _, rec := range s.records {
		if id := rec.FileObjectID(); id != "" {
			refs[id] = struct{}{}
		}
	}
	return refs, nil
}

var _ Store = (*MemoryStore)(nil)
