// Package memory stores snapshot blobs in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// BlobStore keeps buckets of blobs in process memory.
type BlobStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		buckets: make(map[string]map[string][]byte),
	}
}

// EnsureBucket creates the bucket when absent.
func (s *BlobStore) EnsureBucket(_ context.Context, bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("bucket name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

// Put stores a copy of data under bucket/key, creating the bucket on demand.
func (s *BlobStore) Put(_ context.Context, bucket, key, _ string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		objects = make(map[string][]byte)
		s.buckets[bucket] = objects
	}
	objects[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the stored blob.
func (s *BlobStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, monitor.ErrBucketNotFound)
	}
	data, ok := objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, monitor.ErrBlobNotFound)
	}
	return append([]byte(nil), data...), nil
}

// List returns the keys in the bucket in lexical order. Unknown buckets are empty.
func (s *BlobStore) List(_ context.Context, bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objects := s.buckets[bucket]
	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes a blob; used by tests simulating partial captures.
func (s *BlobStore) Delete(bucket, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
}
