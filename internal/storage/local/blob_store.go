// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory; each bucket is a sub-directory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes snapshot blobs to <BaseDir>/<bucket>/<key>.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// EnsureBucket creates the bucket directory when absent.
func (s *BlobStore) EnsureBucket(_ context.Context, bucket string) error {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create bucket directory: %w", err)
	}
	return nil
}

// Put writes data through a temp file and renames it into place so readers
// never observe a partial blob.
func (s *BlobStore) Put(_ context.Context, bucket, key, _ string, data []byte) error {
	fullPath, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create bucket directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Get reads a blob from disk.
func (s *BlobStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	fullPath, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to baseDir by objectPath.
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("get %s/%s: %w", bucket, key, monitor.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// List returns the keys in the bucket directory; a missing bucket lists empty.
func (s *BlobStore) List(_ context.Context, bucket string) ([]string, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read bucket directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BlobStore) bucketDir(bucket string) (string, error) {
	if err := validateSegment(bucket); err != nil {
		return "", fmt.Errorf("invalid bucket: %w", err)
	}
	return filepath.Join(s.baseDir, bucket), nil
}

func (s *BlobStore) objectPath(bucket, key string) (string, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return "", err
	}
	if err := validateSegment(key); err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}
	fullPath := filepath.Join(dir, key)
	// Clean the path and verify it's within baseDir to prevent path traversal.
	if !strings.HasPrefix(filepath.Clean(fullPath), s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func validateSegment(segment string) error {
	switch {
	case strings.TrimSpace(segment) == "":
		return fmt.Errorf("name is required")
	case strings.ContainsAny(segment, `/\`):
		return fmt.Errorf("name %q must not contain path separators", segment)
	case segment == "." || segment == "..":
		return fmt.Errorf("path traversal detected")
	}
	return nil
}
