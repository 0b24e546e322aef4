// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	ProjectID string
}

// BlobStore reads and writes snapshot blobs as GCS objects.
// Authentication is handled via Application Default Credentials.
type BlobStore struct {
	client    *storage.Client
	projectID string
	logger    *zap.Logger
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{
		client:    client,
		projectID: cfg.ProjectID,
		logger:    logger,
	}, nil
}

// Put uploads data to bucket/key.
func (s *BlobStore) Put(ctx context.Context, bucket, key, contentType string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			s.logger.Warn("failed to close gcs writer after write failure",
				zap.String("bucket", bucket),
				zap.String("key", key),
				zap.Error(closeErr),
			)
		}
		return fmt.Errorf("write object %s/%s: %w", bucket, key, err)
	}
	// Close finalizes the upload.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer %s/%s: %w", bucket, key, translateError(err))
	}
	return nil
}

// Get downloads bucket/key.
func (s *BlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object %s/%s: %w", bucket, key, translateError(err))
	}
	defer reader.Close() //nolint:errcheck // read-only
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// List returns every object name in the bucket.
func (s *BlobStore) List(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", bucket, translateError(err))
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// EnsureBucket creates the bucket in the configured project when it is missing.
func (s *BlobStore) EnsureBucket(ctx context.Context, bucket string) error {
	handle := s.client.Bucket(bucket)
	_, err := handle.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("get bucket %s attributes: %w", bucket, err)
	}
	if s.projectID == "" {
		return fmt.Errorf("create bucket %s: gcs project_id is required", bucket)
	}
	if err := handle.Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	s.logger.Info("created gcs bucket", zap.String("bucket", bucket), zap.String("project_id", s.projectID))
	return nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}

func translateError(err error) error {
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return fmt.Errorf("%w: %v", monitor.ErrBlobNotFound, err)
	case errors.Is(err, storage.ErrBucketNotExist):
		return fmt.Errorf("%w: %v", monitor.ErrBucketNotFound, err)
	default:
		return err
	}
}
