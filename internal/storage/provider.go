// Package storage holds helpers shared by the blob store backends.
// The backends themselves live in sub-packages (s3, gcs, local, memory) and all
// satisfy monitor.BlobStore.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Provider names accepted by storage.provider.
const (
	ProviderS3     = "s3"
	ProviderGCS    = "gcs"
	ProviderLocal  = "local"
	ProviderMemory = "memory"
)

// Buckets returns the snapshot buckets the engine writes to.
func Buckets() []string {
	return []string{monitor.BucketImages, monitor.BucketHTMLs}
}

// EnsureBuckets creates every bucket the engine needs. It is idempotent.
func EnsureBuckets(ctx context.Context, store monitor.BlobStore, logger *zap.Logger, buckets ...string) error {
	if len(buckets) == 0 {
		buckets = Buckets()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, bucket := range buckets {
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			return fmt.Errorf("ensure bucket %q: %w", bucket, err)
		}
		logger.Debug("bucket ready", zap.String("bucket", bucket))
	}
	return nil
}
