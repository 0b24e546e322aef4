// Package snapshot maps resource captures onto object store keys and finds the
// latest ordinal already written for a resource.
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// File extensions used for snapshot blobs.
const (
	ExtPNG  = "png"
	ExtHTML = "html"
)

// Content types stored alongside snapshot blobs.
const (
	ContentTypePNG  = "image/png"
	ContentTypeHTML = "text/html"
)

// ID returns the snapshot identifier "<resourceID>_<ordinal>".
func ID(resourceID string, ordinal int) string {
	return resourceID + "_" + strconv.Itoa(ordinal)
}

// Key returns the object key for a snapshot blob.
func Key(resourceID string, ordinal int, ext string) string {
	return ID(resourceID, ordinal) + "." + ext
}

// Ordinal parses the ordinal out of key if it belongs to resourceID.
func Ordinal(resourceID, key string) (int, bool) {
	prefix := resourceID + "_"
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	stem, _, _ := strings.Cut(key[len(prefix):], ".")
	segment, _, _ := strings.Cut(stem, "_")
	n, err := strconv.Atoi(segment)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Resolver finds the current ordinal of a resource.
type Resolver struct {
	store   monitor.BlobStore
	buckets []string
}

// NewResolver builds a resolver that scans the image and HTML buckets.
func NewResolver(store monitor.BlobStore) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Resolver{
		store:   store,
		buckets: []string{monitor.BucketImages, monitor.BucketHTMLs},
	}, nil
}

// Current returns the highest ordinal present across both buckets, or 0.
func (r *Resolver) Current(ctx context.Context, resourceID string) (int, error) {
	if resourceID == "" {
		return 0, fmt.Errorf("resource id is required")
	}
	current := 0
	for _, bucket := range r.buckets {
		keys, err := r.store.List(ctx, bucket)
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", bucket, err)
		}
		for _, key := range keys {
			if n, ok := Ordinal(resourceID, key); ok && n > current {
				current = n
			}
		}
	}
	return current, nil
}
