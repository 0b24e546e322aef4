package monitor

import (
	"context"
	"time"
)

// BlobStore persists snapshot blobs in flat-keyed buckets.
type BlobStore interface {
	Put(ctx context.Context, bucket, key, contentType string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket string) ([]string, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

// Registry reads resource configuration and records monitoring events.
type Registry interface {
	ListEnabledResources(ctx context.Context) ([]Resource, error)
	LoadResource(ctx context.Context, id string) (Resource, error)
	EmitEvents(ctx context.Context, events []Event) error
}

// Fetcher issues a plain HTTP GET for a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Renderer captures a full-page screenshot with a headless browser.
type Renderer interface {
	Screenshot(ctx context.Context, url string) (Screenshot, error)
}

// Publisher pushes committed events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for due resources.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
