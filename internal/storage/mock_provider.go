package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of monitor.BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// Put records the call and returns the configured error.
func (m *MockBlobStore) Put(ctx context.Context, bucket, key, contentType string, data []byte) error {
	args := m.Called(ctx, bucket, key, contentType, data)
	return args.Error(0) //nolint:wrapcheck
}

// Get records the call and returns the configured payload.
func (m *MockBlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	args := m.Called(ctx, bucket, key)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1) //nolint:wrapcheck
}

// List records the call and returns the configured keys.
func (m *MockBlobStore) List(ctx context.Context, bucket string) ([]string, error) {
	args := m.Called(ctx, bucket)
	keys, _ := args.Get(0).([]string)
	return keys, args.Error(1) //nolint:wrapcheck
}

// EnsureBucket records the call and returns the configured error.
func (m *MockBlobStore) EnsureBucket(ctx context.Context, bucket string) error {
	args := m.Called(ctx, bucket)
	return args.Error(0) //nolint:wrapcheck
}
