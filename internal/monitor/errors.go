package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceNotFound is returned by a Registry when the resource row is missing.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrBlobNotFound is returned by a BlobStore when the key is absent.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrBucketNotFound is returned by a BlobStore when the bucket is absent.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrQueueClosed is returned by a Queue after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// FetchError wraps a failed HTML fetch.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RenderError wraps a failed headless screenshot.
type RenderError struct {
	URL  string
	Step string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s (%s): %v", e.URL, e.Step, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// IsCaptureError reports whether err is a transient fetch or render failure.
func IsCaptureError(err error) bool {
	var fetchErr *FetchError
	var renderErr *RenderError
	return errors.As(err, &fetchErr) || errors.As(err, &renderErr)
}
