package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	if err := store.Put(context.Background(), "htmls", "r_1.html", "text/html", payload); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	payload[0] = 'C'
	got, err := store.Get(context.Background(), "htmls", "r_1.html")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", got)
	}
	got[0] = 'X'
	again, _ := store.Get(context.Background(), "htmls", "r_1.html")
	if string(again) != "content" {
		t.Fatalf("expected Get to return a copy, got %q", again)
	}
}

func TestBlobStoreGetMissing(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.Get(context.Background(), "images", "x.png"); !errors.Is(err, monitor.ErrBucketNotFound) {
		t.Fatalf("expected ErrBucketNotFound, got %v", err)
	}
	if err := store.EnsureBucket(context.Background(), "images"); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "images", "x.png"); !errors.Is(err, monitor.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestBlobStoreListSortedAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, key := range []string{"b_2.png", "a_1.png", "b_1.png"} {
		if err := store.Put(ctx, "images", key, "image/png", []byte{1}); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}
	keys, err := store.List(ctx, "images")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 3 || keys[0] != "a_1.png" || keys[2] != "b_2.png" {
		t.Fatalf("unexpected keys %v", keys)
	}
	store.Delete("images", "a_1.png")
	keys, _ = store.List(ctx, "images")
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys after delete, got %v", keys)
	}
	empty, err := store.List(ctx, "unknown")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty listing for unknown bucket, got %v err=%v", empty, err)
	}
	if err := store.EnsureBucket(ctx, " "); err == nil {
		t.Fatal("expected error for blank bucket name")
	}
}
