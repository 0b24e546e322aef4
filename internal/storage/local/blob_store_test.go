// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp(t.TempDir(), "testfile")
		require.NoError(t, err)
		require.NoError(t, tempFile.Close())

		_, err = local.New(local.Config{BaseDir: tempFile.Name()})
		assert.Error(t, err)
	})
}

func TestPutGetList(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, store.EnsureBucket(ctx, monitor.BucketHTMLs))
		require.NoError(t, store.Put(ctx, monitor.BucketHTMLs, "r_1.html", "text/html", []byte("hello")))

		// #nosec G304 -- test reads from the controlled temp directory.
		onDisk, err := os.ReadFile(filepath.Join(tempDir, monitor.BucketHTMLs, "r_1.html"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), onDisk)

		got, err := store.Get(ctx, monitor.BucketHTMLs, "r_1.html")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	})

	t.Run("ListSkipsTempFiles", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, monitor.BucketImages, "r_2.png", "image/png", []byte{1}))
		require.NoError(t, store.Put(ctx, monitor.BucketImages, "r_1.png", "image/png", []byte{1}))
		require.NoError(t, os.WriteFile(filepath.Join(tempDir, monitor.BucketImages, ".upload-123"), []byte{0}, 0o600))

		keys, err := store.List(ctx, monitor.BucketImages)
		require.NoError(t, err)
		assert.Equal(t, []string{"r_1.png", "r_2.png"}, keys)
	})

	t.Run("MissingBucketListsEmpty", func(t *testing.T) {
		keys, err := store.List(ctx, "absent")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := store.Get(ctx, monitor.BucketHTMLs, "nope.html")
		assert.ErrorIs(t, err, monitor.ErrBlobNotFound)
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		assert.Error(t, store.Put(ctx, monitor.BucketHTMLs, "../escape.html", "text/html", []byte("x")))
		assert.Error(t, store.Put(ctx, "..", "escape.html", "text/html", []byte("x")))
		assert.Error(t, store.Put(ctx, monitor.BucketHTMLs, "", "text/html", []byte("x")))
		_, err := store.Get(ctx, monitor.BucketHTMLs, "a/b")
		assert.Error(t, err)
	})
}
