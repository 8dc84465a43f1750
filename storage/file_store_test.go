package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/sssrecovery/internal/types"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "store")
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = fs.Get(ctx, "sss_0x01")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, fs.Set(ctx, "sss_0x01", []byte("one")))
	require.NoError(t, fs.Set(ctx, "sss_0x01", []byte("two")))
	got, err := fs.Get(ctx, "sss_0x01")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	info, err := os.Stat(filepath.Join(dir, "sss_0x01"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, fs.Delete(ctx, "sss_0x01"))
	_, err = fs.Get(ctx, "sss_0x01")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NoError(t, fs.Delete(ctx, "sss_0x01"))
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"../escape", "a/b", "..", ""} {
		assert.Error(t, fs.Set(context.Background(), key, []byte("x")), key)
	}
}

func TestFileStoreCancelled(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, fs.Set(ctx, "k", []byte("v")), context.Canceled)
}
