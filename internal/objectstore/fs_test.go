package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/image-keyring/internal/errs"
)

func TestFSStore_WriteReadDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "images/a.jpg", []byte("first")))
	require.NoError(t, s.Write(ctx, "images/a.jpg", []byte("second")))

	data, err := s.Read(ctx, "images/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	ok, err := s.Exists(ctx, "images/a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "images/a.jpg"))
	require.NoError(t, s.Delete(ctx, "images/a.jpg"), "delete is idempotent")

	ok, err = s.Exists(ctx, "images/a.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Read(ctx, "images/a.jpg")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFSStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "x/y.png", []byte("data")))

	entries, err := os.ReadDir(filepath.Join(root, "x"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "y.png", entries[0].Name())
}

func TestFSStore_RejectsEscapingLocators(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, locator := range []string{"", "/", "../outside", "a/../../b"} {
		err := s.Write(ctx, locator, []byte("x"))
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, "locator %q", locator)
	}

	// Dots inside a name are fine.
	require.NoError(t, s.Write(ctx, "img..v2.jpg", []byte("x")))
}

func TestFSStore_CancelledContext(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Read(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbe(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	assert.NoError(t, Probe{Store: s}.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Probe{Store: s}.Ping(ctx))
}
