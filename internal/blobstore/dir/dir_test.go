package dir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualrag/internal/blobstore"
)

func TestPutGetExistsList(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	require.NoError(t, err)

	ok, err := b.Exists(ctx, "indexes/current.idx")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Get(ctx, "indexes/current.idx")
	assert.ErrorIs(t, err, blobstore.ErrObjectNotFound)

	require.NoError(t, b.Put(ctx, "indexes/current.idx", []byte("v1")))
	require.NoError(t, b.Put(ctx, "indexes/current.idx", []byte("v2")))
	require.NoError(t, b.Put(ctx, "manuals/a.pdf", []byte("%PDF")))

	data, err := b.Get(ctx, "indexes/current.idx")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	ok, err = b.Exists(ctx, "indexes/current.idx")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := b.List(ctx, "manuals/")
	require.NoError(t, err)
	assert.Equal(t, []string{"manuals/a.pdf"}, keys)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"indexes/current.idx", "manuals/a.pdf"}, all)
}

func TestRejectsKeysOutsideRoot(t *testing.T) {
	root := t.TempDir()
	b, err := New(filepath.Join(root, "bucket"))
	require.NoError(t, err)

	assert.Error(t, b.Put(context.Background(), "../escape", []byte("x")))
	_, err = os.Stat(filepath.Join(root, "escape"))
	assert.True(t, os.IsNotExist(err))
	_, err = b.Get(context.Background(), "")
	assert.Error(t, err)
}
