package bridge

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

func TestBlobStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBlobStore(dir)
	require.NoError(t, err)

	id, err := s.Save(strings.NewReader("hello"))
	require.NoError(t, err)
	// the id is the content hash
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", id)

	f, err := s.Open(id)
	require.NoError(t, err)
	defer f.Close()

	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	size, err := s.Size(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	// identical uploads land on the same blob
	again, err := s.Save(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Name())

	// no leftover temp files
	tmps, err := filepath.Glob(filepath.Join(dir, "tmp_*"))
	require.NoError(t, err)
	assert.Empty(t, tmps)
}

func TestBlobStoreSaveEmpty(t *testing.T) {
	s, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save(strings.NewReader(""))
	assert.True(t, errors.ErrInvalidRequest.Is(err))
}

func TestBlobStoreOpenErrors(t *testing.T) {
	s, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	// ids that are not content hashes never touch the filesystem
	for _, id := range []string{"", "abc", "../../etc/passwd", strings.Repeat("z", 64)} {
		_, err = s.Open(id)
		assert.True(t, errors.ErrInvalidRequest.Is(err), id)
	}

	_, err = s.Open(strings.Repeat("ab", 32))
	assert.True(t, errors.ErrNotFound.Is(err))
}

func TestBlobStoreSizeUncached(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBlobStore(dir)
	require.NoError(t, err)

	id, err := s.Save(strings.NewReader("some payload"))
	require.NoError(t, err)

	// a fresh store over the same directory reads sizes from disk
	s2, err := NewBlobStore(dir)
	require.NoError(t, err)

	size, err := s2.Size(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(len("some payload")), size)

	_, err = s2.Size(strings.Repeat("cd", 32))
	assert.True(t, errors.ErrNotFound.Is(err))
}
