package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncbox/pkg/contenthash"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	root := t.TempDir()

	s, err := New(filepath.Join(root, "files"), filepath.Join(root, "versions"), nil)
	require.NoError(t, err)

	return s
}

func TestSaveGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Save("note.txt", []byte("a"), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Size)
	assert.Equal(t, contenthash.Sum([]byte("a")), res.Checksum)

	got, err := s.Get("note.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	got, err = s.Get("note.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)
}

func TestSave_CurrentTracksLatest(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("note.txt", []byte("a"), 1)
	require.NoError(t, err)
	_, err = s.Save("note.txt", []byte("ab"), 2)
	require.NoError(t, err)

	current, err := s.Get("note.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), current)

	v1, err := s.Get("note.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v1)
}

func TestSave_VersionCollision(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("note.txt", []byte("a"), 1)
	require.NoError(t, err)

	_, err = s.Save("note.txt", []byte("b"), 1)
	require.ErrorIs(t, err, ErrVersionExists)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing.txt", 0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Save("note.txt", []byte("a"), 1)
	require.NoError(t, err)

	_, err = s.Get("note.txt", 9)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_CurrentKeepsVersions(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("note.txt", []byte("a"), 1)
	require.NoError(t, err)

	require.NoError(t, s.Delete("note.txt", 0, false))

	_, err = s.Get("note.txt", 0)
	require.ErrorIs(t, err, ErrNotFound)

	// History survives a non-cascading delete.
	v1, err := s.Get("note.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v1)
}

func TestDelete_Cascade(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("note.txt", []byte("a"), 1)
	require.NoError(t, err)
	_, err = s.Save("note.txt", []byte("ab"), 2)
	require.NoError(t, err)

	require.NoError(t, s.Delete("note.txt", 0, true))

	versions, err := s.ListVersions("note.txt")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDelete_SingleVersion(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("note.txt", []byte("a"), 1)
	require.NoError(t, err)
	_, err = s.Save("note.txt", []byte("ab"), 2)
	require.NoError(t, err)

	require.NoError(t, s.Delete("note.txt", 1, false))

	versions, err := s.ListVersions("note.txt")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, versions)

	// Current blob is untouched by a version-scoped delete.
	current, err := s.Get("note.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), current)
}

func TestList_SkipsTempFiles(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("b.txt", []byte("b"), 1)
	require.NoError(t, err)
	_, err = s.Save("a.txt", []byte("a"), 1)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.filesDir, tempPrefix+"x"), []byte("junk"), 0o644))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)
}

func TestRename_MovesCurrentAndVersions(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("old.txt", []byte("a"), 1)
	require.NoError(t, err)
	_, err = s.Save("old.txt", []byte("ab"), 2)
	require.NoError(t, err)

	require.NoError(t, s.Rename("old.txt", "new.txt"))

	_, err = s.Get("old.txt", 0)
	require.ErrorIs(t, err, ErrNotFound)

	current, err := s.Get("new.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), current)

	versions, err := s.ListVersions("new.txt")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	oldVersions, err := s.ListVersions("old.txt")
	require.NoError(t, err)
	assert.Empty(t, oldVersions)
}

func TestValidateName(t *testing.T) {
	s := newTestStore(t)

	for _, bad := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.Get(bad, 0)
		require.Error(t, err, "name %q", bad)
	}
}
