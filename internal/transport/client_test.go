package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncbox/internal/config"
	"github.com/tonimelisma/syncbox/internal/server"
)

// newBackend stands up a real server handler over a temp root — the
// transport layer is exercised against the actual wire contract.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	root := t.TempDir()
	cfg.Server.StorageRoot = root
	cfg.Server.FilesDir = filepath.Join(root, "files")
	cfg.Server.VersionsDir = filepath.Join(root, "versions")
	cfg.Server.MetadataDir = filepath.Join(root, "metadata")
	cfg.Server.ChunksDir = filepath.Join(root, "chunks")
	cfg.Server.ConflictsDir = filepath.Join(root, "metadata", "conflicts")

	srv, err := server.New(cfg, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	c := NewClient(baseURL, nil, nil)
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return c
}

func TestHealth(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)

	require.NoError(t, c.Health(context.Background()))
}

func TestHealth_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ts.Close()

	c := newTestClient(t, ts.URL)

	require.Error(t, c.Health(context.Background()))
}

func TestUploadSafe_RoundTrip(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	result, err := c.UploadSafe(ctx, "note.txt", "alice", []byte("a"), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Version)
	assert.False(t, result.Duplicate)

	blob, err := c.Download(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), blob)

	files, err := c.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "note.txt", files[0].Name)
	assert.Equal(t, 1, files[0].Version)
}

func TestUploadSafe_DuplicateDetection(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.UploadSafe(ctx, "note.txt", "alice", []byte("a"), 1000)
	require.NoError(t, err)

	result, err := c.UploadSafe(ctx, "note.txt", "alice", []byte("a"), 2000)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, 1, result.Version)
}

func TestUploadSafe_ConflictSurfaces(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.UploadSafe(ctx, "note.txt", "alice", []byte("A"), 900)
	require.NoError(t, err)

	_, err = c.UploadSafe(ctx, "note.txt", "bob", []byte("B"), 1900)
	require.Error(t, err)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "alice", conflictErr.WinnerClientID)
	assert.Equal(t, "note_conflicted_by_bob.txt", conflictErr.ConflictFileName)
	assert.NotEmpty(t, conflictErr.ConflictID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUploadChunked_MultiPart(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	// Just over one chunk size forces two parts.
	data := bytes.Repeat([]byte{0xAB}, ChunkSize+1000)

	result, err := c.UploadChunked(ctx, "big.bin", "alice", bytes.NewReader(data), int64(len(data)), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Version)

	blob, err := c.Download(ctx, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, data, blob)
}

func TestUploadChunked_SinglePart(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	data := []byte("tiny")

	result, err := c.UploadChunked(ctx, "tiny.bin", "alice", bytes.NewReader(data), int64(len(data)), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Version)

	blob, err := c.Download(ctx, "tiny.bin")
	require.NoError(t, err)
	assert.Equal(t, data, blob)
}

func TestUploadChunked_DuplicateTerminatesEarly(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	data := []byte("identical-bytes")

	_, err := c.UploadSafe(ctx, "dup.bin", "alice", data, 1000)
	require.NoError(t, err)

	result, err := c.UploadChunked(ctx, "dup.bin", "alice", bytes.NewReader(data), int64(len(data)), 2000)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
}

func TestVersionsAndRestore(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.UploadSafe(ctx, "note.txt", "alice", []byte("a"), 1000)
	require.NoError(t, err)
	_, err = c.UploadSafe(ctx, "note.txt", "alice", []byte("ab"), 600_000)
	require.NoError(t, err)

	versions, err := c.Versions(ctx, "note.txt")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)

	blob, err := c.DownloadVersion(ctx, "note.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), blob)

	require.NoError(t, c.Restore(ctx, "note.txt", 1, "alice"))

	blob, err = c.Download(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), blob)
}

func TestRenameAndDelete(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.UploadSafe(ctx, "old.txt", "alice", []byte("a"), 1000)
	require.NoError(t, err)

	require.NoError(t, c.Rename(ctx, "old.txt", "new.txt"))

	_, err = c.Download(ctx, "old.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Delete(ctx, "new.txt"))

	_, err = c.Download(ctx, "new.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConflictsAndResolve(t *testing.T) {
	ts := newBackend(t)
	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.UploadSafe(ctx, "note.txt", "alice", []byte("A"), 900)
	require.NoError(t, err)

	_, err = c.UploadSafe(ctx, "note.txt", "bob", []byte("B"), 1900)
	require.Error(t, err)

	conflicts, err := c.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "unresolved", conflicts[0].Status)

	require.NoError(t, c.ResolveConflict(ctx, conflicts[0].ID, "keep_winner", "alice"))

	conflicts, err = c.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "resolved", conflicts[0].Status)
}

func TestDo_RetriesOn503(t *testing.T) {
	var calls atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true,"files":[]}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)

	files, err := c.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_DoesNotRetry404(t *testing.T) {
	var calls atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)

	_, err := c.Download(context.Background(), "ghost.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}
