package syncer

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncbox/internal/config"
	"github.com/tonimelisma/syncbox/internal/server"
	"github.com/tonimelisma/syncbox/internal/transport"
)

// newBackend stands up a real server over a temp root so the engine is
// exercised against the actual wire contract.
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

func newTestEngine(t *testing.T, serverURL, clientName string) *Engine {
	t.Helper()

	ctx := context.Background()
	dir := t.TempDir()

	e, err := NewEngine(ctx, &EngineConfig{
		SyncDir:      dir,
		ClientName:   clientName,
		API:          transport.NewClient(serverURL, nil, nil),
		PollInterval: time.Second,
		DBPath:       filepath.Join(t.TempDir(), "state.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return e
}

func writeLocal(t *testing.T, e *Engine, name string, data []byte, mtime time.Time) {
	t.Helper()

	path := filepath.Join(e.syncDir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func readLocal(t *testing.T, e *Engine, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(e.syncDir, name))
	require.NoError(t, err)

	return data
}

func TestEngine_UploadThenSecondClientDownloads(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")
	bob := newTestEngine(t, ts.URL, "bob")

	writeLocal(t, alice, "note.txt", []byte("hello"), time.Now())

	report, err := alice.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)

	report, err = bob.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloaded)

	assert.Equal(t, []byte("hello"), readLocal(t, bob, "note.txt"))
}

func TestEngine_DeletionPropagates(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")
	bob := newTestEngine(t, ts.URL, "bob")

	// An old file, well past the new-file grace window.
	old := time.Now().Add(-10 * time.Minute)
	writeLocal(t, alice, "note.txt", []byte("data"), old)

	_, err := alice.Reconcile(ctx)
	require.NoError(t, err)

	_, err = bob.Reconcile(ctx)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(bob.syncDir, "note.txt"))

	// Alice deletes; her reconciler flushes the pending deletion.
	require.NoError(t, os.Remove(filepath.Join(alice.syncDir, "note.txt")))
	alice.pendingDeletions["note.txt"] = true

	report, err := alice.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)

	// Bob's stale local copy goes away because the server listing is
	// authoritative for files older than the grace window.
	report, err = bob.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.NoFileExists(t, filepath.Join(bob.syncDir, "note.txt"))
}

func TestEngine_FreshLocalFileIsUploadedNotRemoved(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")

	// First reconcile marks first-sync done.
	_, err := alice.Reconcile(ctx)
	require.NoError(t, err)

	// A brand-new local file (age < grace) is uploaded even though the
	// server does not list it.
	writeLocal(t, alice, "fresh.txt", []byte("new"), time.Now())

	report, err := alice.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.FileExists(t, filepath.Join(alice.syncDir, "fresh.txt"))
}

func TestEngine_ConflictAdoptsServerState(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	bob := newTestEngine(t, ts.URL, "bob")
	alice := newTestEngine(t, ts.URL, "alice")

	// Bob's version lands first with source mtime T.
	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	writeLocal(t, bob, "doc.txt", []byte("bob-content"), base)
	_, err := bob.Reconcile(ctx)
	require.NoError(t, err)

	// Alice edited "simultaneously" (within the 5 s threshold) with
	// different bytes and a later mtime — she loses.
	writeLocal(t, alice, "doc.txt", []byte("alice-content"), base.Add(time.Second))
	alice.uploadFile(ctx, "doc.txt")

	// Alice's folder now holds the server's (Bob's) content.
	assert.Equal(t, []byte("bob-content"), readLocal(t, alice, "doc.txt"))

	// Her own bytes survive in the local snapshot.
	snapshot := filepath.Join(alice.syncDir, conflictSnapshotPrefix+"doc.txt")
	data, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	assert.Equal(t, []byte("alice-content"), data)

	// The ledger carries the conflict id for operator attention.
	st, err := alice.ledger.GetStatus(ctx, "doc.txt")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NotEmpty(t, st.ConflictID)

	// The server holds Alice's bytes as a conflict copy.
	blob, err := alice.api.Download(ctx, "doc_conflicted_by_alice.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice-content"), blob)
}

func TestEngine_OfflineQueueReplay(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")

	// Simulate observed changes while offline.
	alice.serverOnline = false
	writeLocal(t, alice, "queued.txt", []byte("offline edit"), time.Now())
	alice.handleWatcherEvent(ctx, &Event{Type: EventAdd, Name: "queued.txt"})

	depth, err := alice.ledger.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// The next reconcile sees the server online and flushes the queue.
	_, err = alice.Reconcile(ctx)
	require.NoError(t, err)

	depth, err = alice.ledger.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	blob, err := alice.api.Download(ctx, "queued.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("offline edit"), blob)
}

func TestEngine_RecentUploadSuppressesEcho(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")

	writeLocal(t, alice, "note.txt", []byte("v1"), time.Now())
	_, err := alice.Reconcile(ctx)
	require.NoError(t, err)

	// An immediate re-upload attempt for the same name is refused.
	alice.uploadFile(ctx, "note.txt")

	versions, err := alice.api.Versions(ctx, "note.txt")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestEngine_RenameDetection(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")

	mtime := time.Now().Add(-5 * time.Minute).Truncate(time.Second)
	writeLocal(t, alice, "old.txt", []byte("same-bytes"), mtime)

	_, err := alice.Reconcile(ctx)
	require.NoError(t, err)

	// Local rename: old name gone, new name present with identical size
	// and mtime. The server upload recorded the file's source mtime, so
	// the rename heuristic matches.
	require.NoError(t, os.Rename(
		filepath.Join(alice.syncDir, "old.txt"),
		filepath.Join(alice.syncDir, "new.txt"),
	))
	require.NoError(t, os.Chtimes(filepath.Join(alice.syncDir, "new.txt"), mtime, mtime))
	alice.pendingDeletions["old.txt"] = true

	// Clear the echo suppression left by the initial upload so the rename
	// path is evaluated cleanly.
	delete(alice.recentlyUploaded, "old.txt")

	report, err := alice.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renamed)

	blob, err := alice.api.Download(ctx, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("same-bytes"), blob)

	_, err = alice.api.Download(ctx, "old.txt")
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestEngine_CleanupTempFiles(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")

	stale := filepath.Join(alice.syncDir, serverTempPrefix+"ghost.txt")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	_, err := alice.Reconcile(ctx)
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
}

func TestEngine_DryRunMakesNoChanges(t *testing.T) {
	ts := newBackend(t)
	ctx := context.Background()

	alice := newTestEngine(t, ts.URL, "alice")
	alice.dryRun = true

	writeLocal(t, alice, "note.txt", []byte("data"), time.Now())

	_, err := alice.Reconcile(ctx)
	require.NoError(t, err)

	files, err := alice.api.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDeriveClientID(t *testing.T) {
	assert.Equal(t, "alice", DeriveClientID("alice"))
	assert.Equal(t, "alice-s-laptop", DeriveClientID("Alice's Laptop"))
	assert.NotEmpty(t, DeriveClientID(""))
}

func TestSyncableName(t *testing.T) {
	assert.True(t, syncableName("note.txt"))
	assert.True(t, syncableName("Makefile"))

	for _, bad := range []string{
		"", ".hidden", "~backup", "file.tmp", "file.swp",
		"state.db", "state.db-wal", "download.partial",
	} {
		assert.False(t, syncableName(bad), "name %q", bad)
	}
}
