package syncer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()

	dir := t.TempDir()

	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	return w, dir
}

// collect drains events for the given window.
func collect(w *Watcher, window time.Duration) []Event {
	var events []Event

	deadline := time.After(window)

	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return events
			}

			events = append(events, ev)

		case <-deadline:
			return events
		}
	}
}

func TestWatcher_EmitsAddEvent(t *testing.T) {
	w, dir := newTestWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("a"), 0o644))

	events := collect(w, 2*time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, "note.txt", events[0].Name)
}

// A burst of writes within the debounce window coalesces into one event.
func TestWatcher_DebouncesBursts(t *testing.T) {
	w, dir := newTestWatcher(t)

	path := filepath.Join(dir, "burst.txt")

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	events := collect(w, 2*time.Second)

	count := 0
	for _, ev := range events {
		if ev.Name == "burst.txt" {
			count++
		}
	}

	assert.Equal(t, 1, count, "burst should coalesce into one event")
}

func TestWatcher_IgnoredNamesAreSuppressed(t *testing.T) {
	w, dir := newTestWatcher(t)

	w.Ignore("quiet.txt")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "quiet.txt"), []byte("a"), 0o644))

	events := collect(w, time.Second)
	for _, ev := range events {
		assert.NotEqual(t, "quiet.txt", ev.Name)
	}

	// After Unignore, new events flow again.
	w.Unignore("quiet.txt")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "quiet.txt"), []byte("b"), 0o644))

	events = collect(w, 2*time.Second)

	found := false
	for _, ev := range events {
		if ev.Name == "quiet.txt" {
			found = true
		}
	}

	assert.True(t, found)
}

func TestWatcher_PauseSuppressesAll(t *testing.T) {
	w, dir := newTestWatcher(t)

	w.Pause()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "paused.txt"), []byte("a"), 0o644))

	events := collect(w, time.Second)
	assert.Empty(t, events)

	w.Resume()
}

func TestWatcher_NeverSyncNamesFiltered(t *testing.T) {
	w, dir := newTestWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "temp.tmp"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.db"), []byte("a"), 0o644))

	events := collect(w, time.Second)
	assert.Empty(t, events)
}

func TestWatcher_DeleteEvent(t *testing.T) {
	w, dir := newTestWatcher(t)

	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	// Drain the add event first.
	collect(w, time.Second)

	require.NoError(t, os.Remove(path))

	events := collect(w, 2*time.Second)

	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, EventDelete, last.Type)
	assert.Equal(t, "gone.txt", last.Name)
}
