package syncer

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// debounceWindow coalesces editor write bursts into one event per path.
const debounceWindow = 500 * time.Millisecond

// Event types produced by the watcher.
const (
	EventAdd    = "add"
	EventChange = "change"
	EventDelete = "delete"
)

// Event is one debounced filesystem change inside the sync folder.
type Event struct {
	Type string
	Path string
	Name string
}

// Watcher wraps fsnotify over the sync folder with per-path debouncing,
// per-name suppression (used while a download is writing the file), and a
// global pause switch.
type Watcher struct {
	syncDir string
	fsw     *fsnotify.Watcher
	events  chan Event
	logger  *slog.Logger

	mu      sync.Mutex
	ignored map[string]bool
	paused  bool
	timers  map[string]*time.Timer
	pending map[string]string // path -> latest event type within the window
	closed  bool
}

// NewWatcher creates and starts a Watcher over syncDir.
func NewWatcher(syncDir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("syncer: creating watcher: %w", err)
	}

	if err := fsw.Add(syncDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("syncer: watching %s: %w", syncDir, err)
	}

	w := &Watcher{
		syncDir: syncDir,
		fsw:     fsw,
		events:  make(chan Event, 256),
		logger:  logger,
		ignored: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]string),
	}

	go w.loop()

	return w, nil
}

// Events returns the debounced event stream.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Ignore suppresses events for name until Unignore. Used while the engine
// itself writes the file (download in flight).
func (w *Watcher) Ignore(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ignored[name] = true
}

// Unignore re-enables events for name.
func (w *Watcher) Unignore(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.ignored, name)
}

// Pause suppresses all events until Resume.
func (w *Watcher) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paused = true
}

// Resume re-enables event delivery.
func (w *Watcher) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paused = false
}

// Close stops the watcher and its event stream.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true

	for _, t := range w.timers {
		t.Stop()
	}

	w.mu.Unlock()

	return w.fsw.Close()
}

// loop translates raw fsnotify events into debounced sync events.
func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}

			w.handleRaw(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				close(w.events)
				return
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleRaw classifies one raw event and arms the debounce timer.
func (w *Watcher) handleRaw(ev fsnotify.Event) {
	name := norm.NFC.String(filepath.Base(ev.Name))

	if !syncableName(name) {
		return
	}

	var eventType string

	switch {
	case ev.Op.Has(fsnotify.Create):
		eventType = EventAdd
	case ev.Op.Has(fsnotify.Write):
		eventType = EventChange
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		eventType = EventDelete
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.paused || w.ignored[name] {
		return
	}

	// A delete overrides a pending add/change; otherwise the latest
	// classification wins when the timer fires.
	if prev, ok := w.pending[ev.Name]; !ok || prev != EventDelete {
		w.pending[ev.Name] = eventType
	}

	if t, ok := w.timers[ev.Name]; ok {
		t.Reset(debounceWindow)
		return
	}

	path := ev.Name
	w.timers[path] = time.AfterFunc(debounceWindow, func() { w.fire(path) })
}

// fire emits the debounced event for path.
func (w *Watcher) fire(path string) {
	w.mu.Lock()

	eventType := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)

	name := norm.NFC.String(filepath.Base(path))
	drop := w.closed || w.paused || w.ignored[name]

	w.mu.Unlock()

	if drop || eventType == "" {
		return
	}

	select {
	case w.events <- Event{Type: eventType, Path: path, Name: name}:
	default:
		w.logger.Warn("watcher event dropped due to backpressure",
			slog.String("name", name),
		)
	}
}

// syncableName reports whether a file name participates in sync. Dotfiles,
// partial downloads, editor temporaries, and the client's own state
// database are never synced.
func syncableName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return false
	}

	lower := strings.ToLower(name)

	for _, suffix := range neverSyncSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}

	return true
}

// neverSyncSuffixes lists file extensions that are unsafe to sync: partial
// transfers, editor temps, and SQLite files that corrupt if copied
// mid-transaction.
var neverSyncSuffixes = []string{
	".partial", ".tmp", ".swp", ".crdownload",
	".db", ".db-wal", ".db-shm",
}
