// Package syncer implements the client sync engine: a filesystem watcher,
// a periodic reconciler against the server listing, upload/download
// orchestration with echo suppression, deletion tracking, and an offline
// queue that survives restarts through a SQLite state ledger.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/syncbox/internal/transport"
	"github.com/tonimelisma/syncbox/pkg/contenthash"
)

// Suppression windows. Freshly-synced content must not echo back to the
// server when the watcher sees the engine's own writes, and a deletion must
// not be undone by the next poll downloading the file again.
const (
	recentUploadWindow = 60 * time.Second
	reuploadSuppress   = 30 * time.Second
	recentDeleteWindow = 30 * time.Second
	newFileGrace       = 60 * time.Second
	mtimeTolerance     = 2 * time.Second
	renameMtimeWindow  = 10 * time.Second
)

// conflictSnapshotPrefix names the local content snapshot taken before the
// engine adopts the server's version during conflict handling. The leading
// dot keeps snapshots out of the sync set.
const conflictSnapshotPrefix = ".conflict_local_"

// serverTempPrefix marks partially-downloaded server content; leftovers are
// swept every reconcile tick.
const serverTempPrefix = ".conflict_server_"

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	SyncDir      string
	ClientName   string
	API          *transport.Client
	PollInterval time.Duration
	DBPath       string // state ledger; empty derives <sync dir>/.syncbox.db
	DryRun       bool
	Logger       *slog.Logger
}

// Report summarizes one reconcile cycle.
type Report struct {
	Uploaded   int
	Downloaded int
	Deleted    int
	Conflicts  int
	Renamed    int
	Duration   time.Duration
}

// uploadRecord tracks a completed upload for echo suppression.
type uploadRecord struct {
	at      time.Time
	version int
}

// Engine is the client sync engine. Its state maps are guarded by the event
// loop: Run processes watcher events and reconcile ticks on one goroutine,
// so no mutex is needed for them.
type Engine struct {
	syncDir  string
	clientID string
	poll     time.Duration
	api      *transport.Client
	ledger   *Ledger
	watcher  *Watcher
	dryRun   bool
	logger   *slog.Logger

	pendingUploads   map[string]bool
	pendingDeletions map[string]bool
	recentlyDeleted  map[string]time.Time
	recentlyUploaded map[string]uploadRecord

	serverOnline   bool
	isFirstSync    bool
	cycleConflicts int
	startedAt      time.Time

	// now is the clock. Tests override it to drive suppression windows.
	now func() time.Time
}

// NewEngine creates an Engine, opening the state ledger (which runs
// migrations) and starting the watcher.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.SyncDir == "" {
		return nil, errors.New("syncer: sync dir is required")
	}

	if err := os.MkdirAll(cfg.SyncDir, 0o755); err != nil {
		return nil, fmt.Errorf("syncer: creating sync dir: %w", err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.SyncDir, ".syncbox.db")
	}

	ledger, err := OpenLedger(ctx, dbPath, logger)
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(cfg.SyncDir, logger)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &Engine{
		syncDir:          cfg.SyncDir,
		clientID:         DeriveClientID(cfg.ClientName),
		poll:             poll,
		api:              cfg.API,
		ledger:           ledger,
		watcher:          watcher,
		dryRun:           cfg.DryRun,
		logger:           logger,
		pendingUploads:   make(map[string]bool),
		pendingDeletions: make(map[string]bool),
		recentlyDeleted:  make(map[string]time.Time),
		recentlyUploaded: make(map[string]uploadRecord),
		isFirstSync:      true,
		startedAt:        time.Now(),
		now:              time.Now,
	}, nil
}

// Close releases the watcher and the state ledger.
func (e *Engine) Close() error {
	err := e.watcher.Close()

	if closeErr := e.ledger.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

// ClientID returns the engine's stable client identity.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Pause suspends watcher event delivery; Resume re-enables it.
func (e *Engine) Pause()  { e.watcher.Pause() }
func (e *Engine) Resume() { e.watcher.Resume() }

// Run is the engine's event loop: watcher events plus the reconciler tick,
// until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting",
		slog.String("sync_dir", e.syncDir),
		slog.String("client_id", e.clientID),
		slog.Duration("poll_interval", e.poll),
		slog.Bool("dry_run", e.dryRun),
	)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	// Initial tick so startup does not wait a full poll interval.
	e.tick(ctx)

	for {
		select {
		case ev, ok := <-e.watcher.Events():
			if !ok {
				return errors.New("syncer: watcher closed unexpectedly")
			}

			e.handleWatcherEvent(ctx, &ev)

		case <-ticker.C:
			e.tick(ctx)

		case <-ctx.Done():
			e.logger.Info("sync engine stopped")
			return nil
		}
	}
}

// handleWatcherEvent reacts to one local filesystem change.
func (e *Engine) handleWatcherEvent(ctx context.Context, ev *Event) {
	e.logger.Debug("watcher event",
		slog.String("type", ev.Type),
		slog.String("name", ev.Name),
	)

	switch ev.Type {
	case EventAdd, EventChange:
		if !e.serverOnline {
			e.queueOffline(ctx, ev.Type, ev.Name)
			return
		}

		e.uploadFile(ctx, ev.Name)

	case EventDelete:
		// Never delete at the API from the watcher path; the reconciler
		// flushes pending deletions when the server is reachable.
		e.pendingDeletions[ev.Name] = true

		if !e.serverOnline {
			e.queueOffline(ctx, "delete", ev.Name)
		}
	}
}

// queueOffline persists a change for replay when the server returns.
func (e *Engine) queueOffline(ctx context.Context, kind, name string) {
	if err := e.ledger.Enqueue(ctx, &QueuedEvent{Kind: kind, Name: name}); err != nil {
		e.logger.Error("queueing offline event failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	e.logger.Info("queued offline change",
		slog.String("kind", kind),
		slog.String("name", name),
	)
}

// uploadFile pushes one local file to the server, choosing chunked or safe
// upload by size. A 409 is adopted via handleConflict.
func (e *Engine) uploadFile(ctx context.Context, name string) {
	if e.pendingUploads[name] {
		e.logger.Debug("upload already in flight", slog.String("name", name))
		return
	}

	if rec, ok := e.recentlyUploaded[name]; ok && e.now().Sub(rec.at) < reuploadSuppress {
		e.logger.Debug("suppressing re-upload of freshly-synced file",
			slog.String("name", name),
		)

		return
	}

	path := filepath.Join(e.syncDir, name)

	info, err := os.Stat(path)
	if err != nil {
		e.logger.Warn("stat before upload failed (file may have disappeared)",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	if e.dryRun {
		e.logger.Info("dry-run: would upload",
			slog.String("name", name),
			slog.Int64("size", info.Size()),
		)

		return
	}

	e.pendingUploads[name] = true
	defer delete(e.pendingUploads, name)

	lastModified := info.ModTime().UnixMilli()

	var result *transport.UploadResult

	if info.Size() > transport.ChunkSize {
		f, openErr := os.Open(path)
		if openErr != nil {
			e.logger.Warn("opening file for upload failed",
				slog.String("name", name),
				slog.String("error", openErr.Error()),
			)

			return
		}

		result, err = e.api.UploadChunked(ctx, name, e.clientID, f, info.Size(), lastModified)
		f.Close()
	} else {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			e.logger.Warn("reading file for upload failed",
				slog.String("name", name),
				slog.String("error", readErr.Error()),
			)

			return
		}

		result, err = e.api.UploadSafe(ctx, name, e.clientID, data, lastModified)
	}

	if err != nil {
		var conflictErr *transport.ConflictError
		if errors.As(err, &conflictErr) {
			e.handleConflict(ctx, name, conflictErr)
			return
		}

		e.logger.Warn("upload failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		e.saveStatus(ctx, &FileStatus{Name: name, Status: statusError, LastModified: lastModified})

		return
	}

	e.recentlyUploaded[name] = uploadRecord{at: e.now(), version: result.Version}

	e.saveStatus(ctx, &FileStatus{
		Name:         name,
		Status:       statusSynced,
		Version:      result.Version,
		Checksum:     result.Checksum,
		LastModified: lastModified,
	})

	e.logger.Info("uploaded",
		slog.String("name", name),
		slog.Int("version", result.Version),
		slog.Bool("duplicate", result.Duplicate),
	)
}

// handleConflict adopts the server's state after a 409: snapshot the local
// content, download the server's current version over it, and record the
// conflict for operator attention. No resolution beyond adoption happens
// here.
func (e *Engine) handleConflict(ctx context.Context, name string, conflictErr *transport.ConflictError) {
	e.cycleConflicts++

	e.logger.Warn("upload conflicted",
		slog.String("name", name),
		slog.String("conflict_id", conflictErr.ConflictID),
		slog.String("winner", conflictErr.WinnerClientID),
		slog.String("conflict_copy", conflictErr.ConflictFileName),
	)

	e.saveStatus(ctx, &FileStatus{
		Name:       name,
		Status:     statusConflict,
		ConflictID: conflictErr.ConflictID,
	})

	// Snapshot local bytes before any overwrite. The server already holds
	// them as the conflict copy, but a local snapshot survives even if the
	// next download fails halfway.
	localPath := filepath.Join(e.syncDir, name)

	if data, err := os.ReadFile(localPath); err == nil {
		snapshot := filepath.Join(e.syncDir, conflictSnapshotPrefix+name)
		if writeErr := os.WriteFile(snapshot, data, 0o644); writeErr != nil {
			e.logger.Warn("writing conflict snapshot failed",
				slog.String("name", name),
				slog.String("error", writeErr.Error()),
			)
		}
	}

	checksum, err := e.downloadFile(ctx, name, conflictErr.WinnerLastModified)
	if err != nil {
		e.logger.Warn("adopting server version failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	version, err := e.serverVersionOf(ctx, name)
	if err != nil {
		version = 0
	}

	e.saveStatus(ctx, &FileStatus{
		Name:         name,
		Status:       statusSynced,
		Version:      version,
		Checksum:     checksum,
		LastModified: conflictErr.WinnerLastModified,
		ConflictID:   conflictErr.ConflictID,
	})
}

// serverVersionOf fetches the server's latest version number for name.
func (e *Engine) serverVersionOf(ctx context.Context, name string) (int, error) {
	versions, err := e.api.Versions(ctx, name)
	if err != nil || len(versions) == 0 {
		return 0, err
	}

	return versions[0].Version, nil
}

// downloadFile fetches the server's current blob for name into the sync
// folder with the watcher suppressed, adopting the given mtime (zero skips
// the mtime fixup). Writes are staged to a temp name then renamed so a
// crash never leaves a half-written file under the sync name. Returns the
// checksum of the written bytes for ledger bookkeeping.
func (e *Engine) downloadFile(ctx context.Context, name string, serverMtimeMs int64) (string, error) {
	e.watcher.Ignore(name)
	defer e.watcher.Unignore(name)

	data, err := e.api.Download(ctx, name)
	if err != nil {
		return "", err
	}

	target := filepath.Join(e.syncDir, name)
	tmp := filepath.Join(e.syncDir, serverTempPrefix+name)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("syncer: staging download for %s: %w", name, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("syncer: moving download into place for %s: %w", name, err)
	}

	if serverMtimeMs > 0 {
		mtime := time.UnixMilli(serverMtimeMs)
		if err := os.Chtimes(target, mtime, mtime); err != nil {
			e.logger.Debug("setting downloaded mtime failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.Info("downloaded",
		slog.String("name", name),
		slog.Int("size", len(data)),
	)

	return contenthash.Sum(data), nil
}

// saveStatus persists a ledger row, logging rather than failing the cycle
// on error — status is advisory, the filesystem is the source of truth.
func (e *Engine) saveStatus(ctx context.Context, st *FileStatus) {
	if err := e.ledger.SaveStatus(ctx, st); err != nil {
		e.logger.Warn("saving sync status failed",
			slog.String("name", st.Name),
			slog.String("error", err.Error()),
		)
	}
}

// DeriveClientID produces the stable client identity from a user-supplied
// name: lowercase, with anything outside [a-z0-9_-] collapsed to '-'.
// Falls back to the hostname when the name is empty.
func DeriveClientID(name string) string {
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "client"
		}
	}

	var b strings.Builder

	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}

	return b.String()
}
