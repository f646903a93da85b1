package syncer

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/syncbox/internal/transport"
	"github.com/tonimelisma/syncbox/pkg/contenthash"
)

// localFile is one scanned entry of the sync folder.
type localFile struct {
	name  string
	path  string
	size  int64
	mtime time.Time
}

// tick runs one reconcile cycle, logging the report.
func (e *Engine) tick(ctx context.Context) {
	report, err := e.Reconcile(ctx)
	if err != nil {
		e.logger.Warn("reconcile cycle failed", slog.String("error", err.Error()))
		return
	}

	if report != nil && (report.Uploaded+report.Downloaded+report.Deleted+report.Conflicts+report.Renamed) > 0 {
		e.logger.Info("reconcile cycle complete",
			slog.Int("uploaded", report.Uploaded),
			slog.Int("downloaded", report.Downloaded),
			slog.Int("deleted", report.Deleted),
			slog.Int("conflicts", report.Conflicts),
			slog.Int("renamed", report.Renamed),
			slog.Duration("duration", report.Duration),
		)
	}
}

// Reconcile performs one full cycle: health probe, offline queue flush,
// rename detection, pending deletions, server-to-local, local-to-server,
// and temp cleanup. Returns nil without error when the server is offline.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	start := e.now()

	wasOnline := e.serverOnline
	e.serverOnline = e.api.Health(ctx) == nil

	switch {
	case !e.serverOnline && wasOnline:
		e.logger.Warn("server went offline; queueing local changes")
		return nil, nil

	case !e.serverOnline:
		return nil, nil

	case !wasOnline:
		e.logger.Info("server back online; flushing offline queue")

		if err := e.flushOfflineQueue(ctx); err != nil {
			e.logger.Warn("offline queue flush failed", slog.String("error", err.Error()))
		}
	}

	report := &Report{}
	e.cycleConflicts = 0

	e.expireSuppressions()

	serverFiles, err := e.api.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	localFiles, err := e.scanLocal()
	if err != nil {
		return nil, err
	}

	serverByName := make(map[string]transport.FileInfo, len(serverFiles))
	for _, f := range serverFiles {
		serverByName[f.Name] = f
	}

	localByName := make(map[string]localFile, len(localFiles))
	for _, f := range localFiles {
		localByName[f.name] = f
	}

	// Renames are matched first: a detected rename consumes both the
	// pending deletion of the old name and the would-be upload of the new
	// one, so the later passes must see the pair as already reconciled.
	e.detectRenames(ctx, localByName, serverByName, report)
	e.flushPendingDeletions(ctx, report)
	e.syncServerToLocal(ctx, serverByName, localByName, report)
	e.syncLocalToServer(ctx, localFiles, serverByName, report)
	e.cleanupTempFiles()

	e.isFirstSync = false
	report.Conflicts = e.cycleConflicts
	report.Duration = e.now().Sub(start)

	return report, nil
}

// expireSuppressions drops suppression entries past their windows.
func (e *Engine) expireSuppressions() {
	now := e.now()

	for name, at := range e.recentlyDeleted {
		if now.Sub(at) > recentDeleteWindow {
			delete(e.recentlyDeleted, name)
		}
	}

	for name, rec := range e.recentlyUploaded {
		if now.Sub(rec.at) > recentUploadWindow {
			delete(e.recentlyUploaded, name)
		}
	}
}

// flushOfflineQueue replays queued changes in FIFO order, renames first so
// subsequent adds and deletes target the right names.
func (e *Engine) flushOfflineQueue(ctx context.Context) error {
	events, err := e.ledger.PendingEvents(ctx)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	e.logger.Info("replaying offline queue", slog.Int("events", len(events)))

	replay := func(ev *QueuedEvent) {
		switch ev.Kind {
		case "rename":
			if renameErr := e.api.Rename(ctx, ev.OldName, ev.Name); renameErr != nil {
				e.logger.Warn("replaying rename failed",
					slog.String("old", ev.OldName),
					slog.String("new", ev.Name),
					slog.String("error", renameErr.Error()),
				)
			}

		case "add", "change":
			e.uploadFile(ctx, ev.Name)

		case "delete":
			e.pendingDeletions[ev.Name] = true
		}

		if removeErr := e.ledger.RemoveEvent(ctx, ev.ID); removeErr != nil {
			e.logger.Warn("removing replayed queue row failed",
				slog.String("error", removeErr.Error()),
			)
		}
	}

	for i := range events {
		if events[i].Kind == "rename" {
			replay(&events[i])
		}
	}

	for i := range events {
		if events[i].Kind == "add" || events[i].Kind == "change" {
			replay(&events[i])
		}
	}

	for i := range events {
		if events[i].Kind == "delete" {
			replay(&events[i])
		}
	}

	return nil
}

// flushPendingDeletions issues queued DELETEs against the server.
func (e *Engine) flushPendingDeletions(ctx context.Context, report *Report) {
	for name := range e.pendingDeletions {
		if e.dryRun {
			e.logger.Info("dry-run: would delete on server", slog.String("name", name))
			delete(e.pendingDeletions, name)

			continue
		}

		err := e.api.Delete(ctx, name)
		if err != nil && !errors.Is(err, transport.ErrNotFound) {
			e.logger.Warn("server delete failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)

			continue
		}

		e.recentlyDeleted[name] = e.now()
		delete(e.pendingDeletions, name)

		if delErr := e.ledger.DeleteStatus(ctx, name); delErr != nil {
			e.logger.Debug("deleting status row failed", slog.String("error", delErr.Error()))
		}

		report.Deleted++

		e.logger.Info("deleted on server", slog.String("name", name))
	}
}

// syncServerToLocal downloads new or newer server files.
func (e *Engine) syncServerToLocal(
	ctx context.Context, serverByName map[string]transport.FileInfo, localByName map[string]localFile, report *Report,
) {
	for _, sf := range serverByName {
		if _, deleted := e.recentlyDeleted[sf.Name]; deleted {
			continue
		}

		if rec, ok := e.recentlyUploaded[sf.Name]; ok && e.now().Sub(rec.at) < reuploadSuppress {
			continue
		}

		lf, exists := localByName[sf.Name]
		if !exists {
			e.download(ctx, &sf, report)
			continue
		}

		e.syncExisting(ctx, &sf, &lf, report)
	}
}

// syncExisting decides the direction for a file present on both sides:
// ledger version first, then checksum with mtime as tie-breaker.
func (e *Engine) syncExisting(ctx context.Context, sf *transport.FileInfo, lf *localFile, report *Report) {
	known, err := e.ledger.GetStatus(ctx, sf.Name)
	if err != nil {
		e.logger.Debug("reading status row failed", slog.String("error", err.Error()))
	}

	// Version comparison: the server moved past what this client last
	// synced, and the local file is unchanged since then — download.
	if known != nil && sf.Version > known.Version {
		localHash, _, hashErr := contenthash.SumFile(lf.path)
		if hashErr == nil && localHash == known.Checksum {
			e.download(ctx, sf, report)
			return
		}
	}

	// Checksum comparison against the freshly computed local hash.
	localHash, _, err := contenthash.SumFile(lf.path)
	if err != nil {
		e.logger.Warn("hashing local file failed",
			slog.String("name", sf.Name),
			slog.String("error", err.Error()),
		)

		return
	}

	if known != nil && known.Checksum != "" && localHash == known.Checksum && sf.Version == known.Version {
		// In agreement with the last synced state; nothing to do.
		return
	}

	// Content differs somewhere. Let the modification times pick a
	// direction, with tolerance for filesystem timestamp granularity.
	serverMtime := time.UnixMilli(sf.LastModified)
	diff := lf.mtime.Sub(serverMtime)

	switch {
	case diff > mtimeTolerance:
		e.uploadFile(ctx, sf.Name)
		report.Uploaded++

	case diff < -mtimeTolerance:
		e.download(ctx, sf, report)

	default:
		// Within tolerance: only act when the bytes actually differ from
		// what we believe the server holds.
		if known == nil || localHash != known.Checksum {
			e.uploadFile(ctx, sf.Name)
			report.Uploaded++
		}
	}
}

// download wraps downloadFile with reporting and status bookkeeping.
func (e *Engine) download(ctx context.Context, sf *transport.FileInfo, report *Report) {
	if e.dryRun {
		e.logger.Info("dry-run: would download", slog.String("name", sf.Name))
		return
	}

	checksum, err := e.downloadFile(ctx, sf.Name, sf.LastModified)
	if err != nil {
		e.logger.Warn("download failed",
			slog.String("name", sf.Name),
			slog.String("error", err.Error()),
		)

		return
	}

	e.saveStatus(ctx, &FileStatus{
		Name:         sf.Name,
		Status:       statusSynced,
		Version:      sf.Version,
		Checksum:     checksum,
		LastModified: sf.LastModified,
	})

	report.Downloaded++
}

// syncLocalToServer uploads new local files, or removes stale local files
// that the server no longer lists.
func (e *Engine) syncLocalToServer(
	ctx context.Context, localFiles []localFile, serverByName map[string]transport.FileInfo, report *Report,
) {
	for _, lf := range localFiles {
		if _, onServer := serverByName[lf.name]; onServer {
			continue
		}

		if e.pendingDeletions[lf.name] {
			continue
		}

		if _, deleted := e.recentlyDeleted[lf.name]; deleted {
			continue
		}

		age := e.now().Sub(lf.mtime)

		if e.isFirstSync || age < newFileGrace {
			if e.dryRun {
				e.logger.Info("dry-run: would upload", slog.String("name", lf.name))
				continue
			}

			e.uploadFile(ctx, lf.name)
			report.Uploaded++

			continue
		}

		// Not on the server and not fresh: another client deleted it.
		// Server-side deletion is authoritative for stale files.
		if e.dryRun {
			e.logger.Info("dry-run: would remove locally", slog.String("name", lf.name))
			continue
		}

		if err := os.Remove(lf.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("removing locally-deleted file failed",
				slog.String("name", lf.name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if delErr := e.ledger.DeleteStatus(ctx, lf.name); delErr != nil {
			e.logger.Debug("deleting status row failed", slog.String("error", delErr.Error()))
		}

		report.Deleted++

		e.logger.Info("removed locally (deleted on server)", slog.String("name", lf.name))
	}
}

// detectRenames matches unpaired local and server files by equal size and
// close modification times, treating the pair as a rename performed
// locally.
func (e *Engine) detectRenames(
	ctx context.Context, localByName map[string]localFile, serverByName map[string]transport.FileInfo, report *Report,
) {
	for localName, lf := range localByName {
		if _, matched := serverByName[localName]; matched {
			continue
		}

		for serverName, sf := range serverByName {
			if _, matched := localByName[serverName]; matched {
				continue
			}

			if sf.Size != lf.size {
				continue
			}

			mtimeDiff := lf.mtime.Sub(time.UnixMilli(sf.LastModified))
			if mtimeDiff < 0 {
				mtimeDiff = -mtimeDiff
			}

			if mtimeDiff >= renameMtimeWindow {
				continue
			}

			if e.dryRun {
				e.logger.Info("dry-run: would rename on server",
					slog.String("old", serverName),
					slog.String("new", localName),
				)

				break
			}

			if err := e.api.Rename(ctx, serverName, localName); err != nil {
				e.logger.Warn("server rename failed",
					slog.String("old", serverName),
					slog.String("new", localName),
					slog.String("error", err.Error()),
				)

				break
			}

			if renameErr := e.ledger.RenameStatus(ctx, serverName, localName); renameErr != nil {
				e.logger.Debug("renaming status row failed", slog.String("error", renameErr.Error()))
			}

			// The rename consumed both sides of the pair: the old name's
			// pending deletion and the new name's would-be transfer.
			delete(e.pendingDeletions, serverName)
			e.recentlyUploaded[localName] = uploadRecord{at: e.now(), version: sf.Version}

			renamed := sf
			renamed.Name = localName
			delete(serverByName, serverName)
			serverByName[localName] = renamed

			report.Renamed++

			e.logger.Info("renamed on server",
				slog.String("old", serverName),
				slog.String("new", localName),
			)

			break
		}
	}
}

// cleanupTempFiles sweeps abandoned staging files from interrupted
// downloads.
func (e *Engine) cleanupTempFiles() {
	entries, err := os.ReadDir(e.syncDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), serverTempPrefix) {
			if err := os.Remove(filepath.Join(e.syncDir, entry.Name())); err == nil {
				e.logger.Debug("removed stale temp file", slog.String("name", entry.Name()))
			}
		}
	}
}

// scanLocal lists syncable files in the sync folder (flat namespace).
func (e *Engine) scanLocal() ([]localFile, error) {
	entries, err := os.ReadDir(e.syncDir)
	if err != nil {
		return nil, err
	}

	files := make([]localFile, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := norm.NFC.String(entry.Name())
		if !syncableName(name) {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		files = append(files, localFile{
			name:  name,
			path:  filepath.Join(e.syncDir, entry.Name()),
			size:  info.Size(),
			mtime: info.ModTime(),
		})
	}

	return files, nil
}
