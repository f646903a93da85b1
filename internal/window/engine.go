// Package window implements the sliding-window conflict engine used by the
// safe-upload path. The server keeps an in-memory record of very recent
// uploads keyed by file name; when distinct (client, content) pairs from at
// least two different clients land inside the window, each client's newest
// upload takes part and the earliest-modified of those is promoted as
// the next version and every other upload is diverted into a per-client
// conflict copy. The window is per-process — uploads that land on different
// workers are backstopped by the metadata store's threshold fallback.
package window

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/syncbox/internal/catalog"
	"github.com/tonimelisma/syncbox/internal/meta"
)

// Interval is the sliding window duration: uploads older than this no
// longer participate in conflict detection.
const Interval = 10 * time.Second

// ReplayConflictID is returned to a client whose (client, content) set was
// already processed: the conflict exists, nothing new was recorded.
const ReplayConflictID = "already-exists"

// Status classifies the outcome of a safe upload.
type Status int

const (
	// StatusSaved: no conflict, a new version was created.
	StatusSaved Status = iota
	// StatusUpToDate: content already matches the latest version; nothing created.
	StatusUpToDate
	// StatusWinner: a conflict fired and this client's upload won.
	StatusWinner
	// StatusLoser: a conflict fired and this client's upload was diverted
	// into a conflict copy.
	StatusLoser
)

// Upload is one arriving safe upload.
type Upload struct {
	FileName     string
	ClientID     string
	Checksum     string
	LastModified int64 // Unix milliseconds, source file mtime
	Blob         []byte
	FileID       string
}

// Outcome is the engine's decision for one upload.
type Outcome struct {
	Status           Status
	Record           *meta.Record // saved version (Saved/UpToDate/Winner) or the loser's conflict copy record
	ConflictID       string
	ConflictFileName string       // set for losers
	Winner           *meta.Record // set for losers
	Losers           []meta.Loser // set when a conflict fired
}

// entry is one window slot.
type entry struct {
	clientID     string
	checksum     string
	lastModified int64
	blob         []byte
	fileID       string
	arrivedAt    time.Time
}

// Engine holds the per-process window state.
type Engine struct {
	mu        sync.Mutex
	window    map[string][]entry
	processed map[string]string // conflict key -> conflict id
	keyTimes  map[string]time.Time
	catalog   *catalog.Catalog
	logger    *slog.Logger

	// now is the clock. Tests override it to drive the window deterministically.
	now func() time.Time
}

// New creates an Engine over the given catalog.
func New(cat *catalog.Catalog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		window:    make(map[string][]entry),
		processed: make(map[string]string),
		keyTimes:  make(map[string]time.Time),
		catalog:   cat,
		logger:    logger,
		now:       time.Now,
	}
}

// Process runs one safe upload through the window. The engine lock covers
// the whole decision so two requests for the same name in one process are
// serialized; cross-process races fall through to the metadata fallback.
func (e *Engine) Process(up *Upload) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.gc(now)

	// Idempotent upload short-circuit: identical content is acknowledged
	// with the existing version and never enters the window.
	latest, err := e.latest(up.FileName)
	if err != nil {
		return nil, err
	}

	if latest != nil && latest.Checksum == up.Checksum {
		e.logger.Debug("upload already up-to-date",
			slog.String("name", up.FileName),
			slog.Int("version", latest.Version),
		)

		return &Outcome{Status: StatusUpToDate, Record: latest}, nil
	}

	e.window[up.FileName] = append(e.window[up.FileName], entry{
		clientID:     up.ClientID,
		checksum:     up.Checksum,
		lastModified: up.LastModified,
		blob:         up.Blob,
		fileID:       up.FileID,
		arrivedAt:    now,
	})

	candidates := dedupe(e.window[up.FileName])

	// A conflict needs at least two distinct clients: one client editing the
	// same file twice inside the window is ordinary versioning.
	if len(candidates) < 2 || distinctClients(candidates) < 2 {
		return e.processSolo(up, now)
	}

	return e.processConflict(up, collapsePerClient(candidates), now)
}

// collapsePerClient reduces candidates to one entry per client: the most
// recently arrived distinct content. A client that edited twice inside the
// window competes with its newest bytes, not a superseded draft.
func collapsePerClient(entries []entry) []entry {
	latest := make(map[string]int, len(entries))

	for i := range entries {
		prev, ok := latest[entries[i].clientID]
		if !ok || entries[i].arrivedAt.After(entries[prev].arrivedAt) {
			latest[entries[i].clientID] = i
		}
	}

	collapsed := make([]entry, 0, len(latest))

	for i := range entries {
		if latest[entries[i].clientID] == i {
			collapsed = append(collapsed, entries[i])
		}
	}

	return collapsed
}

// distinctClients counts unique client ids among the candidates.
func distinctClients(entries []entry) int {
	seen := make(map[string]bool, len(entries))
	for _, en := range entries {
		seen[en.clientID] = true
	}

	return len(seen)
}

// processSolo handles an upload that is alone in the window. The metadata
// fallback still applies: a near-simultaneous upload that landed on another
// worker (or slid out of this window) is visible through the latest record's
// client, checksum, and modification time.
func (e *Engine) processSolo(up *Upload, now time.Time) (*Outcome, error) {
	probe := &meta.Record{
		FileName:     up.FileName,
		ClientID:     up.ClientID,
		Checksum:     up.Checksum,
		LastModified: up.LastModified,
	}

	fallback, err := e.catalog.Records.DetectConflict(probe)
	if err != nil {
		return nil, err
	}

	if fallback != nil {
		return e.processFallback(up, fallback, now)
	}

	record, err := e.catalog.SaveVersion(up.FileName, up.Blob, up.ClientID, up.LastModified, &catalog.SaveOpts{
		FileID: up.FileID,
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{Status: StatusSaved, Record: record}, nil
}

// processFallback materializes a conflict detected by metadata comparison:
// the already-stored latest version stays the winner, the incoming upload
// becomes a conflict copy. Deduplicated through the same processed-key map
// as window conflicts so a retried loser never double-records.
func (e *Engine) processFallback(up *Upload, fallback *meta.Conflict, now time.Time) (*Outcome, error) {
	key := pairsKey([]string{
		pairOf(fallback.Winner.ClientID, fallback.Winner.Checksum),
		pairOf(up.ClientID, up.Checksum),
	})

	if conflictID, ok := e.processed[key]; ok {
		return e.replayOutcome(up, conflictID)
	}

	copyName := meta.ConflictCopyName(up.FileName, up.ClientID)

	record, err := e.catalog.SaveVersion(copyName, up.Blob, up.ClientID, up.LastModified, &catalog.SaveOpts{
		FileID:         up.FileID,
		Conflict:       true,
		ConflictedWith: up.FileName,
	})
	if err != nil {
		return nil, err
	}

	fallback.Losers = []meta.Loser{{Record: *record, ConflictFileName: copyName}}
	fallback.Timestamp = now.UTC()

	if err := e.catalog.Records.SaveConflict(fallback); err != nil {
		return nil, err
	}

	e.processed[key] = fallback.ID
	e.keyTimes[key] = now

	e.logger.Warn("conflict detected by metadata fallback",
		slog.String("name", up.FileName),
		slog.String("conflict_id", fallback.ID),
		slog.String("loser", up.ClientID),
	)

	return &Outcome{
		Status:           StatusLoser,
		Record:           record,
		ConflictID:       fallback.ID,
		ConflictFileName: copyName,
		Winner:           &fallback.Winner,
		Losers:           fallback.Losers,
	}, nil
}

// processConflict materializes winner and losers for a multi-client window.
func (e *Engine) processConflict(up *Upload, candidates []entry, now time.Time) (*Outcome, error) {
	key := conflictKey(candidates)

	if conflictID, ok := e.processed[key]; ok {
		return e.replayOutcome(up, conflictID)
	}

	// Earliest source modification wins.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastModified < candidates[j].lastModified
	})

	winner := candidates[0]
	losers := candidates[1:]

	winnerRecord, err := e.materializeWinner(up.FileName, winner)
	if err != nil {
		return nil, err
	}

	loserRecords := make([]meta.Loser, 0, len(losers))
	clients := []string{winner.clientID}

	for _, l := range losers {
		conflictName := meta.ConflictCopyName(up.FileName, l.clientID)

		record, saveErr := e.catalog.SaveVersion(conflictName, l.blob, l.clientID, l.lastModified, &catalog.SaveOpts{
			FileID:         l.fileID,
			Conflict:       true,
			ConflictedWith: up.FileName,
		})
		if saveErr != nil {
			return nil, saveErr
		}

		loserRecords = append(loserRecords, meta.Loser{Record: *record, ConflictFileName: conflictName})
		clients = append(clients, l.clientID)
	}

	conflict := &meta.Conflict{
		ID:           meta.NewFileID(),
		FileName:     up.FileName,
		Reason:       "multiple clients modified the file within the sync window",
		ConflictType: meta.TypeMultiClientConcurrentModification,
		Winner:       *winnerRecord,
		Losers:       loserRecords,
		AllClients:   clients,
		Timestamp:    now.UTC(),
		Status:       meta.StatusUnresolved,
	}

	if err := e.catalog.Records.SaveConflict(conflict); err != nil {
		return nil, err
	}

	e.processed[key] = conflict.ID
	e.keyTimes[key] = now

	e.logger.Warn("multi-client conflict detected",
		slog.String("name", up.FileName),
		slog.String("conflict_id", conflict.ID),
		slog.String("winner", winner.clientID),
		slog.Int("losers", len(loserRecords)),
	)

	if up.ClientID == winner.clientID {
		return &Outcome{
			Status:     StatusWinner,
			Record:     winnerRecord,
			ConflictID: conflict.ID,
			Losers:     loserRecords,
		}, nil
	}

	return &Outcome{
		Status:           StatusLoser,
		Record:           findLoserRecord(loserRecords, up.ClientID),
		ConflictID:       conflict.ID,
		ConflictFileName: meta.ConflictCopyName(up.FileName, up.ClientID),
		Winner:           winnerRecord,
		Losers:           loserRecords,
	}, nil
}

// replayOutcome serves a client whose (client, content) set already produced
// a conflict: the same 409 shape, ReplayConflictID, and no new records.
func (e *Engine) replayOutcome(up *Upload, conflictID string) (*Outcome, error) {
	conflict, err := e.catalog.Records.GetConflict(conflictID)
	if err != nil {
		return nil, fmt.Errorf("window: loading processed conflict %s: %w", conflictID, err)
	}

	e.logger.Info("replayed conflicting upload",
		slog.String("name", up.FileName),
		slog.String("client_id", up.ClientID),
		slog.String("conflict_id", conflictID),
	)

	return &Outcome{
		Status:           StatusLoser,
		ConflictID:       ReplayConflictID,
		ConflictFileName: meta.ConflictCopyName(up.FileName, up.ClientID),
		Winner:           &conflict.Winner,
		Losers:           conflict.Losers,
	}, nil
}

// materializeWinner promotes the winning upload, reusing the latest version
// when its content already matches (the winner's own request saved it).
func (e *Engine) materializeWinner(name string, winner entry) (*meta.Record, error) {
	latest, err := e.latest(name)
	if err != nil {
		return nil, err
	}

	if latest != nil && latest.Checksum == winner.checksum {
		return latest, nil
	}

	return e.catalog.SaveVersion(name, winner.blob, winner.clientID, winner.lastModified, &catalog.SaveOpts{
		FileID: winner.fileID,
	})
}

// latest returns the latest record for name, or nil when none exists.
func (e *Engine) latest(name string) (*meta.Record, error) {
	latest, err := e.catalog.Records.GetLatest(name)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return latest, nil
}

// gc drops window entries older than Interval and processed keys older than
// twice the interval (long enough to serve replays, short enough to bound
// memory).
func (e *Engine) gc(now time.Time) {
	for name, entries := range e.window {
		kept := entries[:0]

		for _, en := range entries {
			if now.Sub(en.arrivedAt) <= Interval {
				kept = append(kept, en)
			}
		}

		if len(kept) == 0 {
			delete(e.window, name)
		} else {
			e.window[name] = kept
		}
	}

	for key, t := range e.keyTimes {
		if now.Sub(t) > 2*Interval {
			delete(e.keyTimes, key)
			delete(e.processed, key)
		}
	}
}

// dedupe collapses window entries to unique (client, checksum) pairs,
// keeping the earliest arrival of each.
func dedupe(entries []entry) []entry {
	seen := make(map[string]bool, len(entries))
	unique := make([]entry, 0, len(entries))

	for _, en := range entries {
		k := en.clientID + "\x00" + en.checksum
		if seen[k] {
			continue
		}

		seen[k] = true
		unique = append(unique, en)
	}

	return unique
}

// conflictKey derives a stable identifier for a set of conflicting uploads
// from the sorted (client, checksum) pairs, so a replayed set maps to the
// conflict it already produced.
func conflictKey(entries []entry) string {
	pairs := make([]string, 0, len(entries))

	for _, en := range entries {
		pairs = append(pairs, pairOf(en.clientID, en.checksum))
	}

	return pairsKey(pairs)
}

// pairOf encodes one (client, checksum) pair.
func pairOf(clientID, checksum string) string {
	return clientID + "\x00" + checksum
}

// pairsKey joins sorted pairs into one stable key.
func pairsKey(pairs []string) string {
	sort.Strings(pairs)
	return strings.Join(pairs, "\x01")
}

// findLoserRecord returns the conflict copy record for clientID, or nil.
func findLoserRecord(losers []meta.Loser, clientID string) *meta.Record {
	for i := range losers {
		if losers[i].ClientID == clientID {
			return &losers[i].Record
		}
	}

	return nil
}
