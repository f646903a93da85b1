// Package chunk implements the chunked-upload assembler. Parts arrive in any
// order and are persisted to a scratch directory under deterministic names
// (`<file_id>_<chunk_number>`); when every numbered part is present the blob
// is assembled, checked against the latest stored version, and either
// discarded as a duplicate or saved as the next version. Retrying a part is
// idempotent: last writer wins per part, which is safe because parts are
// addressed by number.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/syncbox/internal/catalog"
	"github.com/tonimelisma/syncbox/internal/meta"
	"github.com/tonimelisma/syncbox/pkg/contenthash"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrCorrupt = errors.New("chunk: corrupt or empty part")
	ErrBadPart = errors.New("chunk: part fields out of range")
)

// Part is one numbered piece of a chunked upload.
type Part struct {
	FileID       string
	ChunkNumber  int // 1-based
	TotalChunks  int
	FileName     string
	ClientID     string
	LastModified int64 // Unix milliseconds, source file mtime
	Data         []byte
}

// Result reports what happened to the upload after a part landed.
type Result struct {
	Complete   bool         // all parts received and the file was materialized
	Duplicate  bool         // assembled bytes matched the latest version; nothing created
	Conflicted bool         // the metadata fallback fired; the blob became a conflict copy
	Record     *meta.Record // set when Complete (new version, conflict copy, or existing latest)
	Conflict   *meta.Conflict
	Received   int
	Total      int
}

// Assembler persists parts and materializes completed uploads.
type Assembler struct {
	scratchDir string
	catalog    *catalog.Catalog
	logger     *slog.Logger
}

// New creates an Assembler with scratch storage at scratchDir.
func New(scratchDir string, cat *catalog.Catalog, logger *slog.Logger) (*Assembler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("chunk: creating scratch dir %s: %w", scratchDir, err)
	}

	return &Assembler{
		scratchDir: scratchDir,
		catalog:    cat,
		logger:     logger,
	}, nil
}

// AddPart persists one part and, if it completes the set, assembles and
// materializes the file.
func (a *Assembler) AddPart(p *Part) (*Result, error) {
	if err := validatePart(p); err != nil {
		return nil, err
	}

	if len(p.Data) == 0 {
		return nil, fmt.Errorf("chunk: part %d of %s is empty: %w", p.ChunkNumber, p.FileID, ErrCorrupt)
	}

	if err := os.WriteFile(a.partPath(p.FileID, p.ChunkNumber), p.Data, 0o644); err != nil {
		return nil, fmt.Errorf("chunk: writing part %d of %s: %w", p.ChunkNumber, p.FileID, err)
	}

	received, err := a.countParts(p.FileID)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("chunk received",
		slog.String("file_id", p.FileID),
		slog.String("name", p.FileName),
		slog.Int("chunk", p.ChunkNumber),
		slog.Int("received", received),
		slog.Int("total", p.TotalChunks),
	)

	if received < p.TotalChunks {
		return &Result{Received: received, Total: p.TotalChunks}, nil
	}

	return a.assemble(p)
}

// assemble joins all parts in numeric order, deduplicates against the latest
// stored version, and saves a new version otherwise. Scratch parts are
// scrubbed on every exit path that consumed them.
func (a *Assembler) assemble(p *Part) (*Result, error) {
	var buf bytes.Buffer

	for n := 1; n <= p.TotalChunks; n++ {
		data, err := os.ReadFile(a.partPath(p.FileID, n))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("chunk: assembling %s: part %d missing: %w", p.FileID, n, ErrCorrupt)
			}

			return nil, fmt.Errorf("chunk: reading part %d of %s: %w", n, p.FileID, err)
		}

		if len(data) == 0 {
			return nil, fmt.Errorf("chunk: assembling %s: part %d empty: %w", p.FileID, n, ErrCorrupt)
		}

		buf.Write(data)
	}

	blob := buf.Bytes()
	checksum := contenthash.Sum(blob)

	latestChecksum, err := a.catalog.LatestChecksum(p.FileName)
	if err != nil {
		return nil, err
	}

	if latestChecksum == checksum {
		// Identical content already stored — discard without a new version.
		a.scrub(p.FileID)

		latest, latestErr := a.catalog.Records.GetLatest(p.FileName)
		if latestErr != nil {
			return nil, latestErr
		}

		a.logger.Info("chunked upload is duplicate of latest version",
			slog.String("name", p.FileName),
			slog.Int("version", latest.Version),
		)

		return &Result{
			Complete:  true,
			Duplicate: true,
			Record:    latest,
			Received:  p.TotalChunks,
			Total:     p.TotalChunks,
		}, nil
	}

	// Threshold fallback: a near-simultaneous upload by another client may
	// already be the latest version. The chunk path has no sliding window,
	// so metadata comparison is the only detection here.
	probe := &meta.Record{
		FileName:     p.FileName,
		ClientID:     p.ClientID,
		Checksum:     checksum,
		LastModified: p.LastModified,
	}

	conflict, err := a.catalog.Records.DetectConflict(probe)
	if err != nil {
		return nil, err
	}

	if conflict != nil {
		return a.materializeConflict(p, blob, conflict)
	}

	record, err := a.catalog.SaveVersion(p.FileName, blob, p.ClientID, p.LastModified, &catalog.SaveOpts{
		FileID: p.FileID,
	})
	if err != nil {
		return nil, err
	}

	a.scrub(p.FileID)

	a.logger.Info("chunked upload assembled",
		slog.String("name", p.FileName),
		slog.String("file_id", p.FileID),
		slog.Int("version", record.Version),
		slog.Int64("size", record.Size),
	)

	return &Result{
		Complete: true,
		Record:   record,
		Received: p.TotalChunks,
		Total:    p.TotalChunks,
	}, nil
}

// materializeConflict diverts a conflicting chunked upload into its
// per-client conflict copy and records the conflict document.
func (a *Assembler) materializeConflict(p *Part, blob []byte, conflict *meta.Conflict) (*Result, error) {
	copyName := meta.ConflictCopyName(p.FileName, p.ClientID)

	record, err := a.catalog.SaveVersion(copyName, blob, p.ClientID, p.LastModified, &catalog.SaveOpts{
		FileID:         p.FileID,
		Conflict:       true,
		ConflictedWith: p.FileName,
	})
	if err != nil {
		return nil, err
	}

	conflict.Losers = []meta.Loser{{Record: *record, ConflictFileName: copyName}}

	if err := a.catalog.Records.SaveConflict(conflict); err != nil {
		return nil, err
	}

	a.scrub(p.FileID)

	a.logger.Warn("chunked upload conflicted with latest version",
		slog.String("name", p.FileName),
		slog.String("conflict_id", conflict.ID),
		slog.String("conflict_copy", copyName),
	)

	return &Result{
		Complete:   true,
		Conflicted: true,
		Record:     record,
		Conflict:   conflict,
		Received:   p.TotalChunks,
		Total:      p.TotalChunks,
	}, nil
}

// scrub removes every scratch part for fileID. Best-effort: a leftover part
// is re-scrubbed by the next completed upload with the same file_id or by
// operator cleanup.
func (a *Assembler) scrub(fileID string) {
	entries, err := os.ReadDir(a.scratchDir)
	if err != nil {
		a.logger.Warn("scratch scrub failed", slog.String("error", err.Error()))
		return
	}

	prefix := fileID + "_"

	for _, e := range entries {
		if len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			if rmErr := os.Remove(filepath.Join(a.scratchDir, e.Name())); rmErr != nil {
				a.logger.Warn("removing scratch part failed",
					slog.String("part", e.Name()),
					slog.String("error", rmErr.Error()),
				)
			}
		}
	}
}

// countParts counts persisted parts for fileID.
func (a *Assembler) countParts(fileID string) (int, error) {
	entries, err := os.ReadDir(a.scratchDir)
	if err != nil {
		return 0, fmt.Errorf("chunk: listing scratch dir: %w", err)
	}

	prefix := fileID + "_"
	count := 0

	for _, e := range entries {
		if len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			count++
		}
	}

	return count, nil
}

func (a *Assembler) partPath(fileID string, n int) string {
	return filepath.Join(a.scratchDir, fmt.Sprintf("%s_%d", fileID, n))
}

// validatePart checks the structural fields of a part.
func validatePart(p *Part) error {
	if p.FileID == "" || p.FileName == "" {
		return fmt.Errorf("chunk: missing file_id or file_name: %w", ErrBadPart)
	}

	if p.TotalChunks < 1 {
		return fmt.Errorf("chunk: total_chunks %d: %w", p.TotalChunks, ErrBadPart)
	}

	if p.ChunkNumber < 1 || p.ChunkNumber > p.TotalChunks {
		return fmt.Errorf("chunk: chunk_number %d of %d: %w", p.ChunkNumber, p.TotalChunks, ErrBadPart)
	}

	return nil
}
