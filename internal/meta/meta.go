package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrNotFound        = errors.New("meta: not found")
	ErrMissingFileID   = errors.New("meta: record has no file_id")
	ErrAlreadyResolved = errors.New("meta: conflict already resolved")
)

// legacyIndexName is the monolithic array file written by older deployments.
// It is migrated into per-record documents exactly once, at store creation.
const legacyIndexName = "metadata.json"

// Store is the metadata store. Records live as `<file_id>.json` under
// recordsDir, conflicts as `<id>.json` under conflictsDir.
type Store struct {
	recordsDir   string
	conflictsDir string
	logger       *slog.Logger

	// now is the clock. Tests override it to pin timestamps.
	now func() time.Time
}

// New creates a Store under metadataDir (records in its files/ subdirectory)
// and conflictsDir, running the legacy-index migration if needed.
func New(metadataDir, conflictsDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		recordsDir:   filepath.Join(metadataDir, "files"),
		conflictsDir: conflictsDir,
		logger:       logger,
		now:          time.Now,
	}

	for _, dir := range []string{s.recordsDir, s.conflictsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("meta: creating %s: %w", dir, err)
		}
	}

	if err := s.migrateLegacyIndex(filepath.Join(metadataDir, legacyIndexName)); err != nil {
		return nil, err
	}

	return s, nil
}

// migrateLegacyIndex splits a monolithic record array into per-record files.
// The legacy file is renamed aside afterwards so the migration runs once even
// if several staggered workers race through startup — rename is atomic, and
// the loser of the race simply finds the file gone.
func (s *Store) migrateLegacyIndex(legacyPath string) error {
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("meta: reading legacy index: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("meta: parsing legacy index: %w", err)
	}

	for i := range records {
		if records[i].FileID == "" {
			continue
		}

		if saveErr := s.Save(&records[i]); saveErr != nil {
			return fmt.Errorf("meta: migrating record %s: %w", records[i].FileID, saveErr)
		}
	}

	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("meta: retiring legacy index: %w", err)
	}

	s.logger.Info("legacy metadata index migrated",
		slog.Int("records", len(records)),
	)

	return nil
}

// NewFileID allocates an opaque 16-hex-char upload identifier.
func NewFileID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GetAll returns every version record, by directory scan.
func (s *Store) GetAll() ([]Record, error) {
	entries, err := os.ReadDir(s.recordsDir)
	if err != nil {
		return nil, fmt.Errorf("meta: listing %s: %w", s.recordsDir, err)
	}

	records := make([]Record, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		var r Record
		if readErr := readJSON(filepath.Join(s.recordsDir, e.Name()), &r); readErr != nil {
			// A record mid-write by another worker parses as partial JSON.
			// Skip it; the next scan sees the completed rename.
			s.logger.Warn("skipping unreadable record",
				slog.String("file", e.Name()),
				slog.String("error", readErr.Error()),
			)

			continue
		}

		records = append(records, r)
	}

	return records, nil
}

// Get returns the record with the given file_id.
func (s *Store) Get(fileID string) (*Record, error) {
	var r Record
	if err := readJSON(s.recordPath(fileID), &r); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("meta: record %s: %w", fileID, ErrNotFound)
		}

		return nil, err
	}

	return &r, nil
}

// GetLatest returns the highest-version record for name, or ErrNotFound.
func (s *Store) GetLatest(name string) (*Record, error) {
	versions, err := s.GetAllVersions(name)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("meta: latest of %s: %w", name, ErrNotFound)
	}

	return &versions[len(versions)-1], nil
}

// GetAllVersions returns every record for name, ascending by version.
func (s *Store) GetAllVersions(name string) ([]Record, error) {
	all, err := s.GetAll()
	if err != nil {
		return nil, err
	}

	var matched []Record

	for _, r := range all {
		if r.FileName == name {
			matched = append(matched, r)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Version < matched[j].Version })

	return matched, nil
}

// NextVersion returns latest(name).version + 1, or 1 for an unseen name.
func (s *Store) NextVersion(name string) (int, error) {
	latest, err := s.GetLatest(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 1, nil
		}

		return 0, err
	}

	return latest.Version + 1, nil
}

// Save writes the record document, stamping CreatedAt/UpdatedAt. Idempotent
// by file_id: a re-save replaces the document (same content, same identity).
func (s *Store) Save(r *Record) error {
	if r.FileID == "" {
		return ErrMissingFileID
	}

	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	r.UpdatedAt = now

	if err := writeJSON(s.recordPath(r.FileID), r); err != nil {
		return err
	}

	s.logger.Debug("record saved",
		slog.String("file_id", r.FileID),
		slog.String("name", r.FileName),
		slog.Int("version", r.Version),
	)

	return nil
}

// Delete removes the record with the given file_id.
func (s *Store) Delete(fileID string) error {
	if err := os.Remove(s.recordPath(fileID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("meta: record %s: %w", fileID, ErrNotFound)
		}

		return fmt.Errorf("meta: deleting record %s: %w", fileID, err)
	}

	return nil
}

// DeleteByName removes every record whose file_name matches. Returns the
// number removed; removing zero records is not an error.
func (s *Store) DeleteByName(name string) (int, error) {
	records, err := s.GetAllVersions(name)
	if err != nil {
		return 0, err
	}

	for i := range records {
		if err := s.Delete(records[i].FileID); err != nil && !errors.Is(err, ErrNotFound) {
			return i, err
		}
	}

	return len(records), nil
}

// Rename rewrites every record whose file_name equals oldName.
func (s *Store) Rename(oldName, newName string) error {
	records, err := s.GetAllVersions(oldName)
	if err != nil {
		return err
	}

	for i := range records {
		records[i].FileName = newName
		if err := s.Save(&records[i]); err != nil {
			return fmt.Errorf("meta: renaming record %s: %w", records[i].FileID, err)
		}
	}

	return nil
}

// DetectConflict compares incoming against the latest record for its name
// and returns a populated (unsaved) Conflict when a concurrent modification
// is detected: close modification times, different clients, different
// content. This is the fallback when the sliding-window engine does not
// observe both uploads, e.g. when they land on different workers.
func (s *Store) DetectConflict(incoming *Record) (*Conflict, error) {
	latest, err := s.GetLatest(incoming.FileName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	deltaMs := incoming.LastModified - latest.LastModified
	if deltaMs < 0 {
		deltaMs = -deltaMs
	}

	if deltaMs >= ConflictThreshold.Milliseconds() {
		return nil, nil
	}

	if incoming.ClientID == latest.ClientID {
		return nil, nil
	}

	if incoming.Checksum == latest.Checksum {
		return nil, nil
	}

	return &Conflict{
		ID:           NewFileID(),
		FileName:     incoming.FileName,
		Reason:       "simultaneous modification detected by metadata comparison",
		ConflictType: TypeConcurrentModification,
		Winner:       *latest,
		Losers:       []Loser{{Record: *incoming}},
		AllClients:   []string{latest.ClientID, incoming.ClientID},
		Timestamp:    s.now().UTC(),
		Status:       StatusUnresolved,
	}, nil
}

// SaveConflict writes the conflict document. Idempotent on id: an existing
// document is left untouched so replayed detections never double-record.
func (s *Store) SaveConflict(c *Conflict) error {
	if c.ID == "" {
		return errors.New("meta: conflict has no id")
	}

	path := s.conflictPath(c.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := writeJSON(path, c); err != nil {
		return err
	}

	s.logger.Info("conflict recorded",
		slog.String("id", c.ID),
		slog.String("name", c.FileName),
		slog.Int("losers", len(c.Losers)),
	)

	return nil
}

// GetConflicts returns every conflict document, newest first.
func (s *Store) GetConflicts() ([]Conflict, error) {
	entries, err := os.ReadDir(s.conflictsDir)
	if err != nil {
		return nil, fmt.Errorf("meta: listing %s: %w", s.conflictsDir, err)
	}

	conflicts := make([]Conflict, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		var c Conflict
		if readErr := readJSON(filepath.Join(s.conflictsDir, e.Name()), &c); readErr != nil {
			s.logger.Warn("skipping unreadable conflict",
				slog.String("file", e.Name()),
				slog.String("error", readErr.Error()),
			)

			continue
		}

		conflicts = append(conflicts, c)
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Timestamp.After(conflicts[j].Timestamp) })

	return conflicts, nil
}

// GetConflict returns the conflict with the given id.
func (s *Store) GetConflict(id string) (*Conflict, error) {
	var c Conflict
	if err := readJSON(s.conflictPath(id), &c); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("meta: conflict %s: %w", id, ErrNotFound)
		}

		return nil, err
	}

	return &c, nil
}

// ResolveConflict marks the conflict resolved, storing the resolution and
// timestamp. The unresolved -> resolved transition happens exactly once;
// resolving twice returns ErrAlreadyResolved.
func (s *Store) ResolveConflict(id, resolution string) (*Conflict, error) {
	c, err := s.GetConflict(id)
	if err != nil {
		return nil, err
	}

	if c.Status == StatusResolved {
		return nil, fmt.Errorf("meta: conflict %s: %w", id, ErrAlreadyResolved)
	}

	now := s.now().UTC()
	c.Status = StatusResolved
	c.Resolution = resolution
	c.ResolvedAt = &now

	if err := writeJSON(s.conflictPath(id), c); err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved",
		slog.String("id", id),
		slog.String("resolution", resolution),
	)

	return c, nil
}

func (s *Store) recordPath(fileID string) string {
	return filepath.Join(s.recordsDir, fileID+".json")
}

func (s *Store) conflictPath(id string) string {
	return filepath.Join(s.conflictsDir, id+".json")
}

// readJSON decodes the JSON document at path into v.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("meta: parsing %s: %w", path, err)
	}

	return nil
}

// writeJSON writes v as an indented JSON document via temp-file-then-rename,
// so concurrent directory scans never observe a partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("meta: encoding %s: %w", path, err)
	}

	tmp := path + ".tmp." + NewFileID()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("meta: writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("meta: renaming into %s: %w", path, err)
	}

	return nil
}
