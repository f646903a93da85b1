// Package store implements the on-disk content store: one "current" blob per
// logical file plus an append-only versioned copy per upload. All paths
// resolve under directories supplied at construction, so N worker processes
// pointing at the same root observe identical state. Writes to the current
// blob are atomic (write-to-temp then rename) to keep concurrent readers
// consistent without any in-process locking.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tonimelisma/syncbox/pkg/contenthash"
)

// ErrNotFound is returned when a requested blob or version does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionExists is returned by Save when the versioned blob path
// already exists. Callers allocating version numbers use this to detect a
// concurrent writer and retry with the next number.
var ErrVersionExists = errors.New("store: version already exists")

// Store is the content store. It owns two directories: filesDir holds the
// current blob for every live file, versionsDir holds `<name>.v<N>` copies.
type Store struct {
	filesDir    string
	versionsDir string
	logger      *slog.Logger
}

// SaveResult describes where a blob landed.
type SaveResult struct {
	Path          string
	VersionedPath string
	Checksum      string
	Size          int64
}

// New creates a Store rooted at the given directories, creating them if
// needed.
func New(filesDir, versionsDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{filesDir, versionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", dir, err)
		}
	}

	return &Store{
		filesDir:    filesDir,
		versionsDir: versionsDir,
		logger:      logger,
	}, nil
}

// Save writes the blob twice: atomically as the current file and append-only
// as the versioned copy. The versioned copy is created with O_EXCL so two
// workers racing to allocate the same version number collide loudly
// (ErrVersionExists) instead of silently overwriting each other.
func (s *Store) Save(name string, blob []byte, version int) (*SaveResult, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	versionedPath := s.versionPath(name, version)

	f, err := os.OpenFile(versionedPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("store: %s v%d: %w", name, version, ErrVersionExists)
		}

		return nil, fmt.Errorf("store: creating version blob %s: %w", versionedPath, err)
	}

	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(versionedPath)

		return nil, fmt.Errorf("store: writing version blob %s: %w", versionedPath, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(versionedPath)
		return nil, fmt.Errorf("store: closing version blob %s: %w", versionedPath, err)
	}

	currentPath := filepath.Join(s.filesDir, name)
	if err := atomicWrite(currentPath, blob); err != nil {
		return nil, err
	}

	s.logger.Debug("blob saved",
		slog.String("name", name),
		slog.Int("version", version),
		slog.Int("size", len(blob)),
	)

	return &SaveResult{
		Path:          currentPath,
		VersionedPath: versionedPath,
		Checksum:      contenthash.Sum(blob),
		Size:          int64(len(blob)),
	}, nil
}

// Get returns the current blob for name, or the blob for a specific version
// when version > 0.
func (s *Store) Get(name string, version int) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	path := filepath.Join(s.filesDir, name)
	if version > 0 {
		path = s.versionPath(name, version)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("store: %s: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}

	return blob, nil
}

// Delete removes the current blob. With version > 0 it removes only that
// versioned blob instead. With cascade it also removes every versioned copy.
func (s *Store) Delete(name string, version int, cascade bool) error {
	if err := validateName(name); err != nil {
		return err
	}

	if version > 0 {
		if err := os.Remove(s.versionPath(name, version)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("store: %s v%d: %w", name, version, ErrNotFound)
			}

			return fmt.Errorf("store: deleting %s v%d: %w", name, version, err)
		}

		return nil
	}

	if err := os.Remove(filepath.Join(s.filesDir, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("store: %s: %w", name, ErrNotFound)
		}

		return fmt.Errorf("store: deleting %s: %w", name, err)
	}

	if cascade {
		versions, err := s.ListVersions(name)
		if err != nil {
			return err
		}

		for _, v := range versions {
			if err := os.Remove(s.versionPath(name, v)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("store: cascading delete of %s v%d: %w", name, v, err)
			}
		}
	}

	s.logger.Info("blob deleted",
		slog.String("name", name),
		slog.Bool("cascade", cascade),
	)

	return nil
}

// List returns the names of all current blobs, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.filesDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", s.filesDir, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names, nil
}

// ListVersions returns all version numbers stored for name, ascending.
// A name with no versions returns an empty slice, not an error.
func (s *Store) ListVersions(name string) ([]int, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.versionsDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", s.versionsDir, err)
	}

	prefix := name + ".v"

	var versions []int

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}

		v, convErr := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if convErr != nil {
			continue
		}

		versions = append(versions, v)
	}

	sort.Ints(versions)

	return versions, nil
}

// Rename retargets the current blob and every versioned blob from old to
// new. The current blob rename is atomic; version renames follow. A missing
// current blob is tolerated (the file may be deleted with history retained).
func (s *Store) Rename(oldName, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}

	if err := validateName(newName); err != nil {
		return err
	}

	oldCurrent := filepath.Join(s.filesDir, oldName)
	newCurrent := filepath.Join(s.filesDir, newName)

	if err := os.Rename(oldCurrent, newCurrent); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: renaming %s to %s: %w", oldName, newName, err)
	}

	versions, err := s.ListVersions(oldName)
	if err != nil {
		return err
	}

	for _, v := range versions {
		if err := os.Rename(s.versionPath(oldName, v), s.versionPath(newName, v)); err != nil {
			return fmt.Errorf("store: renaming %s v%d: %w", oldName, v, err)
		}
	}

	s.logger.Info("blob renamed",
		slog.String("old", oldName),
		slog.String("new", newName),
		slog.Int("versions", len(versions)),
	)

	return nil
}

// Exists reports whether a current blob is present for name.
func (s *Store) Exists(name string) bool {
	if err := validateName(name); err != nil {
		return false
	}

	_, err := os.Stat(filepath.Join(s.filesDir, name))

	return err == nil
}

// versionPath returns the path of the versioned blob `<name>.v<version>`.
func (s *Store) versionPath(name string, version int) string {
	return filepath.Join(s.versionsDir, fmt.Sprintf("%s.v%d", name, version))
}

// tempPrefix marks in-flight atomic writes so List skips them.
const tempPrefix = ".syncbox-tmp-"

// atomicWrite writes blob to path via a temp file in the same directory
// followed by rename, so readers never observe a partial current blob.
func atomicWrite(path string, blob []byte) error {
	dir := filepath.Dir(path)

	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("store: writing temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: renaming temp file into %s: %w", path, err)
	}

	return nil
}

// validateName rejects names that would escape the store directories.
// File names are single path components per the wire contract.
func validateName(name string) error {
	if name == "" {
		return errors.New("store: empty file name")
	}

	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("store: invalid file name %q", name)
	}

	return nil
}
