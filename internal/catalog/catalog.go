// Package catalog couples the content store and the metadata store into the
// single operation both upload paths need: allocate the next version number
// for a name and persist blob plus record. Version allocation is racy across
// worker processes (read-then-write), so the content store's exclusive-create
// of the versioned blob path acts as the arbiter: the loser of a race gets
// ErrVersionExists and retries with the next number.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/syncbox/internal/meta"
	"github.com/tonimelisma/syncbox/internal/store"
)

// maxAllocAttempts bounds the version-allocation retry loop. Hitting it
// means another writer advanced the version that many times during one
// save, which does not happen outside of a pathological tight loop.
const maxAllocAttempts = 10

// Catalog wraps the two stores that together hold all server state.
type Catalog struct {
	Content *store.Store
	Records *meta.Store
	logger  *slog.Logger
}

// New creates a Catalog over the given stores.
func New(content *store.Store, records *meta.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	return &Catalog{
		Content: content,
		Records: records,
		logger:  logger,
	}
}

// SaveOpts carries the optional record fields for SaveVersion.
type SaveOpts struct {
	FileID         string // pre-allocated upload identifier; empty allocates one
	RestoredFrom   int
	Conflict       bool
	ConflictedWith string
}

// SaveVersion allocates the next version for name and persists blob and
// metadata. On an allocation collision with a concurrent writer the loop
// re-reads the latest version and retries.
func (c *Catalog) SaveVersion(
	name string, blob []byte, clientID string, lastModifiedMs int64, opts *SaveOpts,
) (*meta.Record, error) {
	if opts == nil {
		opts = &SaveOpts{}
	}

	fileID := opts.FileID
	if fileID == "" {
		fileID = meta.NewFileID()
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		version, err := c.Records.NextVersion(name)
		if err != nil {
			return nil, err
		}

		// The exclusive create may still collide with a version whose blob
		// exists but whose record scan we raced; probe past any occupied slots.
		version += attempt

		res, err := c.Content.Save(name, blob, version)
		if err != nil {
			if errors.Is(err, store.ErrVersionExists) {
				c.logger.Warn("version allocation collision, retrying",
					slog.String("name", name),
					slog.Int("version", version),
				)

				continue
			}

			return nil, err
		}

		record := &meta.Record{
			FileID:         fileID,
			FileName:       name,
			Version:        version,
			Size:           res.Size,
			Checksum:       res.Checksum,
			ClientID:       clientID,
			LastModified:   lastModifiedMs,
			RestoredFrom:   opts.RestoredFrom,
			Conflict:       opts.Conflict,
			ConflictedWith: opts.ConflictedWith,
		}

		if err := c.Records.Save(record); err != nil {
			return nil, err
		}

		c.logger.Info("version saved",
			slog.String("name", name),
			slog.Int("version", version),
			slog.String("client_id", clientID),
			slog.Int64("size", res.Size),
		)

		return record, nil
	}

	return nil, fmt.Errorf("catalog: could not allocate version for %s after %d attempts", name, maxAllocAttempts)
}

// LatestChecksum returns the checksum of the latest version for name, or ""
// when the name has no versions.
func (c *Catalog) LatestChecksum(name string) (string, error) {
	latest, err := c.Records.GetLatest(name)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return "", nil
		}

		return "", err
	}

	return latest.Checksum, nil
}
