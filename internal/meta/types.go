// Package meta implements the metadata store: one JSON document per version
// record and one per conflict, under two directories. Per-record files
// eliminate cross-process coordination on a monolithic index — readers
// enumerate the directory and union the records, writers create or replace
// only their own document. Worker processes sharing the directories observe
// identical state with no in-memory cache being authoritative.
package meta

import (
	"path/filepath"
	"strings"
	"time"
)

// Conflict detection threshold for the metadata fallback: two uploads whose
// client-supplied modification times are closer than this are considered
// simultaneous.
const ConflictThreshold = 5000 * time.Millisecond

// Record is the immutable metadata document for one stored version.
// LastModified is the client-supplied source mtime in Unix milliseconds;
// CreatedAt and UpdatedAt are server-assigned.
type Record struct {
	FileID         string    `json:"file_id"`
	FileName       string    `json:"file_name"`
	Version        int       `json:"version"`
	Size           int64     `json:"size"`
	Checksum       string    `json:"checksum"`
	ClientID       string    `json:"client_id"`
	LastModified   int64     `json:"last_modified"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	RestoredFrom   int       `json:"restored_from,omitempty"`
	Conflict       bool      `json:"conflict,omitempty"`
	ConflictedWith string    `json:"conflicted_with,omitempty"`
}

// Conflict status values. A conflict transitions unresolved -> resolved
// exactly once and never back.
const (
	StatusUnresolved = "unresolved"
	StatusResolved   = "resolved"
)

// Conflict classification values.
const (
	TypeConcurrentModification            = "concurrent_modification"
	TypeMultiClientConcurrentModification = "multi_client_concurrent_modification"
)

// Loser is a losing upload within a conflict: the version record stored
// under the conflict copy name, plus the name it was diverted to.
type Loser struct {
	Record
	ConflictFileName string `json:"conflict_file_name"`
}

// ConflictCopyName builds the name a losing upload is diverted to:
// `<base>_conflicted_by_<client_id><ext>`, with ext empty when the original
// name has none. Both upload paths use this rule so a given (name, client)
// pair always lands on the same copy.
func ConflictCopyName(name, clientID string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	return base + "_conflicted_by_" + clientID + ext
}

// Conflict is the mutable-only-to-resolve conflict document.
type Conflict struct {
	ID           string     `json:"id"`
	FileName     string     `json:"file_name"`
	Reason       string     `json:"reason"`
	ConflictType string     `json:"conflict_type"`
	Winner       Record     `json:"winner"`
	Losers       []Loser    `json:"losers"`
	AllClients   []string   `json:"all_clients"`
	Timestamp    time.Time  `json:"timestamp"`
	Status       string     `json:"status"`
	Resolution   string     `json:"resolution,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
