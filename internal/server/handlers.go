package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/syncbox/internal/catalog"
	"github.com/tonimelisma/syncbox/internal/chunk"
	"github.com/tonimelisma/syncbox/internal/meta"
	"github.com/tonimelisma/syncbox/internal/window"
	"github.com/tonimelisma/syncbox/pkg/contenthash"
)

// multipartMemoryLimit is how much of a multipart body is held in memory
// before spilling to disk.
const multipartMemoryLimit = 32 << 20

// upToDateMessage is the exact acknowledgement for idempotent re-uploads.
const upToDateMessage = "File already up-to-date, no new version created"

// handleHealth reports liveness. It must succeed even when the stores are
// degraded — the supervisor uses it to decide worker health and a failing
// store should surface through request errors, not through flapping health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// fileListing is one entry of GET /files.
type fileListing struct {
	Name          string `json:"name"`
	LastModified  int64  `json:"last_modified"`
	Size          int64  `json:"size"`
	Version       int    `json:"version"`
	ClientID      string `json:"client_id"`
	TotalVersions int    `json:"total_versions"`
}

// handleListFiles returns the latest version's metadata for every current
// blob. Names with a blob but no record (mid-upload race) are skipped; the
// next poll sees them complete.
func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	names, err := s.catalog.Content.List()
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	files := make([]fileListing, 0, len(names))

	for _, name := range names {
		versions, versErr := s.catalog.Records.GetAllVersions(name)
		if versErr != nil {
			s.respondMappedError(w, versErr)
			return
		}

		if len(versions) == 0 {
			continue
		}

		latest := versions[len(versions)-1]
		files = append(files, fileListing{
			Name:          name,
			LastModified:  latest.LastModified,
			Size:          latest.Size,
			Version:       latest.Version,
			ClientID:      latest.ClientID,
			TotalVersions: len(versions),
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"files":   files,
	})
}

// uploadFields is the validated common multipart field set.
type uploadFields struct {
	fileName     string
	clientID     string
	lastModified int64
	data         []byte
}

// readUploadForm parses a multipart upload request, enforcing the size
// limit. The boolean result reports whether a response was already written.
func (s *Server) readUploadForm(w http.ResponseWriter, r *http.Request, fileField string) (*uploadFields, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("upload exceeds limit of %d bytes", s.maxUpload))
			return nil, true
		}

		s.respondError(w, http.StatusBadRequest, "bad_request", "expecting multipart form")

		return nil, true
	}

	f, _, err := r.FormFile(fileField)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "missing "+fileField+" field")
		return nil, true
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("upload exceeds limit of %d bytes", s.maxUpload))
			return nil, true
		}

		s.respondMappedError(w, fmt.Errorf("server: reading upload body: %w", err))

		return nil, true
	}

	fields := &uploadFields{
		fileName: r.FormValue("file_name"),
		clientID: r.FormValue("client_id"),
		data:     data,
	}

	if fields.fileName == "" || fields.clientID == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "file_name and client_id are required")
		return nil, true
	}

	fields.lastModified, err = parseLastModified(r.FormValue("last_modified"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, true
	}

	return fields, false
}

// handleUploadSafe runs an upload through the sliding-window conflict engine.
func (s *Server) handleUploadSafe(w http.ResponseWriter, r *http.Request) {
	fields, done := s.readUploadForm(w, r, "file")
	if done {
		return
	}

	outcome, err := s.engine.Process(&window.Upload{
		FileName:     fields.fileName,
		ClientID:     fields.clientID,
		Checksum:     contenthash.Sum(fields.data),
		LastModified: fields.lastModified,
		Blob:         fields.data,
		FileID:       meta.NewFileID(),
	})
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	switch outcome.Status {
	case window.StatusUpToDate:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": upToDateMessage,
			"file":    outcome.Record,
			"version": outcome.Record.Version,
		})

	case window.StatusSaved:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "File uploaded",
			"file":    outcome.Record,
			"version": outcome.Record.Version,
		})

	case window.StatusWinner:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"message":     "File uploaded; concurrent modification detected, this upload won",
			"file":        outcome.Record,
			"version":     outcome.Record.Version,
			"conflict_id": outcome.ConflictID,
		})

	case window.StatusLoser:
		s.respondConflict(w, outcome)
	}
}

// respondConflict writes the 409 body for a losing upload.
func (s *Server) respondConflict(w http.ResponseWriter, outcome *window.Outcome) {
	losers := make([]map[string]any, 0, len(outcome.Losers))
	for _, l := range outcome.Losers {
		losers = append(losers, map[string]any{
			"client_id":          l.ClientID,
			"last_modified":      l.LastModified,
			"conflict_file_name": l.ConflictFileName,
		})
	}

	s.respondJSON(w, http.StatusConflict, map[string]any{
		"error":   "conflict",
		"message": "simultaneous modification detected",
		"action":  "file saved as conflict copy",
		"winner": map[string]any{
			"client_id":     outcome.Winner.ClientID,
			"last_modified": outcome.Winner.LastModified,
		},
		"losers":             losers,
		"conflict_file_name": outcome.ConflictFileName,
		"conflict_id":        outcome.ConflictID,
	})
}

// handleChunk accepts one part of a chunked upload.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	fields, done := s.readUploadForm(w, r, "chunk")
	if done {
		return
	}

	fileID := r.FormValue("file_id")

	chunkNumber, err := strconv.Atoi(r.FormValue("chunk_number"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "chunk_number must be an integer")
		return
	}

	totalChunks, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "total_chunks must be an integer")
		return
	}

	result, err := s.assembler.AddPart(&chunk.Part{
		FileID:       fileID,
		ChunkNumber:  chunkNumber,
		TotalChunks:  totalChunks,
		FileName:     fields.fileName,
		ClientID:     fields.clientID,
		LastModified: fields.lastModified,
		Data:         fields.data,
	})
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	switch {
	case !result.Complete:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"message":  "Chunk received",
			"received": result.Received,
			"total":    result.Total,
		})

	case result.Conflicted:
		s.respondChunkConflict(w, result)

	case result.Duplicate:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"duplicate": true,
			"message":   upToDateMessage,
			"file":      result.Record,
			"version":   result.Record.Version,
		})

	default:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"complete": true,
			"message":  "File assembled",
			"file":     result.Record,
			"version":  result.Record.Version,
		})
	}
}

// respondChunkConflict writes the 409 body for a chunked upload diverted by
// the metadata fallback.
func (s *Server) respondChunkConflict(w http.ResponseWriter, result *chunk.Result) {
	losers := make([]map[string]any, 0, len(result.Conflict.Losers))
	for _, l := range result.Conflict.Losers {
		losers = append(losers, map[string]any{
			"client_id":          l.ClientID,
			"last_modified":      l.LastModified,
			"conflict_file_name": l.ConflictFileName,
		})
	}

	s.respondJSON(w, http.StatusConflict, map[string]any{
		"error":   "conflict",
		"message": "simultaneous modification detected",
		"action":  "file saved as conflict copy",
		"winner": map[string]any{
			"client_id":     result.Conflict.Winner.ClientID,
			"last_modified": result.Conflict.Winner.LastModified,
		},
		"losers":             losers,
		"conflict_file_name": result.Record.FileName,
		"conflict_id":        result.Conflict.ID,
	})
}

// handleDownload streams the current blob.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	blob, err := s.catalog.Content.Get(name, 0)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	s.writeBlob(w, name, blob)
}

// handleVersionDownload streams one versioned blob.
func (s *Server) handleVersionDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		s.respondError(w, http.StatusBadRequest, "bad_request", "version must be a positive integer")
		return
	}

	blob, err := s.catalog.Content.Get(name, version)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	s.writeBlob(w, name, blob)
}

// writeBlob sends raw bytes with download headers.
func (s *Server) writeBlob(w http.ResponseWriter, name string, blob []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))

	if _, err := w.Write(blob); err != nil {
		s.logger.Warn("writing blob response failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

// handleVersions returns all version metadata for a name, latest first.
func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	versions, err := s.catalog.Records.GetAllVersions(name)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	if len(versions) == 0 {
		s.respondError(w, http.StatusNotFound, "not_found", "no versions for "+name)
		return
	}

	// Latest first.
	reversed := make([]meta.Record, len(versions))
	for i, v := range versions {
		reversed[len(versions)-1-i] = v
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"versions": reversed,
	})
}

// handleRestore copies version v's blob as a new latest version.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		s.respondError(w, http.StatusBadRequest, "bad_request", "version must be a positive integer")
		return
	}

	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClientID == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "client_id is required")
		return
	}

	blob, err := s.catalog.Content.Get(name, version)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	record, err := s.catalog.SaveVersion(name, blob, body.ClientID, time.Now().UnixMilli(), &catalog.SaveOpts{
		RestoredFrom: version,
	})
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Restored version %d as version %d", version, record.Version),
		"file":    record,
	})
}

// handleRename renames the current blob, every version blob, and every
// metadata record.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	oldName := r.PathValue("name")

	var body struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NewName == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "new_name is required")
		return
	}

	versions, err := s.catalog.Records.GetAllVersions(oldName)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	if len(versions) == 0 && !s.catalog.Content.Exists(oldName) {
		s.respondError(w, http.StatusNotFound, "not_found", oldName+" does not exist")
		return
	}

	if err := s.catalog.Content.Rename(oldName, body.NewName); err != nil {
		s.respondMappedError(w, err)
		return
	}

	if err := s.catalog.Records.Rename(oldName, body.NewName); err != nil {
		s.respondMappedError(w, err)
		return
	}

	s.logger.Info("file renamed",
		slog.String("old", oldName),
		slog.String("new", body.NewName),
	)

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"old_name": oldName,
		"new_name": body.NewName,
	})
}

// handleDelete removes the current blob. Version history is retained unless
// the server was configured with delete_cascade.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.catalog.Content.Delete(name, 0, s.deleteCascade); err != nil {
		s.respondMappedError(w, err)
		return
	}

	if s.deleteCascade {
		if _, err := s.catalog.Records.DeleteByName(name); err != nil {
			s.respondMappedError(w, err)
			return
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": name + " deleted",
	})
}

// handleListConflicts returns all conflict records.
func (s *Server) handleListConflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts, err := s.catalog.Records.GetConflicts()
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"conflicts": conflicts,
	})
}

// handleResolveConflict marks a conflict resolved.
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Method      string `json:"method"`
		KeepVersion int    `json:"keep_version"`
		ClientID    string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Method == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "method is required")
		return
	}

	resolution := body.Method
	if body.KeepVersion > 0 {
		resolution = fmt.Sprintf("%s (kept version %d)", body.Method, body.KeepVersion)
	}

	if body.ClientID != "" {
		resolution = fmt.Sprintf("%s by %s", resolution, body.ClientID)
	}

	conflict, err := s.catalog.Records.ResolveConflict(id, resolution)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"conflict": conflict,
	})
}
