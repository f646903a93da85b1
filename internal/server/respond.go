package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/syncbox/internal/chunk"
	"github.com/tonimelisma/syncbox/internal/meta"
	"github.com/tonimelisma/syncbox/internal/store"
)

// errorBody is the error envelope: {error, message?, action?}.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

// respondJSON writes v with the given status.
func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", slog.String("error", err.Error()))
	}
}

// respondError writes the error envelope.
func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorBody{Error: code, Message: message})
}

// respondMappedError classifies an internal error onto the wire contract:
// NotFound -> 404, bad part fields -> 400, corrupt chunks -> 500 with a
// distinct code, an already-resolved conflict -> 409, everything else -> 500.
func (s *Server) respondMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, meta.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, chunk.ErrBadPart):
		s.respondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, chunk.ErrCorrupt):
		s.respondError(w, http.StatusInternalServerError, "corrupt_chunk", err.Error())
	case errors.Is(err, meta.ErrAlreadyResolved):
		s.respondError(w, http.StatusConflict, "already_resolved", err.Error())
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// parseLastModified accepts the client-supplied source mtime either as Unix
// milliseconds or as an RFC 3339 timestamp.
func parseLastModified(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("server: missing last_modified")
	}

	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, errors.New("server: last_modified must be unix milliseconds or RFC 3339")
	}

	return t.UnixMilli(), nil
}
