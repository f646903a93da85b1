// Package server exposes the HTTP API over the content store, metadata
// store, chunk assembler, and conflict engine. Every mutation is a
// filesystem operation with write-to-temp-then-rename semantics underneath,
// so many requests may be in flight concurrently without a coarse lock.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/syncbox/internal/catalog"
	"github.com/tonimelisma/syncbox/internal/chunk"
	"github.com/tonimelisma/syncbox/internal/config"
	"github.com/tonimelisma/syncbox/internal/meta"
	"github.com/tonimelisma/syncbox/internal/store"
	"github.com/tonimelisma/syncbox/internal/window"
)

// shutdownTimeout bounds how long Run waits for in-flight requests after
// the context is canceled.
const shutdownTimeout = 5 * time.Second

// Server wires the storage components behind the HTTP API.
type Server struct {
	catalog       *catalog.Catalog
	assembler     *chunk.Assembler
	engine        *window.Engine
	maxUpload     int64
	deleteCascade bool
	addr          string
	logger        *slog.Logger
	startedAt     time.Time
	httpServer    *http.Server
}

// New builds a Server from the resolved configuration, creating the store
// directories as needed.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Server.StorageRoot == "" && cfg.Server.FilesDir == "" {
		return nil, errors.New("server: no storage root configured")
	}

	content, err := store.New(cfg.Server.FilesDir, cfg.Server.VersionsDir, logger)
	if err != nil {
		return nil, err
	}

	records, err := meta.New(cfg.Server.MetadataDir, cfg.Server.ConflictsDir, logger)
	if err != nil {
		return nil, err
	}

	cat := catalog.New(content, records, logger)

	assembler, err := chunk.New(cfg.Server.ChunksDir, cat, logger)
	if err != nil {
		return nil, err
	}

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	return &Server{
		catalog:       cat,
		assembler:     assembler,
		engine:        window.New(cat, logger),
		maxUpload:     maxUpload,
		deleteCascade: cfg.Server.DeleteCascade,
		addr:          fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		logger:        logger,
		startedAt:     time.Now(),
	}, nil
}

// Handler returns the fully-routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /files", s.handleListFiles)
	mux.HandleFunc("POST /files/upload-safe", s.handleUploadSafe)
	mux.HandleFunc("POST /files/chunk", s.handleChunk)
	mux.HandleFunc("GET /files/{name}/download", s.handleDownload)
	mux.HandleFunc("GET /files/{name}/versions", s.handleVersions)
	mux.HandleFunc("GET /files/{name}/versions/{version}/download", s.handleVersionDownload)
	mux.HandleFunc("POST /files/{name}/restore/{version}", s.handleRestore)
	mux.HandleFunc("POST /files/{name}/rename", s.handleRename)
	mux.HandleFunc("DELETE /files/{name}", s.handleDelete)
	mux.HandleFunc("GET /conflicts", s.handleListConflicts)
	mux.HandleFunc("POST /conflicts/{id}/resolve", s.handleResolveConflict)

	return s.logRequests(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("server listening", slog.String("addr", s.addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listening on %s: %w", s.addr, err)
	}

	return nil
}

// logRequests is the access-log middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
