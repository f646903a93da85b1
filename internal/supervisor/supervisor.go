// Package supervisor runs N backend workers over a shared on-disk store,
// round-robin-dispatches requests across the healthy subset, and recovers
// failed workers within configured bounds. It owns the single public
// listener; workers listen on internal ports and are reached only through
// the dispatch path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/syncbox/internal/config"
)

// Tunables. Startup staggering reduces disk contention while every worker
// runs the metadata migration step against the shared root.
const (
	spawnStagger      = 2 * time.Second
	respawnDelay      = 1 * time.Second
	healthProbeWindow = 2 * time.Second
	dispatchAttempts  = 2
)

// Supervisor owns the worker set and the public listener.
type Supervisor struct {
	cfg              *config.Config
	spawn            SpawnFunc
	logger           *slog.Logger
	healthInterval   time.Duration
	unhealthyTimeout time.Duration
	shutdownGrace    time.Duration

	// stagger is the inter-spawn delay; tests zero it.
	stagger time.Duration

	mu       sync.Mutex
	workers  map[int]*worker // keyed by internal port
	nextPort int
	rr       int
	draining bool

	proxyClient  *http.Client
	healthClient *http.Client
	httpServer   *http.Server
}

// New creates a Supervisor. A nil spawn defaults to re-executing the current
// binary.
func New(cfg *config.Config, spawn SpawnFunc, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if spawn == nil {
		spawn = NewExecSpawner(cfg)
	}

	healthInterval, err := cfg.HealthCheckInterval()
	if err != nil {
		return nil, err
	}

	unhealthyTimeout, err := cfg.UnhealthyTimeout()
	if err != nil {
		return nil, err
	}

	shutdownGrace, err := cfg.ShutdownGrace()
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:              cfg,
		spawn:            spawn,
		logger:           logger,
		healthInterval:   healthInterval,
		unhealthyTimeout: unhealthyTimeout,
		shutdownGrace:    shutdownGrace,
		stagger:          spawnStagger,
		workers:          make(map[int]*worker),
		nextPort:         cfg.Supervisor.WorkerBasePort,
		proxyClient:      &http.Client{},
		healthClient:     &http.Client{Timeout: healthProbeWindow},
	}, nil
}

// Run spawns the initial worker set, starts the health loop and the public
// listener, and blocks until the context is canceled. Shutdown closes the
// listener first, then terminates workers (gentle, then hard after the
// grace window).
func (s *Supervisor) Run(ctx context.Context) error {
	for i := 0; i < s.cfg.Supervisor.MinInstances; i++ {
		if i > 0 && s.stagger > 0 {
			select {
			case <-time.After(s.stagger):
			case <-ctx.Done():
				return nil
			}
		}

		if _, err := s.spawnWorker(ctx); err != nil {
			s.terminateAll()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.healthLoop(gctx)
		return nil
	})

	g.Go(func() error {
		return s.serve(gctx)
	})

	err := g.Wait()
	s.terminateAll()

	return err
}

// serve runs the public listener until the context is canceled.
func (s *Supervisor) serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Supervisor.BindAddress, s.cfg.Supervisor.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /supervisor/status", s.handleStatus)
	mux.HandleFunc("/", s.dispatch)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("listener shutdown", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("supervisor listening",
		slog.String("addr", addr),
		slog.Int("min_instances", s.cfg.Supervisor.MinInstances),
		slog.Int("max_instances", s.cfg.Supervisor.MaxInstances),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("supervisor: listening on %s: %w", addr, err)
	}

	return nil
}

// spawnWorker launches one worker and registers its exit watcher.
func (s *Supervisor) spawnWorker(ctx context.Context) (*worker, error) {
	s.mu.Lock()
	port := s.nextPort
	s.nextPort++
	s.mu.Unlock()

	proc, baseURL, err := s.spawn(port)
	if err != nil {
		return nil, err
	}

	w := &worker{
		port:      port,
		baseURL:   baseURL,
		proc:      proc,
		startedAt: time.Now(),
	}

	s.mu.Lock()
	s.workers[port] = w
	s.mu.Unlock()

	s.logger.Info("worker spawned",
		slog.Int("port", port),
		slog.Int("pid", proc.Pid()),
	)

	go s.watchExit(ctx, w)

	return w, nil
}

// watchExit waits for the worker process to exit and triggers recovery.
func (s *Supervisor) watchExit(ctx context.Context, w *worker) {
	err := w.proc.Wait()

	s.mu.Lock()
	_, tracked := s.workers[w.port]
	delete(s.workers, w.port)
	draining := s.draining
	healthyLeft := s.healthyCountLocked()
	total := len(s.workers)
	s.mu.Unlock()

	if !tracked || draining {
		return
	}

	msg := "worker exited"
	if err != nil {
		msg = "worker crashed"
	}

	s.logger.Warn(msg,
		slog.Int("port", w.port),
		slog.Int("remaining", total),
	)

	if ctx.Err() != nil {
		return
	}

	if healthyLeft >= s.cfg.Supervisor.MinInstances || total >= s.cfg.Supervisor.MaxInstances {
		return
	}

	// A fully-dark pool respawns immediately; otherwise back off briefly so
	// a crash-looping binary does not spin the disk.
	if healthyLeft > 0 {
		select {
		case <-time.After(respawnDelay):
		case <-ctx.Done():
			return
		}
	}

	if _, spawnErr := s.spawnWorker(ctx); spawnErr != nil {
		s.logger.Error("respawn failed", slog.String("error", spawnErr.Error()))
	}
}

// healthLoop probes every worker at the configured interval.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkAll probes each worker's /health endpoint and applies transitions.
func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		snapshot = append(snapshot, w)
	}
	s.mu.Unlock()

	for _, w := range snapshot {
		s.checkWorker(ctx, w)
	}
}

// checkWorker probes one worker and updates its health state. A worker
// unhealthy for longer than the timeout is terminated; its exit watcher
// handles the respawn.
func (s *Supervisor) checkWorker(ctx context.Context, w *worker) {
	healthy := s.probe(ctx, w)

	s.mu.Lock()

	w.lastHealthCheckAt = time.Now()

	switch {
	case healthy:
		if !w.healthy {
			s.logger.Info("worker healthy", slog.Int("port", w.port))
		}

		w.healthy = true
		w.unhealthySince = time.Time{}

	case w.healthy:
		s.logger.Warn("worker became unhealthy", slog.Int("port", w.port))

		w.healthy = false
		w.unhealthySince = time.Now()

	case w.unhealthySince.IsZero():
		w.unhealthySince = time.Now()
	}

	var unhealthyFor time.Duration
	if !w.healthy && !w.unhealthySince.IsZero() {
		unhealthyFor = time.Since(w.unhealthySince)
	}

	overdue := unhealthyFor > s.unhealthyTimeout
	s.mu.Unlock()

	if overdue {
		s.logger.Warn("terminating unresponsive worker",
			slog.Int("port", w.port),
			slog.Duration("unhealthy_for", unhealthyFor),
		)

		if err := w.proc.Kill(); err != nil {
			s.logger.Error("killing worker failed",
				slog.Int("port", w.port),
				slog.String("error", err.Error()),
			)
		}
	}
}

// probe issues one /health request.
func (s *Supervisor) probe(ctx context.Context, w *worker) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := s.healthClient.Do(req)
	if err != nil {
		return false
	}

	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// terminateAll signals every worker, waits out the grace window, then kills
// whatever remains. Called once at shutdown.
func (s *Supervisor) terminateAll() {
	s.mu.Lock()
	s.draining = true
	snapshot := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		snapshot = append(snapshot, w)
	}
	s.workers = make(map[int]*worker)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	for _, w := range snapshot {
		if err := w.proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("signaling worker failed",
				slog.Int("port", w.port),
				slog.String("error", err.Error()),
			)
		}
	}

	done := make(chan struct{})

	go func() {
		for _, w := range snapshot {
			_ = w.proc.Wait()
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		for _, w := range snapshot {
			_ = w.proc.Kill()
		}

		<-done
	}

	s.logger.Info("all workers stopped", slog.Int("count", len(snapshot)))
}

// healthyCountLocked counts healthy workers. Caller holds mu.
func (s *Supervisor) healthyCountLocked() int {
	n := 0

	for _, w := range s.workers {
		if w.healthy {
			n++
		}
	}

	return n
}
