package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/syncbox/internal/config"
)

// fakeProcess satisfies Process without exec'ing anything. Exit is simulated
// by closing exitCh.
type fakeProcess struct {
	pid    int
	exitCh chan struct{}
	once   sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exitCh: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exitCh
	return nil
}

func (p *fakeProcess) Signal(_ os.Signal) error {
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.exitCh) })
}

// testSpawner spawns fake processes backed by httptest servers.
type testSpawner struct {
	mu      sync.Mutex
	nextPid int
	procs   []*fakeProcess
	backend func() *httptest.Server
	servers []*httptest.Server
	spawned atomic.Int32
}

func (ts *testSpawner) spawn(port int) (Process, string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.nextPid++
	proc := newFakeProcess(ts.nextPid)
	ts.procs = append(ts.procs, proc)

	srv := ts.backend()
	ts.servers = append(ts.servers, srv)
	ts.spawned.Add(1)

	return proc, srv.URL, nil
}

func (ts *testSpawner) closeAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for _, srv := range ts.servers {
		srv.Close()
	}
}

// healthyBackend serves 200 on /health; every other request bumps the hit
// counter and is answered with "ok".
func healthyBackend(hits *atomic.Int32) func() *httptest.Server {
	return func() *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				w.WriteHeader(http.StatusOK)
				return
			}

			if hits != nil {
				hits.Add(1)
			}

			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}))
	}
}

func newTestSupervisor(t *testing.T, spawn SpawnFunc) *Supervisor {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.StorageRoot = t.TempDir()
	cfg.Supervisor.MinInstances = 2
	cfg.Supervisor.MaxInstances = 4

	s, err := New(cfg, spawn, nil)
	require.NoError(t, err)

	s.stagger = 0

	return s
}

func TestSpawnAndHealthCheck(t *testing.T) {
	spawner := &testSpawner{backend: healthyBackend(nil)}
	defer spawner.closeAll()

	s := newTestSupervisor(t, spawner.spawn)

	ctx := context.Background()

	_, err := s.spawnWorker(ctx)
	require.NoError(t, err)
	_, err = s.spawnWorker(ctx)
	require.NoError(t, err)

	s.checkAll(ctx)

	st := s.Status()
	assert.Equal(t, 2, st.TotalServers)
	assert.Equal(t, 2, st.HealthyServers)
	assert.LessOrEqual(t, st.HealthyServers, st.TotalServers)

	for _, ws := range st.Servers {
		assert.True(t, ws.Healthy)
		assert.False(t, ws.LastHealthCheckAt.IsZero())
	}
}

func TestDispatch_RoundRobin(t *testing.T) {
	var hitsA, hitsB atomic.Int32

	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsA.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srvA.Close()

	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsB.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	s := newTestSupervisor(t, nil)

	s.workers[9001] = &worker{port: 9001, baseURL: srvA.URL, proc: newFakeProcess(1), healthy: true}
	s.workers[9002] = &worker{port: 9002, baseURL: srvB.URL, proc: newFakeProcess(2), healthy: true}

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/files", nil)
		s.dispatch(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, int32(2), hitsA.Load())
	assert.Equal(t, int32(2), hitsB.Load())
}

func TestDispatch_RetriesOnTransportFailure(t *testing.T) {
	srvGood := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("survivor"))
	}))
	defer srvGood.Close()

	// A server that is already closed produces a connection error.
	srvDead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	deadURL := srvDead.URL
	srvDead.Close()

	s := newTestSupervisor(t, nil)

	s.workers[9001] = &worker{port: 9001, baseURL: deadURL, proc: newFakeProcess(1), healthy: true}
	s.workers[9002] = &worker{port: 9002, baseURL: srvGood.URL, proc: newFakeProcess(2), healthy: true}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	s.dispatch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "survivor", rec.Body.String())

	// The dead worker was marked unhealthy by the failed attempt.
	assert.False(t, s.workers[9001].healthy)
}

func TestDispatch_NoHealthyWorkers(t *testing.T) {
	s := newTestSupervisor(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	s.dispatch(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no healthy workers")
}

func TestCrashRecovery_Respawns(t *testing.T) {
	spawner := &testSpawner{backend: healthyBackend(nil)}
	defer spawner.closeAll()

	s := newTestSupervisor(t, spawner.spawn)

	ctx := context.Background()

	_, err := s.spawnWorker(ctx)
	require.NoError(t, err)
	_, err = s.spawnWorker(ctx)
	require.NoError(t, err)

	require.Equal(t, int32(2), spawner.spawned.Load())

	// Kill one worker externally; the exit watcher must respawn within the
	// recovery bound.
	spawner.mu.Lock()
	victim := spawner.procs[0]
	spawner.mu.Unlock()
	victim.exit()

	require.Eventually(t, func() bool {
		return spawner.spawned.Load() == 3
	}, 5*time.Second, 10*time.Millisecond, "expected a replacement worker")

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.workers) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCrashRecovery_RespectsMaxInstances(t *testing.T) {
	spawner := &testSpawner{backend: healthyBackend(nil)}
	defer spawner.closeAll()

	s := newTestSupervisor(t, spawner.spawn)
	s.cfg.Supervisor.MinInstances = 1
	s.cfg.Supervisor.MaxInstances = 1

	ctx := context.Background()

	w1, err := s.spawnWorker(ctx)
	require.NoError(t, err)
	w2, err := s.spawnWorker(ctx)
	require.NoError(t, err)

	s.checkAll(ctx)

	// Two workers with max 1: a crash of one must not trigger a respawn
	// because the survivor already satisfies min_instances.
	w1.proc.(*fakeProcess).exit()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), spawner.spawned.Load())

	_ = w2
}

func TestTerminateAll_StopsWorkers(t *testing.T) {
	spawner := &testSpawner{backend: healthyBackend(nil)}
	defer spawner.closeAll()

	s := newTestSupervisor(t, spawner.spawn)

	ctx := context.Background()

	_, err := s.spawnWorker(ctx)
	require.NoError(t, err)
	_, err = s.spawnWorker(ctx)
	require.NoError(t, err)

	s.terminateAll()

	st := s.Status()
	assert.Equal(t, 0, st.TotalServers)
}

func TestHealthTransition_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	s := newTestSupervisor(t, nil)

	w := &worker{port: 9001, baseURL: srv.URL, proc: newFakeProcess(1)}
	s.workers[9001] = w

	ctx := context.Background()

	s.checkAll(ctx)
	assert.True(t, w.healthy)

	// Backend goes away; the next probe flips the worker unhealthy.
	srv.Close()

	s.checkAll(ctx)
	assert.False(t, w.healthy)
	assert.False(t, w.unhealthySince.IsZero())
}

func TestStatusReport_Fields(t *testing.T) {
	s := newTestSupervisor(t, nil)

	st := s.Status()
	assert.Equal(t, s.cfg.Supervisor.Port, st.ProxyPort)
	assert.Equal(t, s.cfg.Supervisor.BindAddress, st.BindAddress)
	assert.Equal(t, s.cfg.Server.StorageRoot, st.SharedStorageRoot)
	assert.Zero(t, st.TotalServers)
}
