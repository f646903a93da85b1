package supervisor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WorkerStatus is one worker's entry in the status report.
type WorkerStatus struct {
	Port              int       `json:"port"`
	PID               int       `json:"pid"`
	Healthy           bool      `json:"healthy"`
	StartedAt         time.Time `json:"started_at"`
	LastHealthCheckAt time.Time `json:"last_health_check_at"`
}

// StatusReport is the supervisor's observability snapshot.
type StatusReport struct {
	ProxyPort         int            `json:"proxy_port"`
	BindAddress       string         `json:"bind_address"`
	TotalServers      int            `json:"total_servers"`
	HealthyServers    int            `json:"healthy_servers"`
	SharedStorageRoot string         `json:"shared_storage_root"`
	Servers           []WorkerStatus `json:"servers"`
}

// Status builds the current report.
func (s *Supervisor) Status() *StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers := make([]WorkerStatus, 0, len(s.workers))
	healthy := 0

	for _, w := range s.workers {
		if w.healthy {
			healthy++
		}

		servers = append(servers, WorkerStatus{
			Port:              w.port,
			PID:               w.proc.Pid(),
			Healthy:           w.healthy,
			StartedAt:         w.startedAt,
			LastHealthCheckAt: w.lastHealthCheckAt,
		})
	}

	return &StatusReport{
		ProxyPort:         s.cfg.Supervisor.Port,
		BindAddress:       s.cfg.Supervisor.BindAddress,
		TotalServers:      len(s.workers),
		HealthyServers:    healthy,
		SharedStorageRoot: s.cfg.Server.StorageRoot,
		Servers:           servers,
	}
}

// handleStatus serves GET /supervisor/status from the supervisor itself —
// the one path that is never proxied to a worker.
func (s *Supervisor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn("encoding status failed", slog.String("error", err.Error()))
	}
}
