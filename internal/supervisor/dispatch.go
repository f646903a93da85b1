package supervisor

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxBufferedBody bounds how much request body the dispatcher buffers for
// replay. A body must be replayable because a transport-level failure on the
// first worker is retried once on the next healthy worker.
const maxBufferedBody = 256 << 20

// dispatch forwards one request to a healthy worker, retrying once on a
// transport-level failure. With no healthy workers the caller gets 503.
func (s *Supervisor) dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	for attempt := 0; attempt < dispatchAttempts; attempt++ {
		target := s.pickHealthy()
		if target == nil {
			s.respondUnavailable(w)
			return
		}

		resp, proxyErr := s.forward(r, target, body)
		if proxyErr != nil {
			// Transport failure: this worker is gone or wedged. Mark it and
			// let the health loop / exit watcher deal with it.
			s.logger.Warn("dispatch transport failure",
				slog.Int("port", target.port),
				slog.Int("attempt", attempt+1),
				slog.String("error", proxyErr.Error()),
			)

			s.markUnhealthy(target)

			continue
		}

		s.relay(w, resp)

		return
	}

	s.respondUnavailable(w)
}

// pickHealthy returns the next healthy worker in round-robin order.
func (s *Supervisor) pickHealthy() *worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := make([]*worker, 0, len(s.workers))

	// Map iteration order is random; collect and order by port so the
	// round-robin cursor is meaningful.
	for _, w := range s.workers {
		if w.healthy {
			healthy = append(healthy, w)
		}
	}

	if len(healthy) == 0 {
		return nil
	}

	sortWorkersByPort(healthy)

	w := healthy[s.rr%len(healthy)]
	s.rr++

	return w
}

// markUnhealthy flips a worker to unhealthy after a dispatch failure.
func (s *Supervisor) markUnhealthy(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.healthy {
		w.healthy = false
		w.unhealthySince = time.Now()
	}
}

// forward replays the request against one worker.
func (s *Supervisor) forward(r *http.Request, target *worker, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.baseURL+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header = r.Header.Clone()

	return s.proxyClient.Do(req)
}

// relay copies the worker's response to the client.
func (s *Supervisor) relay(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("relaying response body failed", slog.String("error", err.Error()))
	}
}

// respondUnavailable writes the 503 envelope.
func (s *Supervisor) respondUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)

	_, _ = w.Write([]byte(`{"error":"service_unavailable","message":"no healthy workers"}`))
}

// sortWorkersByPort orders workers ascending by port. Insertion sort — the
// worker set is tiny.
func sortWorkersByPort(ws []*worker) {
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && ws[j-1].port > ws[j].port; j-- {
			ws[j-1], ws[j] = ws[j], ws[j-1]
		}
	}
}
