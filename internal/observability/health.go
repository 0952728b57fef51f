package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker tracks liveness and readiness. Liveness is implicit in
// the process answering at all; readiness flips on once recovery has
// finished and the backing connections are up, and off again during
// shutdown so load balancers drain before the listener closes.
type HealthChecker struct {
	mu        sync.RWMutex
	ready     bool
	reason    string
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		reason:    "starting",
		startTime: time.Now(),
	}
}

// SetReady flips readiness. A false transition records "draining" as
// the reason reported by the readiness probe.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
	if ready {
		h.reason = ""
	} else {
		h.reason = "draining"
	}
}

// IsReady reports current readiness.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// LivenessHandler always answers 200 with uptime.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 when ready, 503 with a reason otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready, reason := h.ready, h.reason
	h.mu.RUnlock()

	if ready {
		writeProbe(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeProbe(w, http.StatusServiceUnavailable, map[string]string{
		"status": "not_ready",
		"reason": reason,
	})
}

func writeProbe(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
