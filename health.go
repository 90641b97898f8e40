package scraper

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthChecker derives liveness and readiness from a session's state.
// A session is alive from guarding until it has closed, and ready only
// while the driver runs and every readiness check passes.
type HealthChecker struct {
	state     func() State
	startTime time.Time

	// ReadinessChecks must all return nil for the session to report ready.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil when its component is ready.
type ReadinessCheck func() error

// HealthResponse is the JSON body of /healthz and /readyz.
type HealthResponse struct {
	Status  string   `json:"status"`
	State   string   `json:"state"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker reports on the state returned by state.
func NewHealthChecker(state func() State) *HealthChecker {
	return &HealthChecker{state: state, startTime: time.Now()}
}

// IsAlive reports whether the session is between start and close.
func (h *HealthChecker) IsAlive() bool {
	s := h.state()
	return s > StateIdle && s < StateClosed
}

// IsReady reports whether the driver is running and no check fails.
func (h *HealthChecker) IsReady() bool {
	return h.state() == StateRunningDriver && len(h.failures()) == 0
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthChecker) failures() []string {
	var out []string
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

func (h *HealthChecker) response(ok bool) HealthResponse {
	resp := HealthResponse{
		Status: "ok",
		State:  h.state().String(),
		Uptime: h.Uptime().Truncate(time.Second).String(),
	}
	if !ok {
		resp.Status = "unavailable"
	}
	return resp
}

// HandleHealthz serves the liveness endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	alive := h.IsAlive()
	resp := h.response(alive)
	if !alive {
		resp.Reason = "session " + resp.State
	}
	writeHealth(w, alive, resp)
}

// HandleReadyz serves the readiness endpoint. The reason names the state the
// session is in when the driver is not running.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s := h.state(); s != StateRunningDriver {
		resp := h.response(false)
		resp.Reason = "driver not running: session " + s.String()
		writeHealth(w, false, resp)
		return
	}
	failures := h.failures()
	resp := h.response(len(failures) == 0)
	resp.Details = failures
	writeHealth(w, len(failures) == 0, resp)
}

func writeHealth(w http.ResponseWriter, ok bool, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
