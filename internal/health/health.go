// Package health serves the daemon's ops probes and tracks process uptime.
//
// Two endpoints ride the ops mux:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass (history store reachable, tunnel link up).
//
// Probe responses are JSON: a top-level "status" of "ok" or "fail", the
// process uptime in milliseconds and a per-checker "checks" map. The same
// uptime feeds the workstation_uptime_ms field of heartbeat.ack.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness probe of a single dependency.
const checkTimeout = 5 * time.Second

// Checker probes one dependency for readiness.
type Checker struct {
	// Name keys this check in the JSON response, e.g. "history" or "tunnel".
	Name string

	// Check returns nil while the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error
}

// Handler serves the probe endpoints and tracks process uptime. The checker
// list is fixed at construction, so it is safe for concurrent use.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a [Handler] over the given checkers. Uptime counts from this
// call.
func New(checkers ...Checker) *Handler {
	return &Handler{
		started:  time.Now(),
		checkers: append([]Checker(nil), checkers...),
	}
}

// Uptime returns how long the process has been up.
func (h *Handler) Uptime() time.Duration {
	return time.Since(h.started)
}

// UptimeMS returns the uptime in whole milliseconds, the unit heartbeat.ack
// reports to clients.
func (h *Handler) UptimeMS() int64 {
	return h.Uptime().Milliseconds()
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// probeReport is the JSON body of both endpoints.
type probeReport struct {
	Status   string            `json:"status"`
	UptimeMS int64             `json:"uptime_ms"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Healthz always reports ok: a process that can answer is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, probeReport{Status: "ok", UptimeMS: h.UptimeMS()})
}

// Readyz reports 503 when any checker fails. Checkers run concurrently,
// each bounded by checkTimeout derived from the request context, so a hung
// dependency delays the report by at most one timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	verdicts := make([]string, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := c.Check(ctx); err != nil {
				verdicts[i] = "fail: " + err.Error()
			} else {
				verdicts[i] = "ok"
			}
		}()
	}
	wg.Wait()

	report := probeReport{
		Status:   "ok",
		UptimeMS: h.UptimeMS(),
		Checks:   make(map[string]string, len(verdicts)),
	}
	status := http.StatusOK
	for i, c := range h.checkers {
		report.Checks[c.Name] = verdicts[i]
		if verdicts[i] != "ok" {
			report.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	h.respond(w, status, report)
}

func (h *Handler) respond(w http.ResponseWriter, status int, rep probeReport) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
