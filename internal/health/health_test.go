package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tiflis-io/tiflis-code/internal/health"
)

// report mirrors the JSON shape of the probe endpoints.
type report struct {
	Status   string            `json:"status"`
	UptimeMS int64             `json:"uptime_ms"`
	Checks   map[string]string `json:"checks"`
}

// probe sends one GET through the registered mux and decodes the body.
func probe(t *testing.T, h *health.Handler, path string) (*httptest.ResponseRecorder, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec, rep
}

func pass(_ context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func TestHealthzAlwaysOK(t *testing.T) {
	// Liveness must not depend on checker state.
	h := health.New(health.Checker{Name: "history", Check: failWith("down")})

	rec, rep := probe(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rep.Status != "ok" {
		t.Errorf("status field = %q, want ok", rep.Status)
	}
	if rep.UptimeMS < 0 {
		t.Errorf("uptime_ms = %d, want non-negative", rep.UptimeMS)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyzVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []health.Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []health.Checker{
				{Name: "history", Check: pass},
				{Name: "tunnel", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"history": "ok", "tunnel": "ok"},
		},
		{
			name: "one failure flips the verdict",
			checkers: []health.Checker{
				{Name: "history", Check: failWith("connection refused")},
				{Name: "tunnel", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"history": "fail: connection refused",
				"tunnel":  "ok",
			},
		},
		{
			name: "all fail",
			checkers: []health.Checker{
				{Name: "history", Check: failWith("timeout")},
				{Name: "tunnel", Check: failWith("link down")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"history": "fail: timeout",
				"tunnel":  "fail: link down",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, rep := probe(t, health.New(tc.checkers...), "/readyz")
			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if rep.Status != tc.wantStatus {
				t.Errorf("status field = %q, want %q", rep.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := rep.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyzHonoursRequestCancellation(t *testing.T) {
	h := health.New(health.Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestProbeRoutesRejectOtherMethods(t *testing.T) {
	mux := http.NewServeMux()
	health.New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("POST", path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, rec.Code)
		}
	}
}

func TestUptimeReported(t *testing.T) {
	h := health.New()
	if h.UptimeMS() < 0 {
		t.Fatalf("UptimeMS = %d, want non-negative", h.UptimeMS())
	}
	if h.Uptime() < 0 {
		t.Fatalf("Uptime = %v, want non-negative", h.Uptime())
	}
}
