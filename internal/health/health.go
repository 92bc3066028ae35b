// Package health serves the daemon's diagnostics probes.
//
//   - GET /healthz answers 200 while the process can serve HTTP.
//   - GET /readyz runs every [Checker] concurrently. A failing required check
//     yields 503; a failing optional check only degrades the report.
//   - GET /metrics exposes the Prometheus registry, see [RegisterMetrics].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single check.
const checkTimeout = 2 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one collaborator of the daemon.
type Checker struct {
	// Name keys the check in the report (e.g. "keyboard", "engine").
	Name string

	// Check returns nil when the collaborator is usable.
	Check func(ctx context.Context) error

	// Optional checks cannot make the daemon unready. The transcript
	// history is optional: dictation works without it.
	Optional bool
}

// CheckResult is one entry of a [Report].
type CheckResult struct {
	Status  string  `json:"status"`
	Error   string  `json:"error,omitempty"`
	Elapsed float64 `json:"elapsed_ms"`
}

// Report is the JSON body of /readyz.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers []Checker
}

// New returns a Handler running checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Evaluate runs all checks concurrently and folds them into a report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make(map[string]CheckResult, len(h.checkers))
	var mu sync.Mutex

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, Elapsed: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				res.Status = StatusFail
				res.Error = err.Error()
			}
			mu.Lock()
			results[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: results}
	for _, c := range h.checkers {
		if results[c.Name].Status == StatusOK {
			continue
		}
		if !c.Optional {
			rep.Status = StatusFail
			break
		}
		rep.Status = StatusDegraded
	}
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 503 when a required check fails and 200 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// RegisterMetrics adds GET /metrics to mux. It serves the default Prometheus
// registry, where the OpenTelemetry exporter registers its collector.
func RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
