// Package health serves the probe endpoints every Dalston binary mounts on
// its ops mux: /healthz (liveness, always 200), /readyz (readiness, 200 only
// while every dependency probe passes) and /metrics (Prometheus scrape).
//
// Readiness probes run concurrently under a shared deadline. The JSON body
// reports each probe's outcome and latency, so a degraded dependency is
// identifiable from the probe response alone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// probeTimeout bounds one /readyz evaluation, all probes included.
const probeTimeout = 5 * time.Second

// Checker is one named dependency probe (redis ping, object-store head,
// catalog loaded). Check must honor ctx cancellation and return nil while
// the dependency can serve.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkState is the per-probe slice of the /readyz body.
type checkState struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// report is the JSON body of both probe endpoints.
type report struct {
	Status string                `json:"status"`
	Checks map[string]checkState `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the probe set
// is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given dependency probes.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz reports liveness. A process that can answer HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently and reports 200 only when all of
// them pass within the shared deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	states := make([]checkState, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			err := c.Check(ctx)
			state := checkState{
				Status:  "ok",
				Elapsed: time.Since(started).Round(time.Millisecond).String(),
			}
			if err != nil {
				state.Status = "fail"
				state.Error = err.Error()
			}
			states[i] = state
		}()
	}
	wg.Wait()

	res := report{Status: "ok", Checks: make(map[string]checkState, len(states))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = states[i]
		if states[i].Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// Register mounts /healthz, /readyz, and /metrics on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
