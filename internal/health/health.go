// Package health serves liveness and readiness probes for the voice server.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered [Checker]
//     passes. Checks run concurrently so a slow dependency cannot stack
//     probe latency on top of the others.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// per-check map carrying each check's outcome and observed latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single readiness check. Probes gate load-balancer
// routing for live calls, so they must answer quickly or not at all.
const probeTimeout = 2 * time.Second

// Checker is a named readiness probe. Check returns nil while the
// dependency can serve voice sessions.
type Checker struct {
	// Name keys this check in the JSON response (e.g. "pool", "capacity").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
}

type result struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the
// checker set is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently under a [probeTimeout] deadline
// and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	var mu sync.Mutex
	checks := make(map[string]checkResult, len(h.checkers))
	allOK := true

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range h.checkers {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)
			cr := checkResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				cr.Status = "fail: " + err.Error()
			}

			mu.Lock()
			checks[c.Name] = cr
			if err != nil {
				allOK = false
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // checkers report through the map, never the group

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
