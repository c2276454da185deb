// Package health serves the liveness and readiness probes.
//
// /healthz reports process liveness and always answers 200 OK. /readyz runs
// the registered probes concurrently and answers 200 only when every probe
// passes, so a deployment drops out of load-balancer rotation while a critical
// dependency (model backend, knowledge base, session store) is unhealthy
// without killing in-flight sessions.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds one /readyz evaluation across all probes.
const probeTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// dependency can serve and an error describing the failure otherwise. It must
// respect ctx cancellation.
type Checker struct {
	// Name keys the probe's entry in the JSON report (e.g. "knowledge_base").
	Name string

	Check func(ctx context.Context) error
}

// probeReport is one probe's outcome in the readiness response.
type probeReport struct {
	Status    string `json:"status"` // "ok" or "fail"
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// report is the JSON body of both endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]probeReport `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The probe list is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given probes.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz answers 200 unconditionally: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently under a shared deadline and answers
// 503 if any fails. The body carries each probe's outcome and duration.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	outcomes := make([]probeReport, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)
			pr := probeReport{Status: "ok", ElapsedMs: time.Since(start).Milliseconds()}
			if err != nil {
				pr.Status = "fail"
				pr.Error = err.Error()
			}
			outcomes[i] = pr
			return err
		})
	}
	failed := g.Wait() != nil

	res := report{Status: "ok", Checks: make(map[string]probeReport, len(h.checkers))}
	for i, c := range h.checkers {
		res.Checks[c.Name] = outcomes[i]
	}

	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts both endpoints on mux.
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
