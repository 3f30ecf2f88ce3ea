// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] and answers 200 only if all pass, 503 otherwise. Both
// reply with a JSON object:
//
//	{"status":"ok","checks":{"session":"ok"},"details":{"session_state":"open"}}
//
// "checks" and "details" appear on /readyz only. Details are informational
// and never change the status code.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy and must
// respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Detail is a named informational value reported by /readyz.
type Detail struct {
	Name  string
	Value func() string
}

type report struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Handler serves the probes. Checkers and details are fixed before serving;
// the handler is then safe for concurrent use.
type Handler struct {
	checkers []Checker
	details  []Detail
}

// New returns a Handler with the given readiness checks.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// WithDetails adds details to the /readyz response and returns h.
func (h *Handler) WithDetails(details ...Detail) *Handler {
	h.details = append(h.details, details...)
	return h
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs the checks concurrently, each under [checkTimeout], and
// reports the outcome per check name.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Checks: h.runChecks(r.Context())}
	for _, outcome := range rep.Checks {
		if outcome != "ok" {
			rep.Status = "fail"
		}
	}
	if len(h.details) > 0 {
		rep.Details = make(map[string]string, len(h.details))
		for _, d := range h.details {
			rep.Details[d.Name] = d.Value()
		}
	}

	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (h *Handler) runChecks(ctx context.Context) map[string]string {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]string, len(h.checkers))
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			outcome := "ok"
			if err := c.Check(cctx); err != nil {
				outcome = "fail: " + err.Error()
			}
			mu.Lock()
			out[c.Name] = outcome
			mu.Unlock()
		})
	}
	wg.Wait()
	return out
}

func writeJSON(w http.ResponseWriter, status int, v report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
