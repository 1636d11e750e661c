// Package health serves the liveness and readiness probes of the bridge.
//
//   - /healthz: liveness; 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when every [Checker] passes and the
//     server is not draining.
//
// Responses are JSON objects with a "status" field ("ok" or "fail"), a
// "checks" map with the result of each named checker and, when configured,
// the number of active calls.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is implemented by backends with a connectivity probe, such as the
// store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a Checker that pings p.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type result struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks,omitempty"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
}

// Option is a functional option for [Handler].
type Option func(*Handler)

// WithActiveCalls reports fn's value in every response.
func WithActiveCalls(fn func() int) Option {
	return func(h *Handler) { h.activeCalls = fn }
}

// Handler serves /healthz and /readyz. It is safe for concurrent use.
type Handler struct {
	checkers    []Checker
	activeCalls func() int
	draining    atomic.Bool
}

// New creates a Handler evaluating checkers on each /readyz request.
// Checkers run concurrently.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining marks the server as shutting down. While draining, /readyz
// fails so load balancers stop routing new calls here; calls in progress are
// unaffected.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.result("ok", nil))
}

// Readyz returns 200 only when every checker passes within [checkTimeout]
// and the server is not draining.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers)+1)
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	if h.draining.Load() {
		checks["draining"] = "fail: server is shutting down"
		allOK = false
	}

	status, code := "ok", http.StatusOK
	if !allOK {
		status, code = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, code, h.result(status, checks))
}

func (h *Handler) result(status string, checks map[string]string) result {
	res := result{Status: status, Checks: checks}
	if h.activeCalls != nil {
		n := h.activeCalls()
		res.ActiveCalls = &n
	}
	return res
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
