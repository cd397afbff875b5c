// Package ops serves the operator HTTP surface: health, counters and
// the live session table.  It binds to a private address and is never
// exposed to intruders.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	ncerr "tentacle/internal/errors"
	"tentacle/internal/metrics"
	"tentacle/internal/registry"
	"tentacle/util"
)

// Server is the operator HTTP endpoint.
type Server struct {
	Address  string
	Metrics  *metrics.Collector
	Registry *registry.Registry
	// BreakerState reports the Brain circuit state; nil reports
	// "disabled".
	BreakerState func() string
	Logger       *util.Logger
}

// Health is the /healthz body.
type Health struct {
	Status         string `json:"status"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
	BrainCircuit   string `json:"brain_circuit"`
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health)
	mux.HandleFunc("/metrics", s.metrics)
	mux.HandleFunc("/sessions", s.sessions)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Address)
	if err != nil {
		return ncerr.Wrap("listen", s.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx) //nolint:errcheck
	})
	defer stop()

	s.Logger.Info("ops endpoint on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return ncerr.Wrap("serve", ln.Addr().String(), err)
	}
	return nil
}

// ── handlers ─────────────────────────────────────────────────────────

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	breaker := "disabled"
	if s.BreakerState != nil {
		breaker = s.BreakerState()
	}
	snap := s.Metrics.Snapshot()
	writeJSON(w, http.StatusOK, Health{
		Status:         "ok",
		Uptime:         snap.Uptime,
		ActiveSessions: s.Registry.Len(),
		BrainCircuit:   breaker,
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.Metrics.Snapshot())
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	var filter []registry.Status
	if q := r.URL.Query().Get("status"); q != "" {
		for _, v := range strings.Split(q, ",") {
			st, ok := registry.ParseStatus(v)
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + v})
				return
			}
			filter = append(filter, st)
		}
	}
	list := s.Registry.List(filter...)
	if list == nil {
		list = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}
