// Package adminapi is the operator-facing HTTP surface: pool stats, an
// on-demand clear-all trigger, and Prometheus /metrics. It is a
// deliberately trimmed-down admin API — gorilla/mux routing, JSON
// responses, and a plain listen/Start/Stop shape — with no per-tenant
// CRUD, pause/resume, or HTML dashboard: this pool core has no per-tenant
// identity or traffic to pause, only named connection-string pools to
// report on and clear (see DESIGN.md).
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysqlconnpool/pool/internal/pool"
)

// Registry is the subset of PoolRegistry the admin API needs.
type Registry interface {
	Stats() []pool.Stats
	ClearAll(ctx context.Context)
}

// Server is the admin HTTP API and Prometheus metrics endpoint.
type Server struct {
	registry   Registry
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	startTime  time.Time
	bind       string
}

// NewServer builds a Server that reports on registry's pools and serves
// gatherer's series at /metrics. gatherer is the *prometheus.Registry that
// metrics.New() built (Collector.Registry) — promhttp.Handler()'s global default
// registry would otherwise be empty, since metrics.Collector registers its
// gauges on its own private registry (see DESIGN.md).
func NewServer(registry Registry, gatherer prometheus.Gatherer, bind string, port int) *Server {
	return &Server{
		registry:  registry,
		gatherer:  gatherer,
		startTime: time.Now(),
		bind:      fmt.Sprintf("%s:%d", bind, port),
	}
}

// Start begins serving in the background. It returns right after launching
// the listener goroutine, without waiting for the bind; a failure to bind
// surfaces asynchronously via a log line rather than a returned error.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/pools", s.listPools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{name}", s.getPool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{name}/clear", s.clearPool).Methods(http.MethodPost)
	r.HandleFunc("/clear", s.clearAll).Methods(http.MethodPost)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         s.bind,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", s.bind)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, st := range s.registry.Stats() {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "pool not found")
}

// clearPool triggers a clear for one named pool. The registry only exposes
// ClearAll, not a per-pool variant, so this clears every registered pool —
// harmless since distinct pools don't share sessions — but still 404s for
// an unknown name rather than silently clearing the whole registry.
func (s *Server) clearPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	found := false
	for _, st := range s.registry.Stats() {
		if st.Name == name {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	s.registry.ClearAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "pool": name})
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	s.registry.ClearAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"pool_count":     len(s.registry.Stats()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
