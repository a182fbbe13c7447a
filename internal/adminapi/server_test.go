package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysqlconnpool/pool/internal/metrics"
	"github.com/mysqlconnpool/pool/internal/pool"
)

type fakeRegistry struct {
	stats       []pool.Stats
	clearCalled bool
}

func (f *fakeRegistry) Stats() []pool.Stats { return f.stats }
func (f *fakeRegistry) ClearAll(ctx context.Context) {
	f.clearCalled = true
}

// newTestServer builds the same route table Start registers, without
// binding a real listener, so handlers can be exercised via httptest.
func newTestServer(registry Registry) (*Server, *mux.Router) {
	s := &Server{registry: registry}
	r := mux.NewRouter()
	r.HandleFunc("/pools", s.listPools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{name}", s.getPool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{name}/clear", s.clearPool).Methods(http.MethodPost)
	r.HandleFunc("/clear", s.clearAll).Methods(http.MethodPost)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s, r
}

func TestMetricsServesTheInjectedGatherer(t *testing.T) {
	m := metrics.New()
	m.SetMax("orders", 20)

	s := &Server{registry: &fakeRegistry{}, gatherer: m.Registry}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "db_client_connections_max") {
		t.Error("expected the pool's own gatherer output, not the global default registry")
	}
}

func TestListPoolsReturnsAllStats(t *testing.T) {
	registry := &fakeRegistry{stats: []pool.Stats{{Name: "orders", Idle: 2, Used: 1}}}
	_, router := newTestServer(registry)

	req := httptest.NewRequest(http.MethodGet, "/pools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []pool.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].Name != "orders" {
		t.Errorf("unexpected response body: %+v", got)
	}
}

func TestGetPoolReturns404ForUnknownName(t *testing.T) {
	registry := &fakeRegistry{stats: []pool.Stats{{Name: "orders"}}}
	_, router := newTestServer(registry)

	req := httptest.NewRequest(http.MethodGet, "/pools/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClearAllInvokesRegistry(t *testing.T) {
	registry := &fakeRegistry{}
	_, router := newTestServer(registry)

	req := httptest.NewRequest(http.MethodPost, "/clear", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !registry.clearCalled {
		t.Error("expected ClearAll to be invoked")
	}
}

func TestClearPoolReturns404ForUnknownName(t *testing.T) {
	registry := &fakeRegistry{stats: []pool.Stats{{Name: "orders"}}}
	_, router := newTestServer(registry)

	req := httptest.NewRequest(http.MethodPost, "/pools/missing/clear", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if registry.clearCalled {
		t.Error("expected ClearAll not to be invoked for an unknown pool")
	}
}

func TestStatusReportsPoolCount(t *testing.T) {
	registry := &fakeRegistry{stats: []pool.Stats{{Name: "a"}, {Name: "b"}}}
	_, router := newTestServer(registry)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got["pool_count"].(float64) != 2 {
		t.Errorf("expected pool_count 2, got %v", got["pool_count"])
	}
}
