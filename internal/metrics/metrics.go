// Package metrics is the pool's Prometheus-backed metrics sink: up-down
// counters and histograms tagged by pool name and state, emitted outside
// the data structure locks but in an order consistent with the
// transitions that produced them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the interface ConnectionPool and PoolRegistry emit metrics
// through. Kept independent of Prometheus so pool tests can inject a
// recording fake instead of scraping a real registry.
type Sink interface {
	SetUsage(pool, state string, v float64)
	SetIdleMin(pool string, v float64)
	SetIdleMax(pool string, v float64)
	SetMax(pool string, v float64)
	SetPendingRequests(pool string, v float64)
	ObserveCreateTime(pool string, d time.Duration)
	ObserveWaitTime(pool string, d time.Duration)
}

// Collector is the Prometheus-backed Sink. Safe to call New multiple times
// (e.g. in tests) — each call creates an independent registry.
type Collector struct {
	Registry *prometheus.Registry

	usage           *prometheus.GaugeVec
	idleMin         *prometheus.GaugeVec
	idleMax         *prometheus.GaugeVec
	max             *prometheus.GaugeVec
	pendingRequests *prometheus.GaugeVec
	createTime      *prometheus.HistogramVec
	waitTime        *prometheus.HistogramVec
}

// New creates and registers the pool's metric series on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		usage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "db_client_connections_usage",
			Help: "Number of connections per pool, tagged by state (idle, used)",
		}, []string{"pool_name", "state"}),
		idleMin: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "db_client_connections_idle_min",
			Help: "Configured minimum pool size",
		}, []string{"pool_name"}),
		idleMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "db_client_connections_idle_max",
			Help: "Configured maximum idle connections (equals max pool size)",
		}, []string{"pool_name"}),
		max: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "db_client_connections_max",
			Help: "Configured maximum pool size",
		}, []string{"pool_name"}),
		pendingRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "db_client_connections_pending_requests",
			Help: "Number of checkouts currently waiting for a permit",
		}, []string{"pool_name"}),
		createTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_client_connections_create_time_ms",
			Help:    "Time spent establishing a new session, in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"pool_name"}),
		waitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_client_connections_wait_time_ms",
			Help:    "Time a checkout spent waiting for a session, in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"pool_name"}),
	}

	reg.MustRegister(c.usage, c.idleMin, c.idleMax, c.max, c.pendingRequests, c.createTime, c.waitTime)
	return c
}

func (c *Collector) SetUsage(pool, state string, v float64) {
	c.usage.WithLabelValues(pool, state).Set(v)
}

func (c *Collector) SetIdleMin(pool string, v float64) { c.idleMin.WithLabelValues(pool).Set(v) }
func (c *Collector) SetIdleMax(pool string, v float64) { c.idleMax.WithLabelValues(pool).Set(v) }
func (c *Collector) SetMax(pool string, v float64)     { c.max.WithLabelValues(pool).Set(v) }

func (c *Collector) SetPendingRequests(pool string, v float64) {
	c.pendingRequests.WithLabelValues(pool).Set(v)
}

func (c *Collector) ObserveCreateTime(pool string, d time.Duration) {
	c.createTime.WithLabelValues(pool).Observe(float64(d.Milliseconds()))
}

func (c *Collector) ObserveWaitTime(pool string, d time.Duration) {
	c.waitTime.WithLabelValues(pool).Observe(float64(d.Milliseconds()))
}

// RemovePool deletes every series for a pool, used when a pool is disposed
// outside of process shutdown (e.g. in long-lived test suites).
func (c *Collector) RemovePool(pool string) {
	c.usage.DeletePartialMatch(prometheus.Labels{"pool_name": pool})
	c.idleMin.DeleteLabelValues(pool)
	c.idleMax.DeleteLabelValues(pool)
	c.max.DeleteLabelValues(pool)
	c.pendingRequests.DeleteLabelValues(pool)
	c.createTime.DeletePartialMatch(prometheus.Labels{"pool_name": pool})
	c.waitTime.DeletePartialMatch(prometheus.Labels{"pool_name": pool})
}

// Noop is a Sink that discards everything, used where a caller doesn't
// want to wire Prometheus (e.g. short-lived CLI invocations).
type Noop struct{}

func (Noop) SetUsage(string, string, float64)       {}
func (Noop) SetIdleMin(string, float64)             {}
func (Noop) SetIdleMax(string, float64)             {}
func (Noop) SetMax(string, float64)                 {}
func (Noop) SetPendingRequests(string, float64)     {}
func (Noop) ObserveCreateTime(string, time.Duration) {}
func (Noop) ObserveWaitTime(string, time.Duration)   {}
