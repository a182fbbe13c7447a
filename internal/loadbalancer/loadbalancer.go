// Package loadbalancer orders candidate hosts for a connection attempt.
// The connect loop itself lives in the Session collaborator; the
// ConnectionPool consults a LoadBalancer once per connectSession call.
package loadbalancer

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/mysqlconnpool/pool/internal/dsn"
)

// LoadBalancer orders a pool's configured hosts for the next connection
// attempt. Implementations must be safe for concurrent use — multiple
// goroutines may be inside connect_session at once.
type LoadBalancer interface {
	Order(hosts []string) []string
}

// FailOver always attempts hosts in the configured order.
type FailOver struct{}

func (FailOver) Order(hosts []string) []string {
	out := make([]string, len(hosts))
	copy(out, hosts)
	return out
}

// RoundRobin rotates the host list by an internal cursor that advances on
// every call, spreading connection attempts evenly across hosts over time.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func (r *RoundRobin) Order(hosts []string) []string {
	if len(hosts) == 0 {
		return nil
	}
	r.mu.Lock()
	start := r.cursor % len(hosts)
	r.cursor++
	r.mu.Unlock()

	out := make([]string, len(hosts))
	for i := range hosts {
		out[i] = hosts[(start+i)%len(hosts)]
	}
	return out
}

// Random returns a shuffled copy of the host list on every call.
type Random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom creates a Random balancer with its own generator seeded with
// seed, preferring explicit, injectable randomness over the shared global
// generator.
func NewRandom(seed int64) *Random {
	return &Random{rnd: rand.New(rand.NewSource(seed))}
}

func (r *Random) Order(hosts []string) []string {
	out := make([]string, len(hosts))
	copy(out, hosts)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// HostCounts is the shared "sessions per host" tally that LeastConnections
// sorts by. The ConnectionPool is responsible for calling Inc/Dec as
// sessions are created and discarded; the balancer only reads it.
// Guarded by its own mutex, never held across I/O.
type HostCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewHostCounts creates an empty shared host-count table.
func NewHostCounts() *HostCounts {
	return &HostCounts{counts: make(map[string]int)}
}

// Inc records one more session connected to host.
func (h *HostCounts) Inc(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[host]++
}

// Dec records one fewer session connected to host.
func (h *HostCounts) Dec(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts[host] > 0 {
		h.counts[host]--
	}
}

// Snapshot returns a copy of the current per-host counts.
func (h *HostCounts) Snapshot() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// LeastConnections sorts the candidate hosts ascending by their current
// connection count, breaking ties by original configured order (a stable
// sort).
type LeastConnections struct {
	Counts *HostCounts
}

func (l *LeastConnections) Order(hosts []string) []string {
	counts := l.Counts.Snapshot()
	out := make([]string, len(hosts))
	copy(out, hosts)
	sort.SliceStable(out, func(i, j int) bool {
		return counts[out[i]] < counts[out[j]]
	})
	return out
}

// New builds the LoadBalancer named by a PoolSettings' LoadBalance field.
// Only LeastConnections needs a HostCounts; every other strategy returns a
// nil one, which ConnectionPool treats as "don't track per-host tallies
// for this pool".
func New(policy dsn.LoadBalance, seed int64) (LoadBalancer, *HostCounts) {
	switch policy {
	case dsn.LoadBalanceRoundRobin:
		return &RoundRobin{}, nil
	case dsn.LoadBalanceRandom:
		return NewRandom(seed), nil
	case dsn.LoadBalanceLeastConnections:
		counts := NewHostCounts()
		return &LeastConnections{Counts: counts}, counts
	default:
		return FailOver{}, nil
	}
}
