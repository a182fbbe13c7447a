// Package registry implements PoolRegistry: the process-wide map from
// connection string to ConnectionPool, lazily constructing one the first
// time a given (normalized) connection string is seen and handing out the
// same instance to every later caller naming an equivalent string.
//
// The concurrency shape — an immutable snapshot behind atomic.Value, read
// lock-free and swapped under a single write mutex — is a router pattern
// adapted from "lookup key -> routing target" to "connection string ->
// *pool.ConnectionPool".
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mysqlconnpool/pool/internal/background"
	"github.com/mysqlconnpool/pool/internal/dsn"
	"github.com/mysqlconnpool/pool/internal/loadbalancer"
	"github.com/mysqlconnpool/pool/internal/metrics"
	"github.com/mysqlconnpool/pool/internal/pool"
)

// snapshot is the immutable value swapped under PoolRegistry.wmu. byRaw
// indexes every distinct connection-string spelling seen so far; byNormalized
// indexes the one canonical pool per equivalence class: two connection
// strings naming the same settings share one pool.
type snapshot struct {
	byRaw        map[string]*pool.ConnectionPool
	byNormalized map[string]*pool.ConnectionPool
	tasks        map[*pool.ConnectionPool]*background.Tasks
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byRaw:        make(map[string]*pool.ConnectionPool),
		byNormalized: make(map[string]*pool.ConnectionPool),
		tasks:        make(map[*pool.ConnectionPool]*background.Tasks),
	}
}

func (s *snapshot) clone() *snapshot {
	c := emptySnapshot()
	for k, v := range s.byRaw {
		c.byRaw[k] = v
	}
	for k, v := range s.byNormalized {
		c.byNormalized[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	return c
}

// PoolRegistry owns every ConnectionPool in the process, keyed by
// connection string. GetOrCreate is safe for concurrent use
// and is the hot path every checkout goes through, so reads never block on
// the write mutex.
type PoolRegistry struct {
	snap atomic.Value // *snapshot
	wmu  sync.Mutex

	// mru is a single-slot cache of the most recently resolved connection
	// string, checked before touching the snapshot map at all — a fast
	// path for the overwhelmingly common case of the same caller
	// repeatedly resolving the same string.
	mruMu   sync.Mutex
	mruRaw  string
	mruPool *pool.ConnectionPool
	// mruResolved distinguishes "never looked up" from "looked up and
	// pooling turned out to be disabled" (mruPool nil either way).
	mruResolved bool

	connector       pool.Connector
	metrics         metrics.Sink
	lbSeed          int64
	startBackground func(*pool.ConnectionPool, *dsn.PoolSettings) *background.Tasks
}

// New returns an empty PoolRegistry. connector dials real Sessions (see
// internal/session.NewAdapter); sink may be nil to disable metrics.
func New(connector pool.Connector, sink metrics.Sink) *PoolRegistry {
	if sink == nil {
		sink = metrics.Noop{}
	}
	r := &PoolRegistry{
		connector:       connector,
		metrics:         sink,
		lbSeed:          time.Now().UnixNano(),
		startBackground: background.Start,
	}
	r.snap.Store(emptySnapshot())
	return r
}

func (r *PoolRegistry) load() *snapshot {
	return r.snap.Load().(*snapshot)
}

func (r *PoolRegistry) updateMRU(raw string, p *pool.ConnectionPool) {
	r.mruMu.Lock()
	r.mruRaw, r.mruPool, r.mruResolved = raw, p, true
	r.mruMu.Unlock()
}

// GetOrCreate resolves a connection string to its ConnectionPool, building
// one the first time an equivalent string is seen. Two strings that
// normalize identically (same hosts,
// port, user, pool-sizing options, in any key order or casing) always
// resolve to the same *ConnectionPool.
//
// If the string's Pooling option is false, no pool is built at all: raw is
// recorded in a negative cache and GetOrCreate returns (nil, nil), same as
// every later call naming that exact string. Callers are expected to open
// an unpooled session directly in that case.
func (r *PoolRegistry) GetOrCreate(raw string) (*pool.ConnectionPool, error) {
	r.mruMu.Lock()
	if raw == r.mruRaw && r.mruResolved {
		p := r.mruPool
		r.mruMu.Unlock()
		return p, nil
	}
	r.mruMu.Unlock()

	if p, ok := r.load().byRaw[raw]; ok {
		r.updateMRU(raw, p)
		return p, nil
	}

	settings, err := dsn.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	if !settings.Pooling {
		r.recordDisabled(raw)
		r.updateMRU(raw, nil)
		return nil, nil
	}

	norm := settings.Normalized()

	if p, ok := r.load().byNormalized[norm]; ok {
		r.linkRawAlias(raw, p)
		r.updateMRU(raw, p)
		return p, nil
	}

	p, err := r.getOrCreateLocked(raw, norm, settings)
	if err != nil {
		return nil, err
	}
	r.updateMRU(raw, p)
	return p, nil
}

// recordDisabled stores raw against a nil pool in byRaw: a negative-cache
// entry meaning pooling is disabled for this exact connection string.
func (r *PoolRegistry) recordDisabled(raw string) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.byRaw[raw]; ok {
		return
	}
	next := cur.clone()
	next.byRaw[raw] = nil
	r.snap.Store(next)
}

// linkRawAlias records that raw is another spelling of an already-known
// pool, without taking the write mutex's slow path for construction.
func (r *PoolRegistry) linkRawAlias(raw string, p *pool.ConnectionPool) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if cur.byRaw[raw] == p {
		return
	}
	next := cur.clone()
	next.byRaw[raw] = p
	r.snap.Store(next)
}

// getOrCreateLocked builds a new pool for norm, re-checking under wmu in
// case a concurrent caller won the race between the lock-free check in
// GetOrCreate and here.
func (r *PoolRegistry) getOrCreateLocked(raw, norm string, settings *dsn.PoolSettings) (*pool.ConnectionPool, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if p, ok := cur.byNormalized[norm]; ok {
		next := cur.clone()
		next.byRaw[raw] = p
		r.snap.Store(next)
		return p, nil
	}

	lb, hostCounts := loadbalancer.New(settings.LoadBalance, r.lbSeed)
	p := pool.New(settings.DisplayName(), settings, r.connector, lb, hostCounts, r.metrics)

	var tasks *background.Tasks
	if r.startBackground != nil {
		tasks = r.startBackground(p, settings)
	}
	p.OnDispose(tasks.Stop)

	next := cur.clone()
	next.byNormalized[norm] = p
	next.byRaw[raw] = p
	next.tasks[p] = tasks
	r.snap.Store(next)
	return p, nil
}

// uniquePools returns each distinct pool in the current snapshot exactly
// once, since byRaw/byNormalized both alias the same *ConnectionPool under
// multiple keys.
func (r *PoolRegistry) uniquePools() []*pool.ConnectionPool {
	cur := r.load()
	seen := make(map[*pool.ConnectionPool]bool, len(cur.byNormalized))
	out := make([]*pool.ConnectionPool, 0, len(cur.byNormalized))
	for _, p := range cur.byNormalized {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ClearAll clears every live pool (its outstanding sessions invalidated,
// its idle sessions swept) but leaves each pool registered and running.
func (r *PoolRegistry) ClearAll(ctx context.Context) {
	for _, p := range r.uniquePools() {
		p.Clear(ctx)
	}
}

// DisposeAll clears and disposes of every pool, stopping their background
// reaper/DNS-watcher goroutines, then empties the registry. Used by the
// shutdown hook on process exit.
func (r *PoolRegistry) DisposeAll(ctx context.Context) {
	for _, p := range r.uniquePools() {
		p.Clear(ctx)
		p.Dispose()
	}

	r.wmu.Lock()
	r.snap.Store(emptySnapshot())
	r.wmu.Unlock()

	r.mruMu.Lock()
	r.mruRaw, r.mruPool, r.mruResolved = "", nil, false
	r.mruMu.Unlock()
}

// Stats returns a point-in-time snapshot of every registered pool, for the
// admin API.
func (r *PoolRegistry) Stats() []pool.Stats {
	pools := r.uniquePools()
	out := make([]pool.Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}
