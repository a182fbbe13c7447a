// Package pool implements ConnectionPool: the bounded
// checkout/return protocol, idle stack, leak-recovery scan and lazy
// minimum-size fill around a single connection-string's worth of MySQL
// sessions. It is the pool core the rest of this module wires together —
// the registry owns a map of these, background tasks call Reap and
// DNS-triggered Clear, and the admin API reports their Stats.
//
// Session connect/reset/dispose is delegated to a Connector, structurally
// satisfied by internal/session.Adapter without this package importing it
// (session imports pool, not the other way round — see DESIGN.md).
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/mysqlconnpool/pool/internal/dsn"
	"github.com/mysqlconnpool/pool/internal/loadbalancer"
	"github.com/mysqlconnpool/pool/internal/metrics"
)

// leakScanThrottle bounds how often a saturated checkout will pay for a
// leak scan: at most once per second.
const leakScanThrottle = time.Second

// cleanPermitTimeout bounds how long cleanPool waits for a permit before
// popping an idle entry for staleness evaluation. A short timeout rather
// than a blocking acquire: if the pool is fully subscribed this tick,
// skip the sweep and let the next tick retry instead of stalling callers
// waiting on Clear/Reap.
const cleanPermitTimeout = 50 * time.Millisecond

var (
	// ErrCancelled is returned when a checkout's context is cancelled
	// explicitly by the caller while waiting for a permit.
	ErrCancelled = errors.New("pool: checkout cancelled")
	// ErrPoolExhaustedTimeout is returned when a checkout's context deadline
	// elapses while waiting for a permit — the pool was saturated for the
	// caller's whole connect-timeout budget.
	ErrPoolExhaustedTimeout = errors.New("pool: exhausted, timed out waiting for a session")
	// ErrConnectFailed wraps the error the Connector returned when it could
	// not dial a new session.
	ErrConnectFailed = errors.New("pool: session connect failed")
	// ErrRedirectionRequired is returned when ServerRedirectionMode is
	// Required but no redirection took place: the server offered no usable
	// redirection target, or connecting to the offered target failed.
	ErrRedirectionRequired = errors.New("pool: server redirection required but did not occur")
)

// Session is the black-box backend connection. It is
// structurally satisfied by *internal/session.Session.
type Session interface {
	ID() int64
	Generation() uint64
	Host() string
	CreatedAt() time.Time
	LastReturnedAt() time.Time
	MarkReturned(t time.Time)
	IsConnected() bool
	TryReset(ctx context.Context, settings *dsn.PoolSettings) bool
	Dispose(ctx context.Context) error
}

// Connector dials one new Session, trying hosts in the order lb picks.
// The second return value is a server status string: "" when the server
// offered no redirection hint, "Location: mysql://host:port/..." when it
// did.
type Connector interface {
	Connect(ctx context.Context, settings *dsn.PoolSettings, id int64, generation uint64, lb loadbalancer.LoadBalancer) (Session, string, error)
}

// Owner is the caller-side handle a leased Session is checked out against.
// ConnectionPool never dereferences it; it only keeps a weak.Pointer to it
// so a caller who drops their handle without returning it is detectable by
// the leak-recovery scan once the garbage collector
// reclaims it.
//
// The unused pointer field keeps Owner non-zero-sized and out of the tiny
// allocator, so every NewOwner is its own heap object that the collector can
// reclaim on its own.
type Owner struct{ _ *byte }

// NewOwner returns a fresh Owner handle for a single checkout call.
func NewOwner() *Owner { return &Owner{} }

// IOMode threads the sync/async distinction through the API.
// Go's goroutines already make a blocking call non-blocking to every other
// goroutine, so both modes run the identical code path here — IOMode is
// kept only so call sites can state their intent (see DESIGN.md).
type IOMode int

const (
	IOModeSync IOMode = iota
	IOModeAsync
)

// ProcedureCache is opaque to this package: a higher layer
// builds and reads it under its own lock. ConnectionPool only owns its
// lifecycle — lazily created, reset to empty on Clear.
type ProcedureCache struct {
	mu    sync.Mutex
	items map[string]any
}

// NewProcedureCache returns an empty cache.
func NewProcedureCache() *ProcedureCache {
	return &ProcedureCache{items: make(map[string]any)}
}

func (c *ProcedureCache) Lock()   { c.mu.Lock() }
func (c *ProcedureCache) Unlock() { c.mu.Unlock() }

func (c *ProcedureCache) Get(key string) (any, bool) {
	v, ok := c.items[key]
	return v, ok
}

func (c *ProcedureCache) Put(key string, v any) {
	c.items[key] = v
}

type idleEntry struct {
	session Session
	// ownsPermit is true only for sessions that have never passed through
	// Return — i.e. ensure_minimum_sessions prefills. Those hold their
	// creation-time permit until first checked out; everything else gives
	// its permit back unconditionally on Return (see DESIGN.md).
	ownsPermit bool
}

type leaseEntry struct {
	session Session
	owner   weak.Pointer[Owner]
}

// semaphore is a bounded counting permit, implemented the same way a
// bounded worker pool caps concurrent workers: a buffered channel used as
// a token bucket.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	return &semaphore{ch: make(chan struct{}, n)}
}

func (s *semaphore) tryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	select {
	case <-s.ch:
	default:
	}
}

func (s *semaphore) available() int { return cap(s.ch) - len(s.ch) }

// ConnectionPool is one connection-string's worth of bounded MySQL
// sessions.
type ConnectionPool struct {
	name      string
	settings  *dsn.PoolSettings
	connector Connector
	lb        loadbalancer.LoadBalancer
	hostCounts *loadbalancer.HostCounts
	metrics   metrics.Sink

	generation    atomic.Uint64
	lastSessionID atomic.Int64

	idleMu    sync.Mutex
	idleList  *list.List // of *idleEntry

	leasedMu       sync.Mutex
	leasedSessions map[int64]*leaseEntry

	permits *semaphore

	cleanMu sync.Mutex

	idleCount       atomic.Int64
	usedCount       atomic.Int64
	pendingRequests atomic.Int64

	lastLeakScanAt atomic.Int64 // UnixNano; zero value means "never"

	procedureCache atomic.Pointer[ProcedureCache]

	disposeOnce sync.Once
	onDispose   func()
}

// New builds a ConnectionPool for settings, publishing its configured
// gauges immediately. hostCounts may be nil when lb doesn't need per-host
// tallies (anything but LeastConnections).
func New(name string, settings *dsn.PoolSettings, connector Connector, lb loadbalancer.LoadBalancer, hostCounts *loadbalancer.HostCounts, sink metrics.Sink) *ConnectionPool {
	if sink == nil {
		sink = metrics.Noop{}
	}
	p := &ConnectionPool{
		name:           name,
		settings:       settings,
		connector:      connector,
		lb:             lb,
		hostCounts:     hostCounts,
		metrics:        sink,
		idleList:       list.New(),
		leasedSessions: make(map[int64]*leaseEntry),
		permits:        newSemaphore(settings.MaximumPoolSize),
	}
	p.metrics.SetMax(p.name, float64(settings.MaximumPoolSize))
	p.metrics.SetIdleMin(p.name, float64(settings.MinimumPoolSize))
	p.metrics.SetIdleMax(p.name, float64(settings.MaximumPoolSize))
	p.publishUsage()
	return p
}

// Name returns the pool's display name.
func (p *ConnectionPool) Name() string { return p.name }

// OnDispose registers a callback Dispose runs exactly once, used by the
// registry to stop this pool's background reaper/DNS-watcher goroutines.
func (p *ConnectionPool) OnDispose(fn func()) { p.onDispose = fn }

// Stats is a point-in-time snapshot for the admin API.
type Stats struct {
	Name       string
	Idle       int
	Used       int
	Min        int
	Max        int
	Generation uint64
}

func (p *ConnectionPool) Stats() Stats {
	return Stats{
		Name:       p.name,
		Idle:       int(p.idleCount.Load()),
		Used:       int(p.usedCount.Load()),
		Min:        p.settings.MinimumPoolSize,
		Max:        p.settings.MaximumPoolSize,
		Generation: p.generation.Load(),
	}
}

// AddPendingRequestCount adjusts the "callers currently waiting for a
// session" gauge. Higher layers call it around a blocking
// Checkout so contention is visible even while the call hasn't returned.
func (p *ConnectionPool) AddPendingRequestCount(delta int64) {
	v := p.pendingRequests.Add(delta)
	p.metrics.SetPendingRequests(p.name, float64(v))
}

// ProcedureCache lazily creates (or returns the existing) opaque prepared
// statement/procedure cache for this pool.
func (p *ConnectionPool) ProcedureCache() *ProcedureCache {
	if cur := p.procedureCache.Load(); cur != nil {
		return cur
	}
	fresh := NewProcedureCache()
	if p.procedureCache.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return p.procedureCache.Load()
}

func (p *ConnectionPool) totalSessions() int64 {
	return p.idleCount.Load() + p.usedCount.Load()
}

func (p *ConnectionPool) publishUsage() {
	p.metrics.SetUsage(p.name, "idle", float64(p.idleCount.Load()))
	p.metrics.SetUsage(p.name, "used", float64(p.usedCount.Load()))
}

func classifyCancel(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPoolExhaustedTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrCancelled, err)
}

// Checkout implements the numbered checkout contract: consult the leak
// scan and minimum-size fill before blocking on a permit, then prefer an
// idle session over dialing a new one.
func (p *ConnectionPool) Checkout(ctx context.Context, caller *Owner, startTick time.Time, mode IOMode) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyCancel(err)
	}

	if p.permits.available() == 0 && p.leakScanDue() {
		p.leakScan(ctx)
	}

	if p.settings.MinimumPoolSize > 0 {
		p.ensureMinimumSessions(ctx)
	}

	if err := p.permits.acquire(ctx); err != nil {
		return nil, classifyCancel(err)
	}

	if entry := p.popFrontIdle(); entry != nil {
		p.idleCount.Add(-1)
		p.publishUsage()

		if entry.ownsPermit {
			p.permits.release()
		}

		if p.shouldReuse(ctx, entry.session) {
			p.leaseSession(entry.session, caller)
			p.metrics.ObserveWaitTime(p.name, time.Since(startTick))
			return entry.session, nil
		}

		if p.hostCounts != nil {
			p.hostCounts.Dec(entry.session.Host())
		}
		_ = entry.session.Dispose(ctx)
		// This checkout's own permit (acquired above) backs the
		// replacement session connectSession is about to create.
	}

	sess, err := p.connectSession(ctx)
	if err != nil {
		p.permits.release()
		return nil, err
	}
	p.leaseSession(sess, caller)
	p.metrics.ObserveCreateTime(p.name, time.Since(startTick))
	return sess, nil
}

func (p *ConnectionPool) shouldReuse(ctx context.Context, sess Session) bool {
	if sess.Generation() != p.generation.Load() {
		return false
	}
	if p.settings.ConnectionReset {
		return sess.TryReset(ctx, p.settings)
	}
	return true
}

func (p *ConnectionPool) leaseSession(sess Session, caller *Owner) {
	p.leasedMu.Lock()
	p.leasedSessions[sess.ID()] = &leaseEntry{session: sess, owner: weak.Make(caller)}
	p.leasedMu.Unlock()
	p.usedCount.Add(1)
	p.publishUsage()
}

// connectSession dials a brand new Session and handles the server
// redirection protocol.
func (p *ConnectionPool) connectSession(ctx context.Context) (Session, error) {
	id := p.lastSessionID.Add(1)
	gen := p.generation.Load()

	sess, status, err := p.connector.Connect(ctx, p.settings, id, gen, p.lb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if p.hostCounts != nil {
		p.hostCounts.Inc(sess.Host())
	}

	redirected, redirectErr := p.maybeRedirect(ctx, sess, status, id, gen)
	if redirected != nil {
		return redirected, nil
	}
	if p.settings.ServerRedirectionMode == dsn.RedirectionRequired {
		if p.hostCounts != nil {
			p.hostCounts.Dec(sess.Host())
		}
		_ = sess.Dispose(ctx)
		if redirectErr == nil {
			redirectErr = errors.New("server omitted redirection header")
		}
		return nil, fmt.Errorf("%w: %v", ErrRedirectionRequired, redirectErr)
	}
	return sess, nil
}

func (p *ConnectionPool) maybeRedirect(ctx context.Context, orig Session, status string, id int64, gen uint64) (Session, error) {
	if p.settings.ServerRedirectionMode == dsn.RedirectionDisabled {
		return nil, nil
	}
	host, port, ok := parseRedirectLocation(status)
	if !ok {
		return nil, errors.New("no redirection target offered")
	}
	if len(p.settings.Hosts) > 0 && p.settings.Hosts[0] == host && p.settings.Port == port {
		return nil, nil // already connected to the offered target
	}

	redirectSettings := p.settings.WithEndpoint(host, port)
	redirected, _, err := p.connector.Connect(ctx, redirectSettings, id, gen, p.lb)
	if err != nil {
		return nil, fmt.Errorf("redirect connect to %s:%d failed: %w", host, port, err)
	}
	if p.hostCounts != nil {
		p.hostCounts.Dec(orig.Host())
		p.hostCounts.Inc(redirected.Host())
	}
	_ = orig.Dispose(ctx)
	return redirected, nil
}

// parseRedirectLocation parses "Location: mysql://host:port/..." status
// strings. Anything else (including "") means no redirection was offered.
func parseRedirectLocation(status string) (host string, port int, ok bool) {
	const prefix = "Location: mysql://"
	if !strings.HasPrefix(status, prefix) {
		return "", 0, false
	}
	rest := status[len(prefix):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rest = rest[:q]
	}
	colon := strings.LastIndexByte(rest, ':')
	if colon < 0 {
		return "", 0, false
	}
	h := rest[:colon]
	portStr := rest[colon+1:]
	if h == "" || portStr == "" {
		return "", 0, false
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 {
		return "", 0, false
	}
	return h, p, true
}

// ensureMinimumSessions lazily fills the pool up to MinimumPoolSize,
// stopping early if the pool is saturated.
func (p *ConnectionPool) ensureMinimumSessions(ctx context.Context) {
	for {
		if p.totalSessions() >= int64(p.settings.MinimumPoolSize) {
			return
		}
		if !p.permits.tryAcquire() {
			return
		}
		sess, err := p.connectSession(ctx)
		if err != nil {
			p.permits.release()
			slog.Warn("minimum pool size pre-fill failed", "pool", p.name, "error", err)
			return
		}
		p.pushFrontIdle(&idleEntry{session: sess, ownsPermit: true})
		p.idleCount.Add(1)
		p.publishUsage()
	}
}

const (
	healthHealthy = iota
	healthDisconnected
	healthStaleGeneration
	healthLifetimeExceeded
)

func (p *ConnectionPool) sessionHealth(sess Session) int {
	if !sess.IsConnected() {
		return healthDisconnected
	}
	if sess.Generation() != p.generation.Load() {
		return healthStaleGeneration
	}
	if p.settings.ConnectionLifetime > 0 && time.Since(sess.CreatedAt()) > p.settings.ConnectionLifetime {
		return healthLifetimeExceeded
	}
	return healthHealthy
}

// Return implements the return contract: a healthy session goes
// back to the front of idle_sessions; anything else is disposed. Either
// way exactly one permit is released, unconditionally.
func (p *ConnectionPool) Return(ctx context.Context, sess Session, mode IOMode) {
	p.leasedMu.Lock()
	delete(p.leasedSessions, sess.ID())
	p.leasedMu.Unlock()
	p.usedCount.Add(-1)
	p.publishUsage()

	if p.sessionHealth(sess) == healthHealthy {
		sess.MarkReturned(time.Now())
		p.pushFrontIdle(&idleEntry{session: sess, ownsPermit: false})
		p.idleCount.Add(1)
		p.publishUsage()
	} else {
		if p.hostCounts != nil {
			p.hostCounts.Dec(sess.Host())
		}
		if err := sess.Dispose(ctx); err != nil {
			slog.Warn("session dispose failed on return", "pool", p.name, "session_id", sess.ID(), "error", err)
		}
	}
	p.permits.release()
}

// leakScanDue reports whether at least leakScanThrottle has elapsed since
// the last scan (or none has run yet).
func (p *ConnectionPool) leakScanDue() bool {
	last := p.lastLeakScanAt.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= leakScanThrottle
}

// leakScan reclaims leaked sessions: any leased session whose owner has
// been garbage collected without calling Return is reclaimed. A forced GC
// pass makes the reclaim deterministic within this single call instead of
// depending on when the runtime next happens to collect.
func (p *ConnectionPool) leakScan(ctx context.Context) {
	p.lastLeakScanAt.Store(time.Now().UnixNano())
	runtime.GC()

	type pending struct {
		session   Session
		keepAlive *Owner
	}
	var reclaimed []pending

	p.leasedMu.Lock()
	for _, entry := range p.leasedSessions {
		if entry.owner.Value() != nil {
			continue
		}
		placeholder := &Owner{}
		entry.owner = weak.Make(placeholder)
		reclaimed = append(reclaimed, pending{session: entry.session, keepAlive: placeholder})
	}
	p.leasedMu.Unlock()

	for _, r := range reclaimed {
		p.Return(ctx, r.session, IOModeAsync)
		runtime.KeepAlive(r.keepAlive)
	}
}

// Clear bumps the generation so every outstanding
// session is stale, reset the procedure cache, and sweep idle sessions
// from the current (now-previous) generation.
func (p *ConnectionPool) Clear(ctx context.Context) {
	p.generation.Add(1)
	p.procedureCache.Store(nil)
	p.leakScan(ctx)
	p.cleanPool(ctx, func(s Session) bool {
		return s.Generation() != p.generation.Load()
	}, false)
}

// Reap sweeps idle sessions that have sat past
// ConnectionIdleTimeout, never shrinking below MinimumPoolSize.
func (p *ConnectionPool) Reap(ctx context.Context) {
	p.leakScan(ctx)
	p.cleanPool(ctx, func(s Session) bool {
		if p.settings.ConnectionIdleTimeout <= 0 {
			return false
		}
		return time.Since(s.LastReturnedAt()) >= p.settings.ConnectionIdleTimeout
	}, true)
}

// cleanPool repeatedly examines the back of
// idle_sessions (oldest first), disposing of stale ones, stopping at the
// first session the predicate doesn't condemn (everything in front of it
// was touched more recently and can't be stale either).
//
// A returned-but-healthy idle entry holds no permit of its own (Return
// releases it unconditionally), so popping it out of idle_sessions for
// evaluation makes it briefly invisible to both the idle list and the
// permit count. A concurrent Checkout that misses the idle list during
// that window would otherwise dial a brand-new session against a permit
// that was never reserved for this one, pushing the pool one session over
// its configured maximum once this entry is pushed back. Acquiring a
// permit before popping closes that window: it stands in for the entry
// for as long as it's out of the list. An entry that already owns a
// permit of its own (a prefilled one) is covered by that permit instead,
// so the guard is released as soon as such an entry is popped.
func (p *ConnectionPool) cleanPool(ctx context.Context, stale func(Session) bool, respectMin bool) {
	p.cleanMu.Lock()
	defer p.cleanMu.Unlock()

	for {
		if respectMin && p.totalSessions() <= int64(p.settings.MinimumPoolSize) {
			return
		}

		acquireCtx, cancel := context.WithTimeout(ctx, cleanPermitTimeout)
		err := p.permits.acquire(acquireCtx)
		cancel()
		if err != nil {
			return
		}
		holdsGuard := true

		entry := p.popBackIdle()
		if entry == nil {
			p.permits.release()
			return
		}
		if entry.ownsPermit {
			// entry already reserves its own permit for the duration it's
			// idle, so the guard permit was only insurance against this
			// entry's invisibility and isn't needed for the rest of the
			// evaluation.
			p.permits.release()
			holdsGuard = false
		}
		p.idleCount.Add(-1)
		p.publishUsage()

		if stale(entry.session) {
			if entry.ownsPermit {
				p.permits.release()
			} else if holdsGuard {
				p.permits.release()
				holdsGuard = false
			}
			if p.hostCounts != nil {
				p.hostCounts.Dec(entry.session.Host())
			}
			if err := entry.session.Dispose(ctx); err != nil {
				slog.Warn("dispose during clean failed", "pool", p.name, "error", err)
			}
			continue
		}

		p.pushBackIdle(entry)
		if holdsGuard {
			p.permits.release()
		}
		p.idleCount.Add(1)
		p.publishUsage()
		return
	}
}

// Dispose stops emitting metrics for this pool and runs the registry's
// background-task shutdown hook exactly once. It does not itself close
// sessions — callers clear the pool first if they want that.
func (p *ConnectionPool) Dispose() {
	p.disposeOnce.Do(func() {
		if p.onDispose != nil {
			p.onDispose()
		}
		if remover, ok := p.metrics.(interface{ RemovePool(string) }); ok {
			remover.RemovePool(p.name)
		}
	})
}

func (p *ConnectionPool) popFrontIdle() *idleEntry {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	e := p.idleList.Front()
	if e == nil {
		return nil
	}
	p.idleList.Remove(e)
	return e.Value.(*idleEntry)
}

func (p *ConnectionPool) popBackIdle() *idleEntry {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	e := p.idleList.Back()
	if e == nil {
		return nil
	}
	p.idleList.Remove(e)
	return e.Value.(*idleEntry)
}

func (p *ConnectionPool) pushFrontIdle(e *idleEntry) {
	p.idleMu.Lock()
	p.idleList.PushFront(e)
	p.idleMu.Unlock()
}

func (p *ConnectionPool) pushBackIdle(e *idleEntry) {
	p.idleMu.Lock()
	p.idleList.PushBack(e)
	p.idleMu.Unlock()
}
