// Package background runs the per-pool maintenance goroutines: a periodic
// reaper and, for TCP pools configured with a DNSCheckInterval, a
// DNS-change watcher that clears the pool when its hosts' resolved
// addresses change. The ticker-plus-WaitGroup-plus-cancellable-context
// skeleton generalizes a single ticker driving a bounded worker pool into
// two independent tickers per pool, each with its own Start/Stop/run shape.
package background

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mysqlconnpool/pool/internal/dsn"
	"github.com/mysqlconnpool/pool/internal/pool"
)

const (
	minReapInterval = time.Second
	maxReapInterval = 60 * time.Second
	maintenanceTimeout = 5 * time.Second
)

// Tasks owns the goroutines running against one ConnectionPool. Stop blocks
// until both have exited.
type Tasks struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches a reaper goroutine (only when settings name a positive
// ConnectionIdleTimeout) and a DNS watcher goroutine (only when settings
// name a TCP protocol and a positive DNSCheckInterval) against p. The
// returned Tasks' Stop must be called to release them.
func Start(p *pool.ConnectionPool, settings *dsn.PoolSettings) *Tasks {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tasks{cancel: cancel}

	if settings.ConnectionIdleTimeout > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			runReaper(ctx, p, settings)
		}()
	}

	if settings.Protocol == dsn.ProtocolTCP && settings.DNSCheckInterval > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			runDNSWatcher(ctx, p, settings)
		}()
	}

	return t
}

// Stop cancels both goroutines and waits for them to exit. Safe to call on
// a nil *Tasks (a pool that was never started, e.g. in tests).
func (t *Tasks) Stop() {
	if t == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
}

// reapInterval clamps idle_timeout/2 into [1s, 60s], so a very short idle
// timeout doesn't spin the reaper and a very long one still checks
// periodically.
func reapInterval(idleTimeout time.Duration) time.Duration {
	period := idleTimeout / 2
	if period < minReapInterval {
		period = minReapInterval
	}
	if period > maxReapInterval {
		period = maxReapInterval
	}
	return period
}

func runReaper(ctx context.Context, p *pool.ConnectionPool, settings *dsn.PoolSettings) {
	ticker := time.NewTicker(reapInterval(settings.ConnectionIdleTimeout))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reapCtx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			p.Reap(reapCtx)
			cancel()
		}
	}
}

func runDNSWatcher(ctx context.Context, p *pool.ConnectionPool, settings *dsn.PoolSettings) {
	last, lastOK := resolveHosts(ctx, settings.Hosts)

	ticker := time.NewTicker(settings.DNSCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, ok := resolveHosts(ctx, settings.Hosts)
			if !ok {
				continue
			}
			if lastOK && !addrSetsEqual(last, cur) {
				slog.Info("dns resolution changed, clearing pool", "pool", p.Name())
				clearCtx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
				p.Clear(clearCtx)
				cancel()
			}
			last, lastOK = cur, true
		}
	}
}

// resolveHosts looks up every configured host and returns the union of
// resolved addresses, and whether every host resolved. The watcher skips a
// tick in which any host failed to resolve rather than treating it as an
// addr-set change — a transient DNS hiccup shouldn't clear a working pool.
func resolveHosts(ctx context.Context, hosts []string) (map[string]struct{}, bool) {
	out := make(map[string]struct{})
	ok := true
	for _, host := range hosts {
		lookupCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		cancel()
		if err != nil {
			ok = false
			continue
		}
		for _, a := range addrs {
			out[a] = struct{}{}
		}
	}
	return out, ok
}

func addrSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
