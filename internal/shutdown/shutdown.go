// Package shutdown wires process signals to a synchronous registry
// teardown, the same SIGINT/SIGTERM-then-graceful-shutdown sequence the
// teacher's cmd/dbbouncer/main.go runs inline, pulled out so it can be unit
// tested without starting a real listener.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Registry is the subset of PoolRegistry the shutdown hook needs — kept as
// an interface so it can be exercised with a fake in tests without
// importing internal/registry (which would otherwise import internal/pool,
// internal/background and internal/dsn transitively just for this test).
type Registry interface {
	DisposeAll(ctx context.Context)
}

// Hook waits for SIGINT or SIGTERM, then calls registry.DisposeAll with a
// bounded context and returns. Intended to be called from main after every
// listener has been started.
func Hook(registry Registry, timeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received shutdown signal, disposing pools", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	registry.DisposeAll(ctx)

	slog.Info("shutdown complete")
}

// Trigger runs the same disposal Hook runs, for callers (tests, or a
// process managed by something other than signals) that already know it's
// time to stop.
func Trigger(registry Registry, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	registry.DisposeAll(ctx)
}
