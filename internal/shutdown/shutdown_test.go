package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu       sync.Mutex
	disposed bool
}

func (f *fakeRegistry) DisposeAll(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *fakeRegistry) wasDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func TestTriggerCallsDisposeAll(t *testing.T) {
	r := &fakeRegistry{}
	Trigger(r, time.Second)

	if !r.wasDisposed() {
		t.Error("expected Trigger to call DisposeAll")
	}
}
