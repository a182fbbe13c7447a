package loadbalancer

import (
	"reflect"
	"testing"
)

func TestFailOverReturnsUnchanged(t *testing.T) {
	in := []string{"a", "b", "c"}
	out := FailOver{}.Order(in)
	if !reflect.DeepEqual(in, out) {
		t.Errorf("expected unchanged order, got %v", out)
	}
	out[0] = "z"
	if in[0] == "z" {
		t.Error("Order must return a copy, not alias the input")
	}
}

func TestRoundRobinRotatesEachCall(t *testing.T) {
	rr := &RoundRobin{}
	hosts := []string{"a", "b", "c"}

	first := rr.Order(hosts)
	second := rr.Order(hosts)
	third := rr.Order(hosts)
	fourth := rr.Order(hosts)

	if !reflect.DeepEqual(first, []string{"a", "b", "c"}) {
		t.Errorf("first call: %v", first)
	}
	if !reflect.DeepEqual(second, []string{"b", "c", "a"}) {
		t.Errorf("second call: %v", second)
	}
	if !reflect.DeepEqual(third, []string{"c", "a", "b"}) {
		t.Errorf("third call: %v", third)
	}
	if !reflect.DeepEqual(fourth, []string{"a", "b", "c"}) {
		t.Errorf("fourth call should wrap around: %v", fourth)
	}
}

func TestRandomIsAPermutation(t *testing.T) {
	r := NewRandom(42)
	hosts := []string{"a", "b", "c", "d"}
	out := r.Order(hosts)
	if len(out) != len(hosts) {
		t.Fatalf("expected %d hosts, got %d", len(hosts), len(out))
	}
	seen := make(map[string]bool)
	for _, h := range out {
		seen[h] = true
	}
	for _, h := range hosts {
		if !seen[h] {
			t.Errorf("missing host %s in shuffled output", h)
		}
	}
}

func TestLeastConnectionsSortsAscendingStable(t *testing.T) {
	counts := NewHostCounts()
	counts.Inc("a")
	counts.Inc("a")
	counts.Inc("b")
	// c has zero connections

	lb := &LeastConnections{Counts: counts}
	out := lb.Order([]string{"a", "b", "c"})
	if !reflect.DeepEqual(out, []string{"c", "b", "a"}) {
		t.Errorf("expected ascending by count [c,b,a], got %v", out)
	}
}

func TestLeastConnectionsTieBreaksByOriginalOrder(t *testing.T) {
	counts := NewHostCounts()
	lb := &LeastConnections{Counts: counts}
	out := lb.Order([]string{"x", "y", "z"})
	if !reflect.DeepEqual(out, []string{"x", "y", "z"}) {
		t.Errorf("expected original order preserved on tie, got %v", out)
	}
}

func TestHostCountsDecNeverGoesNegative(t *testing.T) {
	counts := NewHostCounts()
	counts.Dec("a")
	if got := counts.Snapshot()["a"]; got != 0 {
		t.Errorf("expected count to stay at 0, got %d", got)
	}
}
