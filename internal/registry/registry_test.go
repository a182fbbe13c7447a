package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mysqlconnpool/pool/internal/background"
	"github.com/mysqlconnpool/pool/internal/dsn"
	"github.com/mysqlconnpool/pool/internal/loadbalancer"
	"github.com/mysqlconnpool/pool/internal/pool"
)

type fakeSession struct {
	id         int64
	generation uint64
	host       string
	createdAt  time.Time
}

func (s *fakeSession) ID() int64                                            { return s.id }
func (s *fakeSession) Generation() uint64                                   { return s.generation }
func (s *fakeSession) Host() string                                        { return s.host }
func (s *fakeSession) CreatedAt() time.Time                                 { return s.createdAt }
func (s *fakeSession) LastReturnedAt() time.Time                            { return s.createdAt }
func (s *fakeSession) MarkReturned(t time.Time)                             {}
func (s *fakeSession) IsConnected() bool                                    { return true }
func (s *fakeSession) TryReset(ctx context.Context, settings *dsn.PoolSettings) bool { return true }
func (s *fakeSession) Dispose(ctx context.Context) error                    { return nil }

type fakeConnector struct {
	mu       sync.Mutex
	connects int
}

func (c *fakeConnector) Connect(ctx context.Context, settings *dsn.PoolSettings, id int64, generation uint64, lb loadbalancer.LoadBalancer) (pool.Session, string, error) {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	return &fakeSession{id: id, generation: generation, host: settings.Hosts[0], createdAt: time.Now()}, "", nil
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func newTestRegistry() (*PoolRegistry, *fakeConnector) {
	conn := &fakeConnector{}
	r := New(conn, nil)
	r.startBackground = func(*pool.ConnectionPool, *dsn.PoolSettings) *background.Tasks { return nil }
	return r, conn
}

func TestGetOrCreateReturnsSamePoolForIdenticalString(t *testing.T) {
	r, _ := newTestRegistry()
	raw := "Server=db1;Port=3306;User=root;MaximumPoolSize=5;"

	p1, err := r.GetOrCreate(raw)
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	p2, err := r.GetOrCreate(raw)
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if p1 != p2 {
		t.Error("expected the identical connection string to resolve to the same pool")
	}
}

func TestGetOrCreateAliasesEquivalentStrings(t *testing.T) {
	r, _ := newTestRegistry()

	p1, err := r.GetOrCreate("Server=db1;Port=3306;User=root;MaximumPoolSize=5;")
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	// Same settings, different key order and casing — must normalize to the
	// same pool.
	p2, err := r.GetOrCreate("PORT=3306;server=db1;maximumpoolsize=5;user=root;")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if p1 != p2 {
		t.Error("expected equivalent connection strings to alias the same pool")
	}
}

func TestGetOrCreateDistinctSettingsGetDistinctPools(t *testing.T) {
	r, _ := newTestRegistry()

	p1, err := r.GetOrCreate("Server=db1;Port=3306;User=root;MaximumPoolSize=5;")
	if err != nil {
		t.Fatalf("pool1: %v", err)
	}
	p2, err := r.GetOrCreate("Server=db2;Port=3306;User=root;MaximumPoolSize=5;")
	if err != nil {
		t.Fatalf("pool2: %v", err)
	}
	if p1 == p2 {
		t.Error("expected different hosts to produce different pools")
	}
}

func TestGetOrCreatePropagatesParseErrors(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.GetOrCreate("not a valid connection string without equals signs and server key"); err == nil {
		t.Fatal("expected a malformed connection string to return an error")
	}
}

func TestGetOrCreateConcurrentCallersShareOnePool(t *testing.T) {
	r, conn := newTestRegistry()
	raw := "Server=db1;Port=3306;User=root;MaximumPoolSize=5;"

	const n = 20
	pools := make([]*pool.ConnectionPool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.GetOrCreate(raw)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			pools[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if pools[i] != pools[0] {
			t.Fatalf("concurrent callers got different pools at index %d", i)
		}
	}
	_ = conn
}

func TestClearAllClearsEveryRegisteredPool(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	p1, _ := r.GetOrCreate("Server=db1;Port=3306;User=root;MaximumPoolSize=5;")
	owner := pool.NewOwner()
	sess, err := p1.Checkout(ctx, owner, time.Now(), pool.IOModeSync)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	p1.Return(ctx, sess, pool.IOModeSync)

	if st := p1.Stats(); st.Generation != 0 {
		t.Fatalf("expected generation 0 before clear, got %d", st.Generation)
	}
	r.ClearAll(ctx)
	if st := p1.Stats(); st.Generation != 1 {
		t.Fatalf("expected ClearAll to bump the pool's generation, got %d", st.Generation)
	}
}

func TestGetOrCreateReturnsNilForDisabledPooling(t *testing.T) {
	r, conn := newTestRegistry()
	raw := "Server=db1;Port=3306;User=root;Pooling=false;"

	p, err := r.GetOrCreate(raw)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil pool for a disabled-pooling string, got %v", p)
	}
	if got := conn.count(); got != 0 {
		t.Fatalf("expected no physical connection for a disabled-pooling string, got %d", got)
	}
	if stats := r.Stats(); len(stats) != 0 {
		t.Fatalf("expected no pool registered for a disabled-pooling string, got %d", len(stats))
	}

	// Second call hits the negative cache and still returns nil without error.
	p2, err := r.GetOrCreate(raw)
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if p2 != nil {
		t.Fatalf("expected nil pool on repeated lookup of a disabled-pooling string, got %v", p2)
	}
}

func TestStatsReportsOneEntryPerUniquePool(t *testing.T) {
	r, _ := newTestRegistry()
	r.GetOrCreate("Server=db1;Port=3306;User=root;MaximumPoolSize=5;")
	r.GetOrCreate("server=db1;port=3306;user=root;maximumpoolsize=5;") // alias
	r.GetOrCreate("Server=db2;Port=3306;User=root;MaximumPoolSize=5;")

	stats := r.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 unique pools, got %d", len(stats))
	}
}
