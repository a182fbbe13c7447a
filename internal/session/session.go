// Package session is the Session collaborator: a black box exposing
// connect/try_reset/dispose/is_connected. The actual MySQL wire handshake
// and authentication are delegated entirely to
// github.com/go-sql-driver/mysql, the standard driver for opening a MySQL
// connection via sql.Open("mysql", dsn).
package session

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/mysqlconnpool/pool/internal/dsn"
	"github.com/mysqlconnpool/pool/internal/loadbalancer"
	"github.com/mysqlconnpool/pool/internal/pool"
)

// Session wraps one live MySQL backend connection together with the
// bookkeeping fields the pool core needs to track.
type Session struct {
	id         int64
	generation uint64
	host       string

	createdAt time.Time

	mu             sync.Mutex
	lastReturnedAt time.Time
	connected      bool
	conn           driver.Conn
	connector      driver.Connector
}

// ID returns the session's monotonic (per-pool) identifier.
func (s *Session) ID() int64 { return s.id }

// Generation returns the pool generation this session was created under.
func (s *Session) Generation() uint64 { return s.generation }

// Host returns the backend host this session connected to.
func (s *Session) Host() string { return s.host }

// CreatedAt returns the wall-clock tick the session was created at.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastReturnedAt returns the wall-clock tick of the last successful return.
func (s *Session) LastReturnedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReturnedAt
}

// MarkReturned stamps the last-returned tick, called by ConnectionPool.Return
// before a session re-enters idle_sessions.
func (s *Session) MarkReturned(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReturnedAt = t
}

// IsConnected reports whether the underlying transport is still believed
// live. It is best-effort: it reflects the last known outcome of a
// connect/reset/dispose call, not a fresh network probe.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// TryReset resets session state for reuse: when the
// driver supports it, it issues the MySQL "reset connection" sequence via
// driver.SessionResetter, which clears session variables, temporary tables
// and transaction state without a full reconnect. When the driver doesn't
// support resets, a Ping is used as a liveness check instead. Either way, a
// false return means the caller must discard this session.
func (s *Session) TryReset(ctx context.Context, settings *dsn.PoolSettings) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.conn == nil {
		return false
	}

	if resetter, ok := s.conn.(driver.SessionResetter); ok {
		if err := resetter.ResetSession(ctx); err != nil {
			s.connected = false
			return false
		}
		return true
	}

	if pinger, ok := s.conn.(driver.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			s.connected = false
			return false
		}
		return true
	}

	// Driver exposes neither hook: assume still good: a fully dead TCP
	// connection will surface its error on the next real query instead.
	return true
}

// Dispose closes the underlying connection. Best-effort: errors are
// returned for logging but the session is always marked disconnected.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Connector creates new Sessions for a ConnectionPool. Its Connect returns
// the concrete *Session, so it does not itself satisfy pool.Connector;
// Adapter below wraps it for that.
type Connector struct{}

// Connect dials settings' host list (ordered by lb) until one succeeds,
// performing the MySQL handshake via go-sql-driver/mysql. On success it
// attempts a best-effort redirection probe: a server exposing a
// "redirect_url" session variable signals the pool should reconnect
// elsewhere; vanilla MySQL servers don't define this variable, so the
// probe is swallowed as "no redirection" rather than treated as a connect
// failure.
func (Connector) Connect(ctx context.Context, settings *dsn.PoolSettings, id int64, generation uint64, lb loadbalancer.LoadBalancer) (*Session, string, error) {
	hosts := settings.Hosts
	if lb != nil {
		hosts = lb.Order(hosts)
	}
	if len(hosts) == 0 {
		return nil, "", fmt.Errorf("session: no hosts configured")
	}

	var lastErr error
	for _, host := range hosts {
		sess, status, err := connectOne(ctx, settings, id, generation, host)
		if err == nil {
			return sess, status, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("session: all hosts failed, last error: %w", lastErr)
}

func connectOne(ctx context.Context, settings *dsn.PoolSettings, id int64, generation uint64, host string) (*Session, string, error) {
	cfg := mysqldriver.NewConfig()
	cfg.User = settings.User
	cfg.Passwd = settings.Password
	cfg.DBName = settings.Database
	cfg.AllowNativePasswords = true
	cfg.AllowCleartextPasswords = true
	cfg.CheckConnLiveness = true

	switch settings.Protocol {
	case dsn.ProtocolTCP:
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", host, settings.Port)
	case dsn.ProtocolUnix:
		cfg.Net = "unix"
		cfg.Addr = host
	case dsn.ProtocolNamedPipe:
		return nil, "", fmt.Errorf("named-pipe protocol is not supported by the MySQL driver on this platform")
	default:
		return nil, "", fmt.Errorf("unsupported protocol %q", settings.Protocol)
	}

	connector, err := mysqldriver.NewConnector(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("building connector for %s: %w", host, err)
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("connecting to %s: %w", host, err)
	}

	now := time.Now()
	sess := &Session{
		id:             id,
		generation:     generation,
		host:           host,
		createdAt:      now,
		lastReturnedAt: now,
		connected:      true,
		conn:           conn,
		connector:      connector,
	}

	status := probeRedirection(ctx, conn)
	return sess, status, nil
}

// Adapter wraps Connector so it structurally satisfies pool.Connector:
// *Session already implements pool.Session, but Go does not treat a method
// returning *Session as satisfying an interface method that returns
// pool.Session, so this thin wrapper does the upcast explicitly.
type Adapter struct {
	inner Connector
}

// NewAdapter returns a pool.Connector backed by the real MySQL driver.
func NewAdapter() pool.Connector { return Adapter{} }

func (a Adapter) Connect(ctx context.Context, settings *dsn.PoolSettings, id int64, generation uint64, lb loadbalancer.LoadBalancer) (pool.Session, string, error) {
	sess, status, err := a.inner.Connect(ctx, settings, id, generation, lb)
	if err != nil {
		return nil, "", err
	}
	return sess, status, nil
}

// probeRedirection issues a best-effort "SELECT @@session.redirect_url"
// query. Servers without that variable return a query error, which is
// treated as "no redirection hint" rather than a connect failure.
func probeRedirection(ctx context.Context, conn driver.Conn) string {
	queryer, ok := conn.(driver.QueryerContext)
	if !ok {
		return ""
	}
	rows, err := queryer.QueryContext(ctx, "SELECT @@session.redirect_url", nil)
	if err != nil {
		return ""
	}
	defer rows.Close()

	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return ""
	}
	url, ok := dest[0].(string)
	if !ok || strings.TrimSpace(url) == "" {
		return ""
	}
	return "Location: " + url
}
