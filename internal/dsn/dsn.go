// Package dsn parses MySQL pool connection strings into an immutable
// PoolSettings, the configuration unit one ConnectionPool is built from.
package dsn

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Protocol selects the transport a Session dials.
type Protocol string

const (
	ProtocolTCP       Protocol = "tcp"
	ProtocolNamedPipe Protocol = "named-pipe"
	ProtocolUnix      Protocol = "unix"
)

// LoadBalance selects the host-ordering strategy consulted on each connect attempt.
type LoadBalance string

const (
	LoadBalanceFailOver         LoadBalance = "fail-over"
	LoadBalanceRoundRobin       LoadBalance = "round-robin"
	LoadBalanceRandom           LoadBalance = "random"
	LoadBalanceLeastConnections LoadBalance = "least-connections"
)

// RedirectionMode controls how a server "Location:" hint is honored.
type RedirectionMode string

const (
	RedirectionDisabled RedirectionMode = "disabled"
	RedirectionPreferred RedirectionMode = "preferred"
	RedirectionRequired RedirectionMode = "required"
)

// TLSOptions is intentionally opaque here — TLS configuration is a
// collaborator concern; the pool only threads it through to
// the Session unexamined.
type TLSOptions struct {
	Enabled            bool
	ServerName         string
	InsecureSkipVerify bool
}

// PoolSettings is the immutable, parsed configuration for one pool.
// Two PoolSettings built from the same Normalized() string are
// interchangeable.
type PoolSettings struct {
	Name   string // explicit pool name, if provided; used as DisplayName verbatim
	Hosts  []string
	Port   int
	User     string
	Password string
	Database string

	Pooling               bool
	MinimumPoolSize       int
	MaximumPoolSize       int
	ConnectionLifetime    time.Duration // 0 = unbounded
	ConnectionIdleTimeout time.Duration // 0 = never reap
	ConnectionReset       bool
	Protocol              Protocol
	LoadBalance           LoadBalance
	ServerRedirectionMode RedirectionMode
	DNSCheckInterval      time.Duration // 0 = disabled

	TLS TLSOptions

	raw string
}

// WithEndpoint returns a copy of s pointed at a single new host:port,
// used when a redirection hint names a new target.
func (s *PoolSettings) WithEndpoint(host string, port int) *PoolSettings {
	c := *s
	c.Hosts = []string{host}
	c.Port = port
	return &c
}

// DisplayName is the pool's explicit name if provided; otherwise the
// normalized connection string with the password omitted.
func (s *PoolSettings) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Redacted()
}

// Normalized returns the canonical form of the connection string, used as
// the PoolRegistry's map key. Key order is fixed so that two strings naming
// the same settings produce identical output.
func (s *PoolSettings) Normalized() string {
	return s.render(true)
}

// Redacted is Normalized with the password omitted, safe for logs/metrics.
func (s *PoolSettings) Redacted() string {
	return s.render(false)
}

func (s *PoolSettings) render(withPassword bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Server=%s;Port=%d;User=%s;", strings.Join(s.Hosts, ","), s.Port, s.User)
	if withPassword && s.Password != "" {
		fmt.Fprintf(&b, "Password=%s;", s.Password)
	}
	fmt.Fprintf(&b, "Database=%s;Pooling=%t;MinimumPoolSize=%d;MaximumPoolSize=%d;",
		s.Database, s.Pooling, s.MinimumPoolSize, s.MaximumPoolSize)
	fmt.Fprintf(&b, "ConnectionLifeTime=%d;ConnectionIdleTimeout=%d;ConnectionReset=%t;",
		s.ConnectionLifetime.Milliseconds(), int64(s.ConnectionIdleTimeout.Seconds()), s.ConnectionReset)
	fmt.Fprintf(&b, "ConnectionProtocol=%s;LoadBalance=%s;ServerRedirectionMode=%s;DnsCheckInterval=%d;",
		s.Protocol, s.LoadBalance, s.ServerRedirectionMode, int64(s.DNSCheckInterval.Seconds()))
	if s.Name != "" {
		fmt.Fprintf(&b, "Pool Name=%s;", s.Name)
	}
	return b.String()
}

// key normalization table: accepted option names (case-insensitive) and
// their canonical aliases, covering the supported option set plus the
// common ADO.NET-style abbreviations callers tend to use.
var aliases = map[string]string{
	"server": "server", "host": "server", "data source": "server",
	"port": "port",
	"user": "user", "uid": "user", "username": "user", "user id": "user",
	"password": "password", "pwd": "password",
	"database": "database", "initial catalog": "database", "dbname": "database",
	"pooling":                 "pooling",
	"minimumpoolsize":         "minimumpoolsize",
	"minimum pool size":       "minimumpoolsize",
	"maximumpoolsize":         "maximumpoolsize",
	"maximum pool size":       "maximumpoolsize",
	"connectionlifetime":      "connectionlifetime",
	"connection life time":    "connectionlifetime",
	"connectionidletimeout":   "connectionidletimeout",
	"connection idle timeout": "connectionidletimeout",
	"connectionreset":         "connectionreset",
	"connection reset":        "connectionreset",
	"connectionprotocol":      "connectionprotocol",
	"connection protocol":     "connectionprotocol",
	"protocol":                "connectionprotocol",
	"loadbalance":             "loadbalance",
	"load balance":            "loadbalance",
	"serverredirectionmode":   "serverredirectionmode",
	"server redirection mode": "serverredirectionmode",
	"dnscheckinterval":        "dnscheckinterval",
	"dns check interval":      "dnscheckinterval",
	"pool name":               "poolname",
	"poolname":                "poolname",
	"sslmode":                 "sslmode",
	"ssl mode":                "sslmode",
	"tls":                     "sslmode",
}

// Parse parses an ADO.NET-style "key=value;key=value" MySQL connection
// string into a PoolSettings. Unknown keys are ignored (forward
// compatibility — this parser only recognizes the options above).
func Parse(connectionString string) (*PoolSettings, error) {
	s := &PoolSettings{
		Port:                  3306,
		Pooling:               true,
		MinimumPoolSize:       0,
		MaximumPoolSize:       100,
		ConnectionReset:       true,
		Protocol:              ProtocolTCP,
		LoadBalance:           LoadBalanceFailOver,
		ServerRedirectionMode: RedirectionDisabled,
		raw:                   connectionString,
	}

	for _, part := range strings.Split(connectionString, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("dsn: malformed option %q", part)
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		canon, ok := aliases[key]
		if !ok {
			continue
		}
		if err := s.apply(canon, val); err != nil {
			return nil, fmt.Errorf("dsn: option %q: %w", kv[0], err)
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PoolSettings) apply(canon, val string) error {
	switch canon {
	case "server":
		hosts := strings.Split(val, ",")
		for i := range hosts {
			hosts[i] = strings.TrimSpace(hosts[i])
		}
		s.Hosts = hosts
	case "port":
		p, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		s.Port = p
	case "user":
		s.User = val
	case "password":
		s.Password = val
	case "database":
		s.Database = val
	case "pooling":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		s.Pooling = b
	case "minimumpoolsize":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		s.MinimumPoolSize = n
	case "maximumpoolsize":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		s.MaximumPoolSize = n
	case "connectionlifetime":
		ms, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		s.ConnectionLifetime = time.Duration(ms) * time.Millisecond
	case "connectionidletimeout":
		sec, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		s.ConnectionIdleTimeout = time.Duration(sec) * time.Second
	case "connectionreset":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		s.ConnectionReset = b
	case "connectionprotocol":
		p := Protocol(strings.ToLower(val))
		switch p {
		case ProtocolTCP, ProtocolNamedPipe, ProtocolUnix:
			s.Protocol = p
		default:
			return fmt.Errorf("unknown protocol %q", val)
		}
	case "loadbalance":
		lb, err := parseLoadBalance(val)
		if err != nil {
			return err
		}
		s.LoadBalance = lb
	case "serverredirectionmode":
		m := RedirectionMode(strings.ToLower(val))
		switch m {
		case RedirectionDisabled, RedirectionPreferred, RedirectionRequired:
			s.ServerRedirectionMode = m
		default:
			return fmt.Errorf("unknown server redirection mode %q", val)
		}
	case "dnscheckinterval":
		sec, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		s.DNSCheckInterval = time.Duration(sec) * time.Second
	case "poolname":
		s.Name = val
	case "sslmode":
		s.TLS.Enabled = !strings.EqualFold(val, "disable") && !strings.EqualFold(val, "none") && val != ""
	}
	return nil
}

func parseLoadBalance(val string) (LoadBalance, error) {
	switch strings.ToLower(strings.ReplaceAll(val, "_", "-")) {
	case "failover", "fail-over", "":
		return LoadBalanceFailOver, nil
	case "roundrobin", "round-robin":
		return LoadBalanceRoundRobin, nil
	case "random":
		return LoadBalanceRandom, nil
	case "leastconnections", "least-connections":
		return LoadBalanceLeastConnections, nil
	default:
		return "", fmt.Errorf("unknown load balance policy %q", val)
	}
}

func (s *PoolSettings) validate() error {
	if len(s.Hosts) == 0 {
		return fmt.Errorf("dsn: at least one host is required")
	}
	if s.MinimumPoolSize < 0 {
		return fmt.Errorf("dsn: MinimumPoolSize must be >= 0")
	}
	if s.MaximumPoolSize < 1 {
		return fmt.Errorf("dsn: MaximumPoolSize must be >= 1")
	}
	if s.MaximumPoolSize < s.MinimumPoolSize {
		return fmt.Errorf("dsn: MaximumPoolSize (%d) must be >= MinimumPoolSize (%d)", s.MaximumPoolSize, s.MinimumPoolSize)
	}
	return nil
}

// SortedHosts returns a stable-sorted copy of Hosts, useful for tests that
// don't care about connection order.
func (s *PoolSettings) SortedHosts() []string {
	out := append([]string(nil), s.Hosts...)
	sort.Strings(out)
	return out
}
