// Package config loads the named-pool configuration file the admin process
// reads at startup: which connection strings to keep warm, pool-sizing
// defaults, and where the admin API listens. Loading (YAML plus ${VAR} env
// substitution) and hot-reload (fsnotify plus a debounce timer) follow the
// teacher's internal/config/config.go pattern, adapted from a tenant map to
// a named-pool map.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file shape.
type Config struct {
	Listen   ListenConfig          `yaml:"listen"`
	Defaults PoolDefaults          `yaml:"defaults"`
	Pools    map[string]PoolConfig `yaml:"pools"`
}

// ListenConfig is where the admin HTTP API binds.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
}

// PoolDefaults are sizing/policy options applied to a pool when its entry
// doesn't set them explicitly.
type PoolDefaults struct {
	MinimumPoolSize       int           `yaml:"minimum_pool_size"`
	MaximumPoolSize       int           `yaml:"maximum_pool_size"`
	ConnectionIdleTimeout time.Duration `yaml:"connection_idle_timeout"`
	ConnectionLifetime    time.Duration `yaml:"connection_lifetime"`
	LoadBalance           string        `yaml:"load_balance"`
	DNSCheckInterval      time.Duration `yaml:"dns_check_interval"`
}

// PoolConfig names one pool's connection string and any per-pool overrides
// of PoolDefaults. A nil override field falls back to Defaults.
type PoolConfig struct {
	ConnectionString      string         `yaml:"connection_string"`
	MinimumPoolSize       *int           `yaml:"minimum_pool_size,omitempty"`
	MaximumPoolSize       *int           `yaml:"maximum_pool_size,omitempty"`
	ConnectionIdleTimeout *time.Duration `yaml:"connection_idle_timeout,omitempty"`
	ConnectionLifetime    *time.Duration `yaml:"connection_lifetime,omitempty"`
	LoadBalance           *string        `yaml:"load_balance,omitempty"`
	DNSCheckInterval      *time.Duration `yaml:"dns_check_interval,omitempty"`
}

// Resolve returns pc's connection string with any option Defaults supplies,
// and pc doesn't already spell out, appended — so PoolRegistry.GetOrCreate
// sees one self-contained dsn-parseable string per named pool.
func (pc PoolConfig) Resolve(defaults PoolDefaults) string {
	var b strings.Builder
	b.WriteString(pc.ConnectionString)
	if pc.ConnectionString != "" && !strings.HasSuffix(strings.TrimSpace(pc.ConnectionString), ";") {
		b.WriteString(";")
	}

	present := presentOptions(pc.ConnectionString)

	if v, ok := intOverride(pc.MinimumPoolSize, defaults.MinimumPoolSize); ok {
		appendIfAbsent(&b, present, "minimumpoolsize", "MinimumPoolSize", v)
	}
	if v, ok := intOverride(pc.MaximumPoolSize, defaults.MaximumPoolSize); ok {
		appendIfAbsent(&b, present, "maximumpoolsize", "MaximumPoolSize", v)
	}
	if v, ok := durationSecondsOverride(pc.ConnectionIdleTimeout, defaults.ConnectionIdleTimeout); ok {
		appendIfAbsent(&b, present, "connectionidletimeout", "ConnectionIdleTimeout", v)
	}
	if v, ok := durationMillisOverride(pc.ConnectionLifetime, defaults.ConnectionLifetime); ok {
		appendIfAbsent(&b, present, "connectionlifetime", "ConnectionLifeTime", v)
	}
	if !present["loadbalance"] {
		lb := defaults.LoadBalance
		if pc.LoadBalance != nil {
			lb = *pc.LoadBalance
		}
		if lb != "" {
			fmt.Fprintf(&b, "LoadBalance=%s;", lb)
		}
	}
	if v, ok := durationSecondsOverride(pc.DNSCheckInterval, defaults.DNSCheckInterval); ok {
		appendIfAbsent(&b, present, "dnscheckinterval", "DnsCheckInterval", v)
	}

	return b.String()
}

func intOverride(override *int, def int) (string, bool) {
	v := def
	if override != nil {
		v = *override
	}
	if v == 0 {
		return "", false
	}
	return strconv.Itoa(v), true
}

func durationSecondsOverride(override *time.Duration, def time.Duration) (string, bool) {
	v := def
	if override != nil {
		v = *override
	}
	if v <= 0 {
		return "", false
	}
	return strconv.FormatInt(int64(v.Seconds()), 10), true
}

func durationMillisOverride(override *time.Duration, def time.Duration) (string, bool) {
	v := def
	if override != nil {
		v = *override
	}
	if v <= 0 {
		return "", false
	}
	return strconv.FormatInt(v.Milliseconds(), 10), true
}

func appendIfAbsent(b *strings.Builder, present map[string]bool, canonKey, displayKey, val string) {
	if present[canonKey] {
		return
	}
	fmt.Fprintf(b, "%s=%s;", displayKey, val)
}

// presentOptions lower-cases the already-specified keys in a raw connection
// string, so Resolve never appends a default on top of an explicit value.
func presentOptions(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(kv[0]), " ", ""))
		out[key] = true
	}
	return out
}

// ConnectionStrings resolves every configured pool to its final,
// dsn-parseable connection string, keyed by pool name.
func (c *Config) ConnectionStrings() map[string]string {
	out := make(map[string]string, len(c.Pools))
	for name, pc := range c.Pools {
		out[name] = pc.Resolve(c.Defaults)
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} environment
// substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MaximumPoolSize == 0 {
		cfg.Defaults.MaximumPoolSize = 20
	}
	if cfg.Defaults.ConnectionIdleTimeout == 0 {
		cfg.Defaults.ConnectionIdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.ConnectionLifetime == 0 {
		cfg.Defaults.ConnectionLifetime = 30 * time.Minute
	}
}

func validate(cfg *Config) error {
	for name, pc := range cfg.Pools {
		if strings.TrimSpace(pc.ConnectionString) == "" {
			return fmt.Errorf("pool %q: connection_string is required", name)
		}
	}
	return nil
}

// Watcher watches the config file for changes and invokes callback with the
// freshly reloaded Config, debounced against editors that emit several
// write events per save.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path for changes.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "path", cw.path, "error", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
