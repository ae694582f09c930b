// ABOUTME: Configuration loading and parsing for coven-console
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-console configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Console  ConsoleConfig  `yaml:"console" toml:"console"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// GatewayConfig describes the control channel
type GatewayConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"token" toml:"token"`
	// Local is "auto", "true" or "false". Auto treats loopback hosts as local.
	Local string `yaml:"local" toml:"local"`
}

// ConsoleConfig holds the synchronization engine's timing
type ConsoleConfig struct {
	RestartMaxWait        time.Duration `yaml:"-" toml:"-"`
	ReconcileInterval     time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout          time.Duration `yaml:"-" toml:"-"`
	PatchFlushInterval    time.Duration `yaml:"-" toml:"-"`
	ApprovalSweepInterval time.Duration `yaml:"-" toml:"-"`
	DedupeTTL             time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RestartMaxWaitRaw        string `yaml:"restart_max_wait" toml:"restart_max_wait"`
	ReconcileIntervalRaw     string `yaml:"reconcile_interval" toml:"reconcile_interval"`
	ProbeTimeoutRaw          string `yaml:"probe_timeout" toml:"probe_timeout"`
	PatchFlushIntervalRaw    string `yaml:"patch_flush_interval" toml:"patch_flush_interval"`
	ApprovalSweepIntervalRaw string `yaml:"approval_sweep_interval" toml:"approval_sweep_interval"`
	DedupeTTLRaw             string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config with every optional field filled in.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:   "ws://127.0.0.1:18789",
			Local: "auto",
		},
		Console: ConsoleConfig{
			RestartMaxWait:        90 * time.Second,
			ReconcileInterval:     3 * time.Second,
			ProbeTimeout:          time.Second,
			PatchFlushInterval:    50 * time.Millisecond,
			ApprovalSweepInterval: 5 * time.Second,
			DedupeTTL:             5 * time.Minute,
		},
		Database: DatabaseConfig{Path: defaultDatabasePath()},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Addr: "127.0.0.1:9464", Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// COVEN_TOKEN fills gateway.token when the file leaves it empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyEnv()

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv fills unset values from the environment.
func (c *Config) ApplyEnv() {
	if c.Gateway.Token == "" {
		c.Gateway.Token = os.Getenv("COVEN_TOKEN")
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws:// or wss://, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway.url must include a host")
	}

	switch strings.ToLower(c.Gateway.Local) {
	case "", "auto", "true", "false":
	default:
		return fmt.Errorf("gateway.local must be auto, true, or false, got %q", c.Gateway.Local)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Console.RestartMaxWait <= 0 {
		return fmt.Errorf("console.restart_max_wait must be positive")
	}
	if c.Console.ReconcileInterval <= 0 {
		return fmt.Errorf("console.reconcile_interval must be positive")
	}
	if c.Console.PatchFlushInterval <= 0 {
		return fmt.Errorf("console.patch_flush_interval must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// IsLocal reports whether the gateway runs on this machine. With "auto",
// loopback hosts are local.
func (g GatewayConfig) IsLocal() bool {
	switch strings.ToLower(g.Local) {
	case "true":
		return true
	case "false":
		return false
	}

	u, err := url.Parse(g.URL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Scope identifies the gateway for data kept per gateway.
func (g GatewayConfig) Scope() string {
	return strings.TrimRight(strings.TrimSpace(g.URL), "/")
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"restart_max_wait", cfg.Console.RestartMaxWaitRaw, &cfg.Console.RestartMaxWait},
		{"reconcile_interval", cfg.Console.ReconcileIntervalRaw, &cfg.Console.ReconcileInterval},
		{"probe_timeout", cfg.Console.ProbeTimeoutRaw, &cfg.Console.ProbeTimeout},
		{"patch_flush_interval", cfg.Console.PatchFlushIntervalRaw, &cfg.Console.PatchFlushInterval},
		{"approval_sweep_interval", cfg.Console.ApprovalSweepIntervalRaw, &cfg.Console.ApprovalSweepInterval},
		{"dedupe_ttl", cfg.Console.DedupeTTLRaw, &cfg.Console.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns the config file location: COVEN_CONSOLE_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/coven/console.yaml (~/.config when unset).
func DefaultPath() string {
	if p := os.Getenv("COVEN_CONSOLE_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "console.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "coven", "console.yaml")
}

func defaultDatabasePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "console.db"
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "coven", "console.db")
}
