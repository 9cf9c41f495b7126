// Package models - Service configuration and operational settings.
// This file defines configuration structures for every gatekeeper component.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, database, admission, etc.)
// - Defaults that work out of the box for a single instance
// - Validation that catches misconfigurations before anything starts
// - Limits are plain key/value tables; endpoints match exactly, never by prefix
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the mandatory fallback key in every per-endpoint table.
const DefaultEndpoint = "default"

// MaxRateWindow is the longest rate limit window. Request timestamps older
// than this are discarded, so a longer window could never be enforced.
const MaxRateWindow = 60 * time.Second

// MinAdminTokenLength is the shortest accepted admin bearer token.
const MinAdminTokenLength = 16

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP listener settings
// - Upstream: the API that admitted requests are forwarded to
// - Database: PostgreSQL pool and retry policy
// - RateLimit: sliding-window limits per endpoint
// - Concurrency: global and per-endpoint in-flight limits, stale request reaping
// - Logging: structured logging output
// - Metrics / Observability: Prometheus metrics and tracing
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	Database      DatabaseConfig      `yaml:"database" json:"database"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Concurrency   ConcurrencyConfig   `yaml:"concurrency" json:"concurrency"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
	// AdminToken guards GET /status/requests as a bearer token. Empty leaves
	// the route disabled.
	AdminToken string `yaml:"admin_token" json:"-"`
}

// UpstreamConfig describes the remote API behind /api. An empty URL disables
// forwarding and admitted requests are answered locally.
type UpstreamConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DatabaseConfig holds the pool bounds and retry policy. An empty DSN runs the
// service without a pool; health then reports the database as not configured.
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn" json:"dsn"`
	MinConns       int           `yaml:"min_conns" json:"min_conns"`
	MaxConns       int           `yaml:"max_conns" json:"max_conns"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" json:"max_idle_time"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	AuditEnabled   bool          `yaml:"audit_enabled" json:"audit_enabled"`
}

// EndpointRateLimit is the sliding-window budget for one endpoint.
type EndpointRateLimit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

type RateLimitConfig struct {
	Enabled   bool                         `yaml:"enabled" json:"enabled"`
	Endpoints map[string]EndpointRateLimit `yaml:"endpoints" json:"endpoints"`
	// IdleEviction drops identifiers with no recent requests on this interval.
	// Zero keeps every identifier for the life of the process.
	IdleEviction time.Duration `yaml:"idle_eviction" json:"idle_eviction"`
	// APIKeys maps a key name to its secret. A request whose X-API-Key matches
	// a secret is limited as "key:<name>"; any other value is ignored and the
	// request is limited by client IP.
	APIKeys map[string]string `yaml:"api_keys" json:"-"`
	// TrustedProxies lists the addresses or CIDR ranges whose X-Forwarded-For
	// and X-Real-IP headers are believed. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

type ConcurrencyConfig struct {
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	GlobalLimit    int            `yaml:"global_limit" json:"global_limit"`
	DefaultLimit   int            `yaml:"default_limit" json:"default_limit"`
	Endpoints      map[string]int `yaml:"endpoints" json:"endpoints"`
	ReapInterval   time.Duration  `yaml:"reap_interval" json:"reap_interval"`
	RequestTimeout time.Duration  `yaml:"request_timeout" json:"request_timeout"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with defaults suitable for a
// single instance.
//
// Default Values Rationale:
// - Port 8080: Standard non-privileged HTTP port
// - Rate table: 100 requests/minute by default, login endpoints tighter
// - Concurrency: 100 in flight overall, 10 per endpoint
// - Reaper: sweep every minute, reclaim slots held for more than 5 minutes
// - Pool: 2..10 connections, 60s command timeout, 3 attempts per call
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MinConns:       2,
			MaxConns:       10,
			CommandTimeout: 60 * time.Second,
			MaxIdleTime:    300 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Endpoints: map[string]EndpointRateLimit{
				DefaultEndpoint:       {MaxRequests: 100, Window: time.Minute},
				"/api/auth/login":     {MaxRequests: 10, Window: time.Minute},
				"/api/auth/register":  {MaxRequests: 5, Window: time.Minute},
				"/api/password/reset": {MaxRequests: 3, Window: time.Minute},
			},
		},
		Concurrency: ConcurrencyConfig{
			Enabled:        true,
			GlobalLimit:    100,
			DefaultLimit:   10,
			Endpoints:      map[string]int{},
			ReapInterval:   60 * time.Second,
			RequestTimeout: 300 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "gatekeeper",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream config: %w", err)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Concurrency.Validate(); err != nil {
		return fmt.Errorf("invalid concurrency config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	if sc.AdminToken != "" && len(sc.AdminToken) < MinAdminTokenLength {
		return fmt.Errorf("admin token must be at least %d characters", MinAdminTokenLength)
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (uc *UpstreamConfig) Validate() error {
	if uc.Timeout < 0 {
		return errors.New("upstream timeout cannot be negative")
	}
	if uc.URL == "" {
		return nil
	}
	u, err := url.Parse(uc.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream URL must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (dc *DatabaseConfig) Validate() error {
	if dc.MinConns < 0 {
		return errors.New("min connections cannot be negative")
	}
	if dc.MaxConns <= 0 {
		return errors.New("max connections must be positive")
	}
	if dc.MinConns > dc.MaxConns {
		return fmt.Errorf("min connections (%d) exceeds max connections (%d)", dc.MinConns, dc.MaxConns)
	}
	if dc.CommandTimeout < 0 {
		return errors.New("command timeout cannot be negative")
	}
	if dc.MaxIdleTime < 0 {
		return errors.New("max idle time cannot be negative")
	}
	if dc.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}
	if dc.RetryBaseDelay < 0 {
		return errors.New("retry base delay cannot be negative")
	}
	if dc.AuditEnabled && dc.DSN == "" {
		return errors.New("database DSN is required when audit is enabled")
	}
	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}
	if _, ok := rc.Endpoints[DefaultEndpoint]; !ok {
		return fmt.Errorf("rate limit table must contain a %q entry", DefaultEndpoint)
	}
	for endpoint, limit := range rc.Endpoints {
		if limit.MaxRequests <= 0 {
			return fmt.Errorf("max requests for %q must be positive", endpoint)
		}
		if limit.Window <= 0 {
			return fmt.Errorf("window for %q must be positive", endpoint)
		}
		if limit.Window > MaxRateWindow {
			return fmt.Errorf("window for %q exceeds the %s maximum", endpoint, MaxRateWindow)
		}
	}
	if rc.IdleEviction < 0 {
		return errors.New("idle eviction interval cannot be negative")
	}
	secrets := make(map[string]string, len(rc.APIKeys))
	for name, key := range rc.APIKeys {
		if strings.TrimSpace(name) == "" || key == "" {
			return errors.New("api keys need a name and a non-empty key")
		}
		if other, dup := secrets[key]; dup {
			return fmt.Errorf("api keys %q and %q share the same key", other, name)
		}
		secrets[key] = name
	}
	for _, proxy := range rc.TrustedProxies {
		if _, err := ParseProxy(proxy); err != nil {
			return err
		}
	}
	return nil
}

// ParseProxy parses a trusted proxy entry, either a single address or a CIDR
// range.
func ParseProxy(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (cc *ConcurrencyConfig) Validate() error {
	if !cc.Enabled {
		return nil
	}
	if cc.GlobalLimit <= 0 {
		return errors.New("global limit must be positive")
	}
	if cc.DefaultLimit <= 0 {
		return errors.New("default limit must be positive")
	}
	for endpoint, limit := range cc.Endpoints {
		if limit <= 0 {
			return fmt.Errorf("limit for %q must be positive", endpoint)
		}
	}
	if cc.ReapInterval <= 0 {
		return errors.New("reap interval must be positive")
	}
	if cc.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, vl := range validLevels {
		if lc.Level == vl {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	found = false
	for _, vf := range validFormats {
		if lc.Format == vf {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	found = false
	for _, vo := range validOutputs {
		if lc.Output == vo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unsupported trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}
