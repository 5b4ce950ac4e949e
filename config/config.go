// Package config loads the page cache configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	pagecache "github.com/wolfeidau/page-cache"
	"github.com/wolfeidau/page-cache/address"
	"github.com/wolfeidau/page-cache/backend"
	"github.com/wolfeidau/page-cache/dirstats"
	"github.com/wolfeidau/page-cache/httpcache"
	"github.com/wolfeidau/page-cache/invalidate"
	"github.com/wolfeidau/page-cache/lock"
)

// EnvPrefix prefixes every environment override, e.g. PAGECACHE_BACKEND_TYPE.
const EnvPrefix = "PAGECACHE_"

// Backend types.
const (
	BackendFilesystem = "filesystem"
	BackendKV         = "kv"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete page cache configuration.
type Config struct {
	Tenants    []pagecache.Tenant `yaml:"tenants"`
	Backend    BackendConfig      `yaml:"backend" envPrefix:"BACKEND_"`
	Address    address.Options    `yaml:"address"`
	Invalidate InvalidateConfig   `yaml:"invalidate" envPrefix:"INVALIDATE_"`
	Stats      StatsConfig        `yaml:"stats" envPrefix:"STATS_"`
	Expiry     ExpiryConfig       `yaml:"expiry" envPrefix:"EXPIRY_"`
	HTTP       HTTPConfig         `yaml:"http" envPrefix:"HTTP_"`
	Metrics    MetricsConfig      `yaml:"metrics" envPrefix:"METRICS_"`
	Log        LogConfig          `yaml:"log" envPrefix:"LOG_"`
}

// BackendConfig selects and tunes the storage backend.
type BackendConfig struct {
	// Type is "filesystem" or "kv".
	Type string `yaml:"type" env:"TYPE"`

	// MaxAge is how long an entry stays fresh.
	MaxAge time.Duration `yaml:"max_age" env:"MAX_AGE"`

	// Dir is the cache root of the filesystem backend.
	Dir string `yaml:"dir" env:"DIR"`

	// LockTimeout bounds the wait for a subtree lock.
	LockTimeout time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`

	// Servers lists host[:port[:weight]] descriptors of the KV backend.
	Servers []string `yaml:"servers" env:"SERVERS" envSeparator:","`

	Namespace    string        `yaml:"namespace" env:"NAMESPACE"`
	MaxKeyLength int           `yaml:"max_key_length" env:"MAX_KEY_LENGTH"`
	CASAttempts  uint          `yaml:"cas_attempts" env:"CAS_ATTEMPTS"`
	CASDelay     time.Duration `yaml:"cas_delay" env:"CAS_DELAY"`
}

// InvalidateConfig tunes the invalidation engine.
type InvalidateConfig struct {
	// Rules maps an event kind to extra patterns, merged over the defaults.
	// "{subject}" is replaced by the event subject.
	Rules map[string][]string `yaml:"rules"`

	BatchSize       int `yaml:"batch_size" env:"BATCH_SIZE"`
	WipeConcurrency int `yaml:"wipe_concurrency" env:"WIPE_CONCURRENCY"`
}

// StatsConfig tunes statistics capture and persistence.
type StatsConfig struct {
	// DB is the path of the bbolt file holding snapshots and history.
	DB string `yaml:"db" env:"DB"`

	MaxAge        time.Duration `yaml:"max_age" env:"MAX_AGE"`
	Floor         int           `yaml:"floor" env:"FLOOR"`
	RetentionDays int           `yaml:"retention_days" env:"RETENTION_DAYS"`
}

// ExpiryConfig tunes the maintenance scheduler.
type ExpiryConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	CheckInterval time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
	RefreshStats  bool          `yaml:"refresh_stats" env:"REFRESH_STATS"`
}

// HTTPConfig tunes the request-path middleware.
type HTTPConfig struct {
	MaxBodySize int64 `yaml:"max_body_size" env:"MAX_BODY_SIZE"`

	// Coalesce renders concurrent misses of one page once.
	Coalesce bool `yaml:"coalesce" env:"COALESCE"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	OTLPEndpoint     string        `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	EnablePrometheus bool          `yaml:"enable_prometheus" env:"ENABLE_PROMETHEUS"`
	FlushInterval    time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is text or json.
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Backend.Type == "" {
		c.Backend.Type = BackendFilesystem
	}
	if c.Backend.MaxAge == 0 {
		c.Backend.MaxAge = backend.DefaultMaxAge
	}
	if c.Backend.Dir == "" {
		c.Backend.Dir = "./cache"
	}
	if c.Backend.LockTimeout == 0 {
		c.Backend.LockTimeout = lock.DefaultTimeout
	}
	if len(c.Backend.Servers) == 0 {
		c.Backend.Servers = []string{backend.DefaultServers}
	}
	if c.Backend.Namespace == "" {
		c.Backend.Namespace = backend.DefaultNamespace
	}
	if c.Backend.MaxKeyLength == 0 {
		c.Backend.MaxKeyLength = backend.DefaultMaxKeyLength
	}
	if c.Backend.CASAttempts == 0 {
		c.Backend.CASAttempts = backend.DefaultCASAttempts
	}
	if c.Backend.CASDelay == 0 {
		c.Backend.CASDelay = backend.DefaultCASDelay
	}

	if c.Invalidate.BatchSize == 0 {
		c.Invalidate.BatchSize = invalidate.DefaultBatchSize
	}
	if c.Invalidate.WipeConcurrency == 0 {
		c.Invalidate.WipeConcurrency = invalidate.DefaultWipeConcurrency
	}

	if c.Stats.DB == "" {
		c.Stats.DB = filepath.Join(c.Backend.Dir, ".pagecache-stats.db")
	}
	if c.Stats.MaxAge == 0 {
		c.Stats.MaxAge = dirstats.DefaultMaxAge
	}
	if c.Stats.Floor == 0 {
		c.Stats.Floor = dirstats.DefaultFloor
	}
	if c.Stats.RetentionDays == 0 {
		c.Stats.RetentionDays = dirstats.DefaultRetentionDays
	}

	if c.Expiry.CheckInterval == 0 {
		c.Expiry.CheckInterval = 15 * time.Minute
	}

	if c.HTTP.MaxBodySize == 0 {
		c.HTTP.MaxBodySize = httpcache.DefaultMaxBodySize
	}

	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Expiry: ExpiryConfig{Enabled: true, RefreshStats: true},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Tenants) == 0 {
		errs = append(errs, errors.New("at least one tenant is required"))
	} else if _, err := pagecache.NewNetwork(c.Tenants...); err != nil {
		errs = append(errs, err)
	}

	switch c.Backend.Type {
	case BackendFilesystem:
		if c.Backend.Dir == "" {
			errs = append(errs, errors.New("backend.dir is required for the filesystem backend"))
		}
	case BackendKV:
		if _, err := c.ServerList(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend type %q", c.Backend.Type))
	}

	if c.Backend.MaxAge < 0 {
		errs = append(errs, errors.New("backend.max_age must not be negative"))
	}
	if c.Invalidate.BatchSize < 0 {
		errs = append(errs, errors.New("invalidate.batch_size must not be negative"))
	}
	for kind := range c.Invalidate.Rules {
		if !knownEvent(invalidate.EventKind(kind)) {
			errs = append(errs, fmt.Errorf("%w: %q", invalidate.ErrUnknownEvent, kind))
		}
	}
	if c.Stats.RetentionDays < 0 {
		errs = append(errs, errors.New("stats.retention_days must not be negative"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Network builds the tenant network.
func (c *Config) Network() (*pagecache.Network, error) {
	return pagecache.NewNetwork(c.Tenants...)
}

// ServerList parses the KV server descriptors.
func (c *Config) ServerList() ([]backend.Server, error) {
	servers, err := backend.ParseServers(strings.Join(c.Backend.Servers, "\n"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend.servers: %w", err)
	}
	return servers, nil
}

// Rules returns the default invalidation rules with the configured kinds
// replaced.
func (c *Config) Rules() invalidate.Rules {
	rules := invalidate.DefaultRules()
	for kind, specs := range c.Invalidate.Rules {
		rules[invalidate.EventKind(kind)] = specs
	}
	return rules
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func knownEvent(kind invalidate.EventKind) bool {
	switch kind {
	case invalidate.EventResource, invalidate.EventTerm, invalidate.EventAuthor,
		invalidate.EventFeed, invalidate.EventURLs:
		return true
	}
	return false
}
