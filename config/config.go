// Package config loads the capflow configuration: the global hint policy,
// the ledger sinks and the shared backends used by the hint handlers.
//
// Configuration is read from an optional YAML file and then overridden by
// CAPFLOW_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/capflow/runtime/hints"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Log formats.
const (
	LogAuto     = "auto"
	LogJSON     = "json"
	LogTerminal = "terminal"
)

type (
	// Config is the complete capflow configuration.
	Config struct {
		Policy   PolicyConfig   `yaml:"policy"`
		Ledger   LedgerConfig   `yaml:"ledger"`
		Redis    RedisConfig    `yaml:"redis"`
		Backends BackendsConfig `yaml:"backends"`
		Log      LogConfig      `yaml:"log"`
	}

	// PolicyConfig mirrors hints.Policy.
	PolicyConfig struct {
		MaxRetries               int           `yaml:"max_retries"`
		BaseTimeout              time.Duration `yaml:"base_timeout"`
		MaxTimeoutMultiplier     float64       `yaml:"max_timeout_multiplier"`
		MaxAbsoluteTimeout       time.Duration `yaml:"max_absolute_timeout"`
		AllowedFallbackPatterns  []string      `yaml:"allowed_fallback_patterns"`
		RequireApprovedFallbacks bool          `yaml:"require_approved_fallbacks"`
		ApprovedFallbacks        []string      `yaml:"approved_fallbacks,omitempty"`
	}

	// LedgerConfig selects the sinks mirroring the ledger.
	LedgerConfig struct {
		// ChainID names the persisted chain.
		ChainID string `yaml:"chain_id"`
		// RedactArguments omits call arguments from recorded actions.
		RedactArguments bool `yaml:"redact_arguments"`
		// SQLite is the DSN of the SQLite sink. Empty disables it.
		SQLite string      `yaml:"sqlite,omitempty"`
		Mongo  MongoConfig `yaml:"mongo"`
		Pulse  PulseConfig `yaml:"pulse"`
	}

	// MongoConfig configures the MongoDB sink. An empty URI disables it.
	MongoConfig struct {
		URI        string        `yaml:"uri,omitempty"`
		Database   string        `yaml:"database,omitempty"`
		Collection string        `yaml:"collection,omitempty"`
		Timeout    time.Duration `yaml:"timeout,omitempty"`
	}

	// PulseConfig configures the Pulse stream sink.
	PulseConfig struct {
		Enabled      bool `yaml:"enabled"`
		StreamMaxLen int  `yaml:"stream_max_len,omitempty"`
		// Mirror also publishes the whole chain to one stream and replays it
		// into a verified in-memory replica. Requires Enabled.
		Mirror bool `yaml:"mirror,omitempty"`
	}

	// RedisConfig is the Redis connection shared by Redis backed components.
	RedisConfig struct {
		Addr     string `yaml:"addr,omitempty"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db,omitempty"`
	}

	// BackendsConfig selects the stores used by the hint handlers.
	BackendsConfig struct {
		RateLimit string `yaml:"rate_limit"`
		Cache     string `yaml:"cache"`
		// CircuitMap is the name of the replicated map publishing circuit
		// status. Empty disables it.
		CircuitMap string `yaml:"circuit_map,omitempty"`
		// Node identifies this process in replicated circuit entries.
		Node string `yaml:"node,omitempty"`
	}

	// LogConfig configures logging.
	LogConfig struct {
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	}
)

// Default returns the default configuration: in-memory backends, no sinks
// and the default hint policy.
func Default() *Config {
	p := hints.DefaultPolicy()
	return &Config{
		Policy: PolicyConfig{
			MaxRetries:              p.MaxRetries,
			BaseTimeout:             p.BaseTimeout,
			MaxTimeoutMultiplier:    p.MaxTimeoutMultiplier,
			MaxAbsoluteTimeout:      p.MaxAbsoluteTimeout,
			AllowedFallbackPatterns: slices.Clone(p.AllowedFallbackPatterns),
		},
		Ledger:   LedgerConfig{ChainID: "default"},
		Backends: BackendsConfig{RateLimit: BackendMemory, Cache: BackendMemory},
		Log:      LogConfig{Format: LogAuto},
	}
}

// Load reads the YAML file at path, if any, over the defaults, applies the
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path) //nolint:gosec // path is operator supplied
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = f.Close() }()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	p := c.Policy
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("policy.max_retries must be >= 0, got %d", p.MaxRetries))
	}
	if p.BaseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("policy.base_timeout must be positive, got %s", p.BaseTimeout))
	}
	if p.MaxTimeoutMultiplier < 1 {
		errs = append(errs, fmt.Errorf("policy.max_timeout_multiplier must be >= 1, got %v", p.MaxTimeoutMultiplier))
	}
	if p.MaxAbsoluteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("policy.max_absolute_timeout must be positive, got %s", p.MaxAbsoluteTimeout))
	}
	if slices.Contains(p.AllowedFallbackPatterns, "") {
		errs = append(errs, errors.New("policy.allowed_fallback_patterns must not contain empty patterns"))
	}
	if c.Ledger.ChainID == "" {
		errs = append(errs, errors.New("ledger.chain_id is required"))
	}
	if c.Ledger.Mongo.URI != "" && c.Ledger.Mongo.Database == "" {
		errs = append(errs, errors.New("ledger.mongo.database is required with ledger.mongo.uri"))
	}
	if c.Ledger.Pulse.Mirror && !c.Ledger.Pulse.Enabled {
		errs = append(errs, errors.New("ledger.pulse.mirror requires ledger.pulse.enabled"))
	}
	for name, v := range map[string]string{"backends.rate_limit": c.Backends.RateLimit, "backends.cache": c.Backends.Cache} {
		if v != BackendMemory && v != BackendRedis {
			errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", name, BackendMemory, BackendRedis, v))
		}
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required by the configured backends"))
	}
	switch c.Log.Format {
	case LogAuto, LogJSON, LogTerminal:
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of auto, json, terminal, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any configured component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Backends.RateLimit == BackendRedis ||
		c.Backends.Cache == BackendRedis ||
		c.Backends.CircuitMap != "" ||
		c.Ledger.Pulse.Enabled
}

// HintPolicy returns the hint policy described by the configuration.
func (c *Config) HintPolicy() hints.Policy {
	return hints.Policy{
		MaxRetries:               c.Policy.MaxRetries,
		BaseTimeout:              c.Policy.BaseTimeout,
		MaxTimeoutMultiplier:     c.Policy.MaxTimeoutMultiplier,
		MaxAbsoluteTimeout:       c.Policy.MaxAbsoluteTimeout,
		AllowedFallbackPatterns:  slices.Clone(c.Policy.AllowedFallbackPatterns),
		RequireApprovedFallbacks: c.Policy.RequireApprovedFallbacks,
		ApprovedFallbacks:        slices.Clone(c.Policy.ApprovedFallbacks),
	}
}

type envVar struct {
	name string
	set  func(string) error
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string) func(string) error {
		return func(v string) error {
			*dst = v
			return nil
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = i
			return nil
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	vars := []envVar{
		{"CAPFLOW_MAX_RETRIES", integer(&c.Policy.MaxRetries)},
		{"CAPFLOW_BASE_TIMEOUT", duration(&c.Policy.BaseTimeout)},
		{"CAPFLOW_MAX_ABSOLUTE_TIMEOUT", duration(&c.Policy.MaxAbsoluteTimeout)},
		{"CAPFLOW_CHAIN_ID", str(&c.Ledger.ChainID)},
		{"CAPFLOW_REDACT_ARGUMENTS", boolean(&c.Ledger.RedactArguments)},
		{"CAPFLOW_SQLITE", str(&c.Ledger.SQLite)},
		{"CAPFLOW_MONGO_URI", str(&c.Ledger.Mongo.URI)},
		{"CAPFLOW_MONGO_DATABASE", str(&c.Ledger.Mongo.Database)},
		{"CAPFLOW_PULSE", boolean(&c.Ledger.Pulse.Enabled)},
		{"CAPFLOW_PULSE_MIRROR", boolean(&c.Ledger.Pulse.Mirror)},
		{"CAPFLOW_REDIS_ADDR", str(&c.Redis.Addr)},
		{"CAPFLOW_REDIS_PASSWORD", str(&c.Redis.Password)},
		{"CAPFLOW_RATE_LIMIT_BACKEND", str(&c.Backends.RateLimit)},
		{"CAPFLOW_CACHE_BACKEND", str(&c.Backends.Cache)},
		{"CAPFLOW_CIRCUIT_MAP", str(&c.Backends.CircuitMap)},
		{"CAPFLOW_NODE", str(&c.Backends.Node)},
		{"CAPFLOW_LOG_FORMAT", str(&c.Log.Format)},
		{"CAPFLOW_DEBUG", boolean(&c.Log.Debug)},
	}
	for _, v := range vars {
		raw, ok := lookup(v.name)
		if !ok || raw == "" {
			continue
		}
		if err := v.set(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", v.name, err)
		}
	}
	return nil
}
