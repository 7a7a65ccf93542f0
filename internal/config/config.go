// Package config handles loading and validating proxy configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kvoss/ccproxy/internal/account"
	"github.com/kvoss/ccproxy/internal/ratelimit"
)

var (
	defaultGateConfig    = ratelimit.DefaultGateConfig()
	defaultBackoffConfig = ratelimit.DefaultBackoffConfig()
)

// defaultMaxOutputTokensCeiling bounds maxOutputTokens sent to Cloud Code
// absent an operator override, comfortably above any current model's
// practical completion length while still catching a client-supplied
// max_tokens typo from reaching upstream as an invalid argument.
const defaultMaxOutputTokensCeiling = 64000

// Config is the top-level configuration for ccproxy.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Accounts  AccountsConfig  `koanf:"accounts"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Cache     CacheConfig     `koanf:"cache"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	APIKey    string          `koanf:"api_key"`
	Debug     bool            `koanf:"debug"`

	// MaxOutputTokensCeiling caps the max_tokens a translated request may
	// request of Cloud Code, regardless of what the client asked for. Load
	// replaces a zero or unset value with the built-in default ceiling.
	MaxOutputTokensCeiling int `koanf:"max_output_tokens_ceiling"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// AccountsConfig holds the sqlite-backed account store location and the
// OAuth client credentials used to refresh access tokens.
type AccountsConfig struct {
	DBPath       string `koanf:"db_path"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
}

// SchedulerConfig selects the account-selection policy.
type SchedulerConfig struct {
	Strategy        string  `koanf:"strategy"`
	FallbackEnabled bool    `koanf:"fallback_enabled"`
	QuotaThreshold  float64 `koanf:"quota_threshold"`
}

// RateLimitConfig tunes per-account request gating and the retry backoff
// schedule applied to retryable upstream outcomes.
type RateLimitConfig struct {
	// MaxConcurrent is the number of in-flight requests one account may
	// have open at once.
	MaxConcurrent int `koanf:"max_concurrent"`
	// MinInterval is the minimum spacing enforced between successive
	// dispatches for one account.
	MinInterval time.Duration `koanf:"min_interval"`

	// BackoffInitial is the delay before the first retry.
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	// BackoffMultiplier scales the delay after each subsequent retry.
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`
	// BackoffJitter is the fractional jitter applied to each delay.
	BackoffJitter float64 `koanf:"backoff_jitter"`
	// BackoffMax caps the computed delay.
	BackoffMax time.Duration `koanf:"backoff_max"`
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	MaxEntries int           `koanf:"max_entries"`
	TTL        time.Duration `koanf:"ttl"`
}

// UpstreamConfig overrides the default Cloud Code failover order. An empty
// Endpoints list leaves upstream.Endpoints in place.
type UpstreamConfig struct {
	Endpoints []string `koanf:"endpoints"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "CCPROXY_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   CCPROXY_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("CCPROXY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "CCPROXY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders the same way the teacher expands
	// provider API keys, for the two fields operators are likely to pull
	// from a secret store rather than commit to the YAML file.
	cfg.APIKey = expandEnv(cfg.APIKey)
	cfg.Accounts.ClientSecret = expandEnv(cfg.Accounts.ClientSecret)

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnv resolves a "${VAR_NAME}" placeholder against the process
// environment, leaving any other value untouched.
func expandEnv(v string) string {
	if !strings.HasPrefix(v, "${") || !strings.HasSuffix(v, "}") {
		return v
	}
	return os.Getenv(v[2 : len(v)-1])
}

// applyDefaults fills in the tunables operators usually leave at their
// sensible default rather than spelling out in every config file.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Accounts.DBPath == "" {
		cfg.Accounts.DBPath = "ccproxy.db"
	}
	if cfg.Scheduler.Strategy == "" {
		cfg.Scheduler.Strategy = "hybrid"
	}
	if cfg.Scheduler.QuotaThreshold == 0 {
		cfg.Scheduler.QuotaThreshold = account.DefaultQuotaThreshold
	}
	if cfg.RateLimit.MaxConcurrent == 0 {
		cfg.RateLimit.MaxConcurrent = defaultGateConfig.MaxConcurrent
	}
	if cfg.RateLimit.MinInterval == 0 {
		cfg.RateLimit.MinInterval = defaultGateConfig.MinInterval
	}
	if cfg.RateLimit.BackoffInitial == 0 {
		cfg.RateLimit.BackoffInitial = defaultBackoffConfig.Initial
	}
	if cfg.RateLimit.BackoffMultiplier == 0 {
		cfg.RateLimit.BackoffMultiplier = defaultBackoffConfig.Multiplier
	}
	if cfg.RateLimit.BackoffJitter == 0 {
		cfg.RateLimit.BackoffJitter = defaultBackoffConfig.Jitter
	}
	if cfg.RateLimit.BackoffMax == 0 {
		cfg.RateLimit.BackoffMax = defaultBackoffConfig.Max
	}
	if cfg.MaxOutputTokensCeiling == 0 {
		cfg.MaxOutputTokensCeiling = defaultMaxOutputTokensCeiling
	}
}

// GateConfig adapts RateLimitConfig to ratelimit.GateConfig.
func (r RateLimitConfig) GateConfig() ratelimit.GateConfig {
	return ratelimit.GateConfig{MaxConcurrent: r.MaxConcurrent, MinInterval: r.MinInterval}
}

// BackoffConfig adapts RateLimitConfig to ratelimit.BackoffConfig.
func (r RateLimitConfig) BackoffConfig() ratelimit.BackoffConfig {
	return ratelimit.BackoffConfig{
		Initial:    r.BackoffInitial,
		Multiplier: r.BackoffMultiplier,
		Jitter:     r.BackoffJitter,
		Max:        r.BackoffMax,
	}
}
