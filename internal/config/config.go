// Package config loads and validates lexcrawl configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	DB        DBConfig                 `mapstructure:"db"`
	Crawler   CrawlerConfig            `mapstructure:"crawler"`
	Fleet     FleetConfig              `mapstructure:"fleet"`
	Render    RenderConfig             `mapstructure:"render"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Server    ServerConfig             `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Countries map[string]CountrySource `mapstructure:"countries"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// CrawlerConfig governs the fetch worker pool.
type CrawlerConfig struct {
	Concurrency      int     `mapstructure:"concurrency"`
	PerProxyRPS      float64 `mapstructure:"per_proxy_rps"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	LeaseTTLSeconds  int     `mapstructure:"lease_ttl_seconds"`
	IdlePollSeconds  int     `mapstructure:"idle_poll_seconds"`
	UserAgent        string  `mapstructure:"user_agent"`
	FetchTimeoutSec  int     `mapstructure:"fetch_timeout_seconds"`
	MaxPageBytes     int64   `mapstructure:"max_page_bytes"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// FleetConfig controls the proxy fleet boundary.
type FleetConfig struct {
	InventoryPath      string         `mapstructure:"inventory_path"`
	ProbeURL           string         `mapstructure:"probe_url"`
	ProbeTimeoutSec    int            `mapstructure:"probe_timeout_seconds"`
	ProbeConcurrency   int            `mapstructure:"probe_concurrency"`
	RefreshIntervalSec int            `mapstructure:"refresh_interval_seconds"`
	Provider           ProviderConfig `mapstructure:"provider"`
}

// ProviderConfig identifies the external provisioning API. CredentialEnv
// names the environment variable holding the API token; the token itself
// never appears in config files.
type ProviderConfig struct {
	Name          string `mapstructure:"name"`
	BaseURL       string `mapstructure:"base_url"`
	CredentialEnv string `mapstructure:"credential_env"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig sets paths for raw content persistence.
type StorageConfig struct {
	RawDir string `mapstructure:"raw_dir"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CountrySource is the per-country source configuration.
type CountrySource struct {
	BaseURL        string   `mapstructure:"base_url"`
	SourceID       string   `mapstructure:"source_id"`
	Category       string   `mapstructure:"category"`
	Adapter        string   `mapstructure:"adapter"` // statute or gazette
	RequestDelayMs int      `mapstructure:"request_delay_ms"`
	SeedURLs       []string `mapstructure:"seed_urls"`
}

// Load builds a Config from disk/environment. Provider API tokens are never
// part of this file; they come from the environment via CredentialToken.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEXCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.per_proxy_rps", 0.5)
	v.SetDefault("crawler.max_attempts", 5)
	v.SetDefault("crawler.lease_ttl_seconds", 120)
	v.SetDefault("crawler.idle_poll_seconds", 2)
	v.SetDefault("crawler.user_agent", "lexcrawl-bot/0.1")
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.max_page_bytes", 20<<20)
	v.SetDefault("crawler.backoff_initial_ms", 500)
	v.SetDefault("crawler.backoff_max_ms", 30000)
	v.SetDefault("fleet.probe_url", "https://api.ipify.org")
	v.SetDefault("fleet.probe_timeout_seconds", 10)
	v.SetDefault("fleet.probe_concurrency", 16)
	v.SetDefault("fleet.refresh_interval_seconds", 300)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.nav_timeout_seconds", 45)
	v.SetDefault("storage.raw_dir", "data/raw")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("db.max_conns", 10)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be positive")
	}
	if c.Crawler.PerProxyRPS <= 0 {
		return fmt.Errorf("crawler.per_proxy_rps must be positive")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be positive")
	}
	if c.Crawler.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("crawler.lease_ttl_seconds must be positive")
	}
	for code, src := range c.Countries {
		if len(code) != 2 {
			return fmt.Errorf("country code %q must be two letters", code)
		}
		if src.SourceID == "" {
			return fmt.Errorf("countries.%s.source_id is required", code)
		}
		if src.BaseURL == "" {
			return fmt.Errorf("countries.%s.base_url is required", code)
		}
		if src.Adapter != "" && src.Adapter != "statute" && src.Adapter != "gazette" {
			return fmt.Errorf("countries.%s.adapter must be statute or gazette", code)
		}
	}
	return nil
}

// Source returns the configured source for a country code, if any.
func (c Config) Source(country string) (CountrySource, bool) {
	src, ok := c.Countries[strings.ToLower(country)]
	return src, ok
}

// ConnLifetime returns the pool connection lifetime as a duration.
func (c DBConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMin) * time.Minute
}

// LeaseTTL returns the lease TTL as a duration.
func (c CrawlerConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// FetchTimeout returns the fetch timeout as a duration.
func (c CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// CredentialToken resolves a provider credential reference (an environment
// variable name) to its value. Tokens never live in config files.
func CredentialToken(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty credential reference")
	}
	token := os.Getenv(ref)
	if token == "" {
		return "", fmt.Errorf("credential %s is not set in the environment", ref)
	}
	return token, nil
}
