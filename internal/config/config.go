package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
)

type Config struct {
	Aggregator AggregatorConfig `json:"aggregator"`
	Validator  ValidatorConfig  `json:"validator"`
	Judges     JudgesConfig     `json:"judges"`
	Pool       PoolConfig       `json:"pool"`
	Server     ServerConfig     `json:"server"`
	DNSBL      DNSBLConfig      `json:"dnsbl"`
	GeoIP      GeoIPConfig      `json:"geoip"`
	API        APIConfig        `json:"api"`
	Storage    StorageConfig    `json:"storage"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`

	mu       sync.RWMutex
	filePath string
}

type AggregatorConfig struct {
	IntervalSeconds int      `json:"interval_seconds"`
	Sources         []Source `json:"sources"`
	UserAgent       string   `json:"user_agent"`
}

type Source struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Protocol string `json:"protocol"` // "http", "socks4", "socks5", or "auto" to sniff from the URL
	Enabled  bool   `json:"enabled"`
}

// ValidatorConfig governs the §4.2 protocol-probe loop: how many
// protocols get attempted, at what timeout, and the admission cutoff
// used once runtimes are in hand.
type ValidatorConfig struct {
	AttemptTimeoutMs       int      `json:"attempt_timeout_ms"`
	MaxConcurrentChecks    int      `json:"max_concurrent_checks"`
	MaxTries               int      `json:"max_tries"`
	Protocols              []string `json:"protocols"`
	MaxAvgResponseTimeMs   float64  `json:"max_avg_response_time_ms"`
	MinSamplesForFiltering int      `json:"min_samples_for_filtering"`

	EnableFastFilter      bool `json:"enable_fast_filter"`
	FastFilterTimeoutMs   int  `json:"fast_filter_timeout_ms"`
	FastFilterConcurrency int  `json:"fast_filter_concurrency"`
}

// JudgeSource is one judge endpoint the validator probes through.
type JudgeSource struct {
	URL    string `json:"url"`
	Scheme string `json:"scheme"` // "http", "https", "smtp"
}

type JudgesConfig struct {
	Sources                []JudgeSource `json:"sources"`
	RefreshIntervalSeconds int           `json:"refresh_interval_seconds"`
}

// PoolConfig governs admission/selection/eviction thresholds for the
// in-memory proxy pool.
type PoolConfig struct {
	MaxAvgResponseTimeMs float64 `json:"max_avg_response_time_ms"`
	MinSamples           int     `json:"min_samples_for_filtering"`
	PerProxyConcurrency  int     `json:"per_proxy_concurrency"`
}

// ServerConfig governs the client-facing multi-protocol gateway.
type ServerConfig struct {
	ListenAddr                  string `json:"listen_addr"`
	MaxConnections              int    `json:"max_connections"`
	MaxTries                    int    `json:"max_tries"`
	ClientHandshakeTimeoutMs    int    `json:"client_handshake_timeout_ms"`
	UpstreamHandshakeTimeoutMs  int    `json:"upstream_handshake_timeout_ms"`
	BridgeIdleTimeoutMs         int    `json:"bridge_idle_timeout_ms"`
}

// DNSBLConfig lists the blacklist zones a candidate is checked against
// before admission.
type DNSBLConfig struct {
	Enabled   bool     `json:"enabled"`
	Zones     []string `json:"zones"`
	Threshold int      `json:"threshold"`
}

// GeoIPConfig points at a local MaxMind-format database.
type GeoIPConfig struct {
	DatabasePath string `json:"database_path"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	RateLimitPerIP     int    `json:"rate_limit_per_ip"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

// StorageConfig now backs the judge registry's persisted health state
// (not the pool, which is explicitly in-memory only — see spec non-goals).
type StorageConfig struct {
	Type                   string `json:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load reads configuration from a JSON file, after letting any .env
// file in the working directory populate process environment first
// (the API key and storage DSNs are commonly supplied that way).
func Load(filePath string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.filePath = filePath
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	globalConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Aggregator.IntervalSeconds == 0 {
		cfg.Aggregator.IntervalSeconds = 60
	}
	if cfg.Validator.AttemptTimeoutMs == 0 {
		cfg.Validator.AttemptTimeoutMs = 8000
	}
	if cfg.Validator.MaxConcurrentChecks == 0 {
		cfg.Validator.MaxConcurrentChecks = 5000
	}
	if cfg.Validator.MaxTries == 0 {
		cfg.Validator.MaxTries = 3
	}
	if len(cfg.Validator.Protocols) == 0 {
		cfg.Validator.Protocols = []string{"http", "https", "socks4", "socks5"}
	}
	if cfg.Validator.MaxAvgResponseTimeMs == 0 {
		cfg.Validator.MaxAvgResponseTimeMs = 8000
	}
	if cfg.Validator.MinSamplesForFiltering == 0 {
		cfg.Validator.MinSamplesForFiltering = 5
	}
	if cfg.Validator.FastFilterTimeoutMs == 0 {
		cfg.Validator.FastFilterTimeoutMs = 3000
	}
	if cfg.Validator.FastFilterConcurrency == 0 {
		cfg.Validator.FastFilterConcurrency = 2000
	}
	if cfg.Judges.RefreshIntervalSeconds == 0 {
		cfg.Judges.RefreshIntervalSeconds = 300
	}
	if cfg.Pool.MaxAvgResponseTimeMs == 0 {
		cfg.Pool.MaxAvgResponseTimeMs = cfg.Validator.MaxAvgResponseTimeMs
	}
	if cfg.Pool.MinSamples == 0 {
		cfg.Pool.MinSamples = cfg.Validator.MinSamplesForFiltering
	}
	if cfg.Pool.PerProxyConcurrency == 0 {
		cfg.Pool.PerProxyConcurrency = 16
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":1080"
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}
	if cfg.Server.MaxTries == 0 {
		cfg.Server.MaxTries = 3
	}
	if cfg.Server.ClientHandshakeTimeoutMs == 0 {
		cfg.Server.ClientHandshakeTimeoutMs = 30000
	}
	if cfg.Server.UpstreamHandshakeTimeoutMs == 0 {
		cfg.Server.UpstreamHandshakeTimeoutMs = 10000
	}
	if cfg.Server.BridgeIdleTimeoutMs == 0 {
		cfg.Server.BridgeIdleTimeoutMs = 60000
	}
	if cfg.DNSBL.Threshold == 0 {
		cfg.DNSBL.Threshold = 1
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8083"
	}
	if cfg.API.RateLimitPerMinute == 0 {
		cfg.API.RateLimitPerMinute = 1200
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "file"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/data/judges.json"
	}
	if cfg.Storage.PersistIntervalSeconds == 0 {
		cfg.Storage.PersistIntervalSeconds = 300
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "proxygate"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Reload re-reads the file this config was loaded from and copies every
// section into c under c's own lock, so code holding c sees the new
// values. The Load it calls also makes GetGlobal return that freshly
// loaded instance rather than c.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Aggregator = newCfg.Aggregator
	c.Validator = newCfg.Validator
	c.Judges = newCfg.Judges
	c.Pool = newCfg.Pool
	c.Server = newCfg.Server
	c.DNSBL = newCfg.DNSBL
	c.GeoIP = newCfg.GeoIP
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	return nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Validator.MaxConcurrentChecks < 1 || c.Validator.MaxConcurrentChecks > 100000 {
		return fmt.Errorf("validator.max_concurrent_checks must be between 1 and 100000")
	}
	if c.Validator.AttemptTimeoutMs < 100 || c.Validator.AttemptTimeoutMs > 300000 {
		return fmt.Errorf("validator.attempt_timeout_ms must be between 100 and 300000")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	for _, p := range c.Validator.Protocols {
		switch p {
		case "http", "https", "socks4", "socks5", "connect:25", "connect:80":
		default:
			return fmt.Errorf("validator.protocols: unknown protocol %q", p)
		}
	}
	return nil
}

// GetGlobal returns global config instance
func GetGlobal() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
