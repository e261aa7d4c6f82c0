package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for LexStalk.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"     yaml:"engine"`
	Rate       RateConfig       `mapstructure:"rate"       yaml:"rate"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"    yaml:"fetcher"`
	Browser    BrowserConfig    `mapstructure:"browser"    yaml:"browser"`
	Retry      RetryConfig      `mapstructure:"retry"      yaml:"retry"`
	Gate       GateConfig       `mapstructure:"gate"       yaml:"gate"`
	Cache      CacheConfig      `mapstructure:"cache"      yaml:"cache"`
	Catalog    CatalogConfig    `mapstructure:"catalog"    yaml:"catalog"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    yaml:"metrics"`
}

// EngineConfig controls the dispatcher and worker pool.
type EngineConfig struct {
	Workers            int           `mapstructure:"workers"             yaml:"workers"`
	BatchSize          int           `mapstructure:"batch_size"          yaml:"batch_size"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	MaxDocuments       int64         `mapstructure:"max_documents"       yaml:"max_documents"`
	Resume             bool          `mapstructure:"resume"              yaml:"resume"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"      yaml:"shutdown_grace"`
	ReportInterval     time.Duration `mapstructure:"report_interval"     yaml:"report_interval"`
}

// RateConfig controls the per-egress and global rate ceilings.
type RateConfig struct {
	EgressRate     float64       `mapstructure:"egress_rate"     yaml:"egress_rate"`
	EgressBurst    int           `mapstructure:"egress_burst"    yaml:"egress_burst"`
	GlobalRate     float64       `mapstructure:"global_rate"     yaml:"global_rate"`
	GlobalBurst    int           `mapstructure:"global_burst"    yaml:"global_burst"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`

	// Egresses names the egress identities requests round-robin over.
	// With no entries a single identity "default" is assumed.
	Egresses []string `mapstructure:"egresses" yaml:"egresses"`

	// Proxies optionally binds a proxy URL to each egress identity,
	// positionally. Empty means the identity is a bare source IP.
	Proxies []string `mapstructure:"proxies" yaml:"proxies"`
}

// FetcherConfig controls the direct HTTP transport.
type FetcherConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"   yaml:"request_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"      yaml:"read_timeout"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	UserAgent       string        `mapstructure:"user_agent"        yaml:"user_agent"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
}

// BrowserConfig controls the headless browser pool for rendered fetches.
type BrowserConfig struct {
	Enabled      bool          `mapstructure:"enabled"       yaml:"enabled"`
	PoolSize     int           `mapstructure:"pool_size"     yaml:"pool_size"`
	MaxRequests  int           `mapstructure:"max_requests"  yaml:"max_requests"`
	WaitSelector string        `mapstructure:"wait_selector" yaml:"wait_selector"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"   yaml:"nav_timeout"`
	Stealth      bool          `mapstructure:"stealth"       yaml:"stealth"`
}

// RetryConfig controls the transient-failure loop.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"       yaml:"max_retries"`
	Base       time.Duration `mapstructure:"base"              yaml:"base"`
	Factor     float64       `mapstructure:"factor"            yaml:"factor"`
	Jitter     float64       `mapstructure:"jitter"            yaml:"jitter"`
	Penalty429 float64       `mapstructure:"penalty_429"       yaml:"penalty_429"`
}

// GateConfig controls the quality-gate thresholds.
type GateConfig struct {
	MinBytes        int64         `mapstructure:"min_bytes"         yaml:"min_bytes"`
	MaxBytes        int64         `mapstructure:"max_bytes"         yaml:"max_bytes"`
	MaxResponseTime time.Duration `mapstructure:"max_response_time" yaml:"max_response_time"`
}

// CacheConfig controls the content-addressed local artifact store.
type CacheConfig struct {
	Root                   string        `mapstructure:"root"                      yaml:"root"`
	MinFreeBytes           uint64        `mapstructure:"min_free_bytes"            yaml:"min_free_bytes"`
	FreeSpaceCheckInterval time.Duration `mapstructure:"free_space_check_interval" yaml:"free_space_check_interval"`
}

// CatalogConfig controls the document catalog store.
type CatalogConfig struct {
	// Driver is "sqlite" (default, pure Go) or "postgres".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// ClassifierConfig holds the ordered URL pattern lists. Each pattern is
// "suffix:", "substring:" or "regex:" prefixed; bare patterns are
// substrings.
type ClassifierConfig struct {
	Direct      []string `mapstructure:"direct"      yaml:"direct"`
	Rendered    []string `mapstructure:"rendered"    yaml:"rendered"`
	Unfetchable []string `mapstructure:"unfetchable" yaml:"unfetchable"`
}

// CheckpointConfig controls the progress record.
type CheckpointConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the optional metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:            2,
			BatchSize:          100,
			CheckpointInterval: 100,
			Resume:             true,
			ShutdownGrace:      30 * time.Second,
			ReportInterval:     10 * time.Second,
		},
		Rate: RateConfig{
			EgressRate:     2.0,
			EgressBurst:    2,
			GlobalRate:     0, // derived: workers x egress_rate
			GlobalBurst:    0, // derived: workers
			AcquireTimeout: 60 * time.Second,
		},
		Fetcher: FetcherConfig{
			RequestTimeout:  30 * time.Second,
			ReadTimeout:     10 * time.Second,
			MaxRedirects:    5,
			UserAgent:       "LexStalk/" + Version + " (legal document collector)",
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
		Browser: BrowserConfig{
			Enabled:     false,
			PoolSize:    10,
			MaxRequests: 500,
			NavTimeout:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Base:       1 * time.Second,
			Factor:     2.0,
			Jitter:     0.25,
			Penalty429: 4.0,
		},
		Gate: GateConfig{
			MinBytes:        1024,
			MaxBytes:        100 << 20,
			MaxResponseTime: 60 * time.Second,
		},
		Cache: CacheConfig{
			Root:                   "./cache",
			MinFreeBytes:           1 << 30,
			FreeSpaceCheckInterval: time.Minute,
		},
		Catalog: CatalogConfig{
			Driver: "sqlite",
			DSN:    "./lexstalk.db",
		},
		Classifier: ClassifierConfig{
			Direct: []string{
				"suffix:.pdf",
				"substring:/doc/",
				"substring:/judgment/",
				"substring:/download/",
			},
			Rendered: []string{
				"substring:/search/",
				"substring:/browse/",
				"regex:\\?(q|query|page)=",
			},
			Unfetchable: []string{
				"substring:/docfragment/",
			},
		},
		Checkpoint: CheckpointConfig{
			Path: "./checkpoints/progress.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// EffectiveGlobalRate resolves the derived global ceiling.
func (c *Config) EffectiveGlobalRate() float64 {
	if c.Rate.GlobalRate > 0 {
		return c.Rate.GlobalRate
	}
	return float64(c.Engine.Workers) * c.Rate.EgressRate
}

// EffectiveGlobalBurst resolves the derived global burst.
func (c *Config) EffectiveGlobalBurst() int {
	if c.Rate.GlobalBurst > 0 {
		return c.Rate.GlobalBurst
	}
	return c.Engine.Workers
}
