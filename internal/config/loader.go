package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
// CLI flag overrides are applied by the command layer after Load.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("LEXSTALK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("lexstalk")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".lexstalk"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing config file is fine when not explicitly requested.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.workers", cfg.Engine.Workers)
	v.SetDefault("engine.batch_size", cfg.Engine.BatchSize)
	v.SetDefault("engine.checkpoint_interval", cfg.Engine.CheckpointInterval)
	v.SetDefault("engine.max_documents", cfg.Engine.MaxDocuments)
	v.SetDefault("engine.resume", cfg.Engine.Resume)
	v.SetDefault("engine.shutdown_grace", cfg.Engine.ShutdownGrace)
	v.SetDefault("engine.report_interval", cfg.Engine.ReportInterval)

	v.SetDefault("rate.egress_rate", cfg.Rate.EgressRate)
	v.SetDefault("rate.egress_burst", cfg.Rate.EgressBurst)
	v.SetDefault("rate.global_rate", cfg.Rate.GlobalRate)
	v.SetDefault("rate.global_burst", cfg.Rate.GlobalBurst)
	v.SetDefault("rate.acquire_timeout", cfg.Rate.AcquireTimeout)
	v.SetDefault("rate.egresses", cfg.Rate.Egresses)
	v.SetDefault("rate.proxies", cfg.Rate.Proxies)

	v.SetDefault("fetcher.request_timeout", cfg.Fetcher.RequestTimeout)
	v.SetDefault("fetcher.read_timeout", cfg.Fetcher.ReadTimeout)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.user_agent", cfg.Fetcher.UserAgent)
	v.SetDefault("fetcher.tls_insecure", cfg.Fetcher.TLSInsecure)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)

	v.SetDefault("browser.enabled", cfg.Browser.Enabled)
	v.SetDefault("browser.pool_size", cfg.Browser.PoolSize)
	v.SetDefault("browser.max_requests", cfg.Browser.MaxRequests)
	v.SetDefault("browser.wait_selector", cfg.Browser.WaitSelector)
	v.SetDefault("browser.nav_timeout", cfg.Browser.NavTimeout)
	v.SetDefault("browser.stealth", cfg.Browser.Stealth)

	v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	v.SetDefault("retry.base", cfg.Retry.Base)
	v.SetDefault("retry.factor", cfg.Retry.Factor)
	v.SetDefault("retry.jitter", cfg.Retry.Jitter)
	v.SetDefault("retry.penalty_429", cfg.Retry.Penalty429)

	v.SetDefault("gate.min_bytes", cfg.Gate.MinBytes)
	v.SetDefault("gate.max_bytes", cfg.Gate.MaxBytes)
	v.SetDefault("gate.max_response_time", cfg.Gate.MaxResponseTime)

	v.SetDefault("cache.root", cfg.Cache.Root)
	v.SetDefault("cache.min_free_bytes", cfg.Cache.MinFreeBytes)
	v.SetDefault("cache.free_space_check_interval", cfg.Cache.FreeSpaceCheckInterval)

	v.SetDefault("catalog.driver", cfg.Catalog.Driver)
	v.SetDefault("catalog.dsn", cfg.Catalog.DSN)

	v.SetDefault("classifier.direct", cfg.Classifier.Direct)
	v.SetDefault("classifier.rendered", cfg.Classifier.Rendered)
	v.SetDefault("classifier.unfetchable", cfg.Classifier.Unfetchable)

	v.SetDefault("checkpoint.path", cfg.Checkpoint.Path)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
