package config

import (
	"fmt"
	"net/url"
)

// Validate checks configuration consistency. A validation failure is fatal
// at startup.
func Validate(cfg *Config) error {
	if cfg.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be >= 1, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be >= 1, got %d", cfg.Engine.BatchSize)
	}
	if cfg.Engine.CheckpointInterval < 1 {
		return fmt.Errorf("engine.checkpoint_interval must be >= 1, got %d", cfg.Engine.CheckpointInterval)
	}
	if cfg.Engine.MaxDocuments < 0 {
		return fmt.Errorf("engine.max_documents must be >= 0, got %d", cfg.Engine.MaxDocuments)
	}

	if cfg.Rate.EgressRate <= 0 {
		return fmt.Errorf("rate.egress_rate must be > 0, got %g", cfg.Rate.EgressRate)
	}
	if cfg.Rate.EgressBurst < 1 {
		return fmt.Errorf("rate.egress_burst must be >= 1, got %d", cfg.Rate.EgressBurst)
	}
	if len(cfg.Rate.Proxies) > 0 && len(cfg.Rate.Proxies) != len(cfg.Rate.Egresses) {
		return fmt.Errorf("rate.proxies must be empty or match rate.egresses (%d proxies, %d egresses)",
			len(cfg.Rate.Proxies), len(cfg.Rate.Egresses))
	}
	for _, p := range cfg.Rate.Proxies {
		if _, err := url.Parse(p); err != nil {
			return fmt.Errorf("invalid proxy URL %q: %w", p, err)
		}
	}

	if cfg.Fetcher.RequestTimeout <= 0 {
		return fmt.Errorf("fetcher.request_timeout must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if cfg.Retry.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1, got %g", cfg.Retry.Factor)
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0,1), got %g", cfg.Retry.Jitter)
	}

	if cfg.Gate.MinBytes < 0 {
		return fmt.Errorf("gate.min_bytes must be >= 0")
	}
	if cfg.Gate.MaxBytes > 0 && cfg.Gate.MaxBytes < cfg.Gate.MinBytes {
		return fmt.Errorf("gate.max_bytes (%d) must be >= gate.min_bytes (%d)",
			cfg.Gate.MaxBytes, cfg.Gate.MinBytes)
	}

	if cfg.Cache.Root == "" {
		return fmt.Errorf("cache.root must be set")
	}
	if cfg.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path must be set")
	}

	switch cfg.Catalog.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("catalog.driver must be sqlite or postgres, got %q", cfg.Catalog.Driver)
	}
	if cfg.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn must be set")
	}

	if cfg.Browser.Enabled {
		if cfg.Browser.PoolSize < 1 {
			return fmt.Errorf("browser.pool_size must be >= 1, got %d", cfg.Browser.PoolSize)
		}
		if cfg.Browser.MaxRequests < 1 {
			return fmt.Errorf("browser.max_requests must be >= 1, got %d", cfg.Browser.MaxRequests)
		}
	}

	return nil
}
