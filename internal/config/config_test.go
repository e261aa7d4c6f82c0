package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestEffectiveGlobalDerivation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Workers = 4
	cfg.Rate.EgressRate = 2.0

	if got := cfg.EffectiveGlobalRate(); got != 8.0 {
		t.Errorf("EffectiveGlobalRate = %g, want 8", got)
	}
	if got := cfg.EffectiveGlobalBurst(); got != 4 {
		t.Errorf("EffectiveGlobalBurst = %d, want 4", got)
	}

	// Explicit values win over derivation.
	cfg.Rate.GlobalRate = 3.5
	cfg.Rate.GlobalBurst = 2
	if got := cfg.EffectiveGlobalRate(); got != 3.5 {
		t.Errorf("EffectiveGlobalRate = %g, want 3.5", got)
	}
	if got := cfg.EffectiveGlobalBurst(); got != 2 {
		t.Errorf("EffectiveGlobalBurst = %d, want 2", got)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"zero batch", func(c *Config) { c.Engine.BatchSize = 0 }},
		{"zero egress rate", func(c *Config) { c.Rate.EgressRate = 0 }},
		{"proxy egress mismatch", func(c *Config) {
			c.Rate.Egresses = []string{"a", "b"}
			c.Rate.Proxies = []string{"http://proxy:8080"}
		}},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.0 }},
		{"max below min bytes", func(c *Config) {
			c.Gate.MinBytes = 2048
			c.Gate.MaxBytes = 1024
		}},
		{"unknown driver", func(c *Config) { c.Catalog.Driver = "mysql" }},
		{"empty cache root", func(c *Config) { c.Cache.Root = "" }},
		{"browser pool zero", func(c *Config) {
			c.Browser.Enabled = true
			c.Browser.PoolSize = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexstalk.yaml")
	yaml := `
engine:
  workers: 6
rate:
  egress_rate: 0.5
  egresses: ["alpha", "beta"]
fetcher:
  request_timeout: 45s
catalog:
  driver: postgres
  dsn: "host=localhost dbname=lexstalk"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Workers != 6 {
		t.Errorf("workers = %d, want 6", cfg.Engine.Workers)
	}
	if cfg.Rate.EgressRate != 0.5 {
		t.Errorf("egress_rate = %g, want 0.5", cfg.Rate.EgressRate)
	}
	if len(cfg.Rate.Egresses) != 2 {
		t.Errorf("egresses = %v", cfg.Rate.Egresses)
	}
	if cfg.Fetcher.RequestTimeout != 45*time.Second {
		t.Errorf("request_timeout = %s", cfg.Fetcher.RequestTimeout)
	}
	if cfg.Catalog.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Catalog.Driver)
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.BatchSize != 100 {
		t.Errorf("batch_size = %d, want default 100", cfg.Engine.BatchSize)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LEXSTALK_ENGINE_WORKERS", "12")
	t.Setenv("LEXSTALK_LOGGING_FORMAT", "json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Workers != 12 {
		t.Errorf("workers = %d, want 12", cfg.Engine.Workers)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q, want json", cfg.Logging.Format)
	}
}
