package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexstalk/lexstalk/internal/catalog"
	"github.com/lexstalk/lexstalk/internal/classifier"
	"github.com/lexstalk/lexstalk/internal/config"
	"github.com/lexstalk/lexstalk/internal/engine"
	"github.com/lexstalk/lexstalk/internal/types"
)

var (
	cfgFile string
	verbose bool

	workers      int
	maxDocuments int64
	noResume     bool
	withBrowser  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lexstalk",
		Short: "LexStalk - bulk legal document collector",
		Long: `LexStalk collects court judgments and filings from public legal
databases into a local content-addressed cache, backed by a document
catalog.

Features:
  • Concurrent collection with per-egress and global rate ceilings
  • URL classification: direct HTTP, headless-browser rendering, or skip
  • Quality gates on every artifact before it is cataloged
  • SHA-256 content addressing with cross-document deduplication
  • Checkpointed, resumable runs
  • Prometheus metrics endpoint`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(collectCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// collectCmd creates the "collect" subcommand.
func collectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run a collection pass over pending documents",
		Long:  "Fetch every catalog document that has no current artifact, honoring rate ceilings and quality gates.",
		RunE:  runCollect,
	}

	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "worker count (0 = config default)")
	cmd.Flags().Int64VarP(&maxDocuments, "max-documents", "m", 0, "cap documents processed this run (0 = unlimited)")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "ignore any existing checkpoint and start fresh")
	cmd.Flags().BoolVar(&withBrowser, "browser", false, "enable the headless browser pool for rendered pages")

	return cmd
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := setupLogger(&cfg.Logging)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	if cfg.Metrics.Enabled {
		if err := eng.Metrics().StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := eng.Run(ctx)
	if err != nil && !errors.Is(err, types.ErrRunInterrupted) {
		return err
	}

	fmt.Printf("\nRun %s %s in %s\n",
		summary.RunID,
		map[bool]string{true: "interrupted", false: "complete"}[summary.Interrupted],
		summary.Elapsed.Round(time.Millisecond),
	)
	fmt.Printf("   Processed:   %d of %d\n", summary.Processed, summary.Total)
	fmt.Printf("   Succeeded:   %d\n", summary.Succeeded)
	fmt.Printf("   Duplicates:  %d\n", summary.Duplicates)
	fmt.Printf("   Skipped:     %d\n", summary.Skipped)
	fmt.Printf("   Failed:      %d\n", summary.Failed)
	if len(summary.TopFailures) > 0 {
		fmt.Println("   Top failure reasons:")
		for _, fc := range summary.TopFailures {
			fmt.Printf("     %6d  %s\n", fc.Count, fc.Reason)
		}
	}

	if summary.Interrupted {
		return types.ErrRunInterrupted
	}
	return nil
}

// seedCmd creates the "seed" subcommand.
func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Load document source URLs into the catalog",
		Long:  "Read one source URL per line (blank lines and # comments ignored) and insert catalog rows.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := setupLogger(&cfg.Logging)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var urls []string
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				urls = append(urls, line)
			}
			if err := sc.Err(); err != nil {
				return err
			}

			cat, err := catalog.Open(&cfg.Catalog, 2, logger)
			if err != nil {
				return err
			}
			defer cat.Close()

			n, err := cat.AddDocuments(cmd.Context(), urls)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d documents from %s\n", n, args[0])
			return nil
		},
	}
}

// statusCmd creates the "status" subcommand.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog collection progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := setupLogger(&cfg.Logging)
			if err != nil {
				return err
			}

			cls, err := classifier.New(&cfg.Classifier)
			if err != nil {
				return fmt.Errorf("compile classifier rules: %w", err)
			}

			cat, err := catalog.Open(&cfg.Catalog, 2, logger)
			if err != nil {
				return err
			}
			defer cat.Close()

			stats, err := cat.Summary(cmd.Context(), cls.SubstringExclusions())
			if err != nil {
				return err
			}

			fmt.Printf("Documents:  %d\n", stats.Documents)
			fmt.Printf("Collected:  %d\n", stats.Collected)
			fmt.Printf("Pending:    %d\n", stats.Pending)
			fmt.Printf("Failures:   %d recorded\n", stats.Failures)
			if stats.Documents > 0 {
				fmt.Printf("Progress:   %.1f%%\n", 100*float64(stats.Collected)/float64(stats.Documents))
			}
			return nil
		},
	}
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("LexStalk %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			applyCLIOverrides(cfg)

			fmt.Printf("Engine:\n")
			fmt.Printf("  Workers:             %d\n", cfg.Engine.Workers)
			fmt.Printf("  Batch Size:          %d\n", cfg.Engine.BatchSize)
			fmt.Printf("  Checkpoint Interval: %d documents\n", cfg.Engine.CheckpointInterval)
			fmt.Printf("  Resume:              %v\n", cfg.Engine.Resume)
			fmt.Printf("  Shutdown Grace:      %s\n", cfg.Engine.ShutdownGrace)
			fmt.Printf("\nRate:\n")
			fmt.Printf("  Per-Egress:          %.2f req/s, burst %d\n", cfg.Rate.EgressRate, cfg.Rate.EgressBurst)
			fmt.Printf("  Global:              %.2f req/s, burst %d\n", cfg.EffectiveGlobalRate(), cfg.EffectiveGlobalBurst())
			fmt.Printf("  Egresses:            %d configured\n", len(cfg.Rate.Egresses))
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Request Timeout:     %s\n", cfg.Fetcher.RequestTimeout)
			fmt.Printf("  Read Timeout:        %s\n", cfg.Fetcher.ReadTimeout)
			fmt.Printf("  Max Redirects:       %d\n", cfg.Fetcher.MaxRedirects)
			fmt.Printf("\nBrowser:\n")
			fmt.Printf("  Enabled:             %v\n", cfg.Browser.Enabled)
			fmt.Printf("  Pool Size:           %d\n", cfg.Browser.PoolSize)
			fmt.Printf("\nGate:\n")
			fmt.Printf("  Min Bytes:           %d\n", cfg.Gate.MinBytes)
			fmt.Printf("  Max Bytes:           %d\n", cfg.Gate.MaxBytes)
			fmt.Printf("  Max Response Time:   %s\n", cfg.Gate.MaxResponseTime)
			fmt.Printf("\nCache:\n")
			fmt.Printf("  Root:                %s\n", cfg.Cache.Root)
			fmt.Printf("  Min Free:            %d bytes\n", cfg.Cache.MinFreeBytes)
			fmt.Printf("\nCatalog:\n")
			fmt.Printf("  Driver:              %s\n", cfg.Catalog.Driver)
			fmt.Printf("  DSN:                 %s\n", cfg.Catalog.DSN)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:             %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:                %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

// setupLogger builds the structured logger from the logging config.
func setupLogger(cfg *config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var out *os.File
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config) {
	if workers > 0 {
		cfg.Engine.Workers = workers
	}
	if maxDocuments > 0 {
		cfg.Engine.MaxDocuments = maxDocuments
	}
	if noResume {
		cfg.Engine.Resume = false
	}
	if withBrowser {
		cfg.Browser.Enabled = true
	}
}
