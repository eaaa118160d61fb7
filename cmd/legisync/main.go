package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/ingest"
	"github.com/galois26/legisync/internal/logging"
	"github.com/galois26/legisync/internal/metrics"
	"github.com/galois26/legisync/internal/normalize"
	"github.com/galois26/legisync/internal/source"
	"github.com/galois26/legisync/internal/store"
	"github.com/galois26/legisync/internal/util"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	var gf globalFlags
	root := &cobra.Command{
		Use:           "legisync",
		Short:         "Sync the monitored bills sheet and serve it over HTTP",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "", "path to YAML config (defaults and LEGISYNC_* env when empty)")
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(serveCmd(&gf), syncCmd(&gf), pushCmd(&gf))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "legisync:", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the process logger.
func setup(gf *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if gf.logLevel != "" {
		cfg.Log.Level = gf.logLevel
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	logger.Info("legisync starting", "version", Version, "source", cfg.Source.Type, "store", cfg.Store.Backend)
	return cfg, logger, nil
}

func newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg)
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	p, err := store.NewFromConfig(cfg.Store)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(p, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return st, nil
}

func newScheduler(cfg *config.Config, st *store.Store, m *metrics.Metrics, logger *slog.Logger) (*ingest.Scheduler, error) {
	n, err := normalize.New(cfg.Source.Columns)
	if err != nil {
		return nil, fmt.Errorf("source.columns: %w", err)
	}
	src, err := source.NewFromConfig(cfg.Source)
	if err != nil {
		return nil, err
	}
	interval := cfg.Ingest.Interval
	if !cfg.Ingest.ScheduleEnabled() {
		interval = 0
	}
	return ingest.New(ingest.Options{
		Source:       src,
		Normalizer:   n,
		Store:        st,
		Retry:        util.RetryPolicy{MaxAttempts: cfg.Ingest.MaxAttempts, Backoff: cfg.Ingest.Backoff},
		FetchTimeout: cfg.Source.HTTP.Timeout,
		Interval:     interval,
		LazyOnEmpty:  cfg.Ingest.Lazy(),
		Metrics:      m,
		Logger:       logger,
	})
}
