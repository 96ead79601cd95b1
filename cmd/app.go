package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/buildaccel/internal/config"
	"github.com/Norgate-AV/buildaccel/internal/deps"
	"github.com/Norgate-AV/buildaccel/internal/existence"
	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/metrics"
	"github.com/Norgate-AV/buildaccel/internal/pch"
)

// app is the composition root shared by the subcommands
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prom.Registry
	recorder metrics.Recorder
	cache    *existence.Cache
	resolver *deps.Resolver
	engine   *pch.Engine
}

// newApp loads configuration for a command run from dir and wires the components
func newApp(ctx context.Context, cmd *cobra.Command, dir string) (*app, error) {
	viper.Reset()

	cfg, err := config.NewLoader().LoadForCommand(cmd, dir)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
		Console: cmd.ErrOrStderr(),
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.NoopRecorder{},
	}

	if cfg.MetricsFile != "" {
		a.registry = prom.NewRegistry()
		a.recorder = metrics.NewPrometheusRecorder(a.registry)
	}

	a.cache, err = existence.Open(ctx, existence.Config{
		Backend:         cfg.CacheBackend,
		Dir:             cfg.CacheDir,
		CaseInsensitive: cfg.CaseInsensitive,
		ReserveTimeout:  cfg.CacheReserveTimeout,
		Logger:          logger,
		Recorder:        a.recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open existence cache: %w", err)
	}

	a.resolver = deps.NewResolver(a.cache, deps.Options{
		CaseInsensitive: cfg.CaseInsensitive,
		Logger:          logger,
		Recorder:        a.recorder,
	})

	a.engine = pch.NewEngine(pch.Options{
		Logger:   logger,
		Recorder: a.recorder,
	})

	return a, nil
}

// close releases the cache and writes metrics when configured
func (a *app) close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("failed to close existence cache", logging.Err(err))
	}

	if a.registry != nil {
		if err := prom.WriteToTextfile(a.cfg.MetricsFile, a.registry); err != nil {
			a.logger.Warn("failed to write metrics", logging.KeyPath, a.cfg.MetricsFile, logging.Err(err))
		}
	}
}

// workingDir returns the current directory, or "." if it cannot be determined
func workingDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}

	return "."
}
