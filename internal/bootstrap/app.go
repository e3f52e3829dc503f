// Package bootstrap loads configuration, builds the root logger and runs
// the engine's component lifecycles under one signal-aware error group.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"jet_trader/internal/core"

	"golang.org/x/sync/errgroup"
)

// App holds the dependencies every component needs before wiring starts.
type App struct {
	Cfg    *Config
	Logger core.ILogger
}

// NewApp loads the config and builds the root logger.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{
		Cfg:    cfg,
		Logger: logger,
	}, nil
}

// Runner is one component lifecycle: serve until ctx is canceled, shut
// down, return. A non-nil error cancels every other runner's context.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a closure to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until all have returned. SIGINT and
// SIGTERM cancel the shared context; so does the first runner error.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down cleanly")
	return nil
}
