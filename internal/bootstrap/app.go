package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"exit_tracker/internal/core"

	"golang.org/x/sync/errgroup"
)

// App holds the loaded configuration and the root logger
type App struct {
	Cfg    *Config
	Logger core.ILogger
}

// NewApp loads configPath and builds the logger
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger}, nil
}

// Runner is a component that blocks until ctx is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and waits for all of them. SIGINT or SIGTERM, or the
// first runner failure, cancels the shared context. Cancellation itself is
// not reported as an error.
func (a *App) Run(ctx context.Context, runners ...Runner) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application", "runners", len(runners))

	for _, r := range runners {
		g.Go(func() error {
			err := r.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}
