package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"exit_tracker/internal/bootstrap"
	"exit_tracker/internal/persistence"
	"exit_tracker/pkg/cli"
	"exit_tracker/pkg/logging"
	"exit_tracker/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

// errUsage marks a bad command line; run exits 2 for it
var errUsage = errors.New("invalid usage")

const usage = `Usage: exit_tracker [flags] [command]

Commands:
  run       track positions from the configured feed (default)
  export    write every stored record to a Parquet ledger

Flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

func run(args []string, stdin io.Reader, stderr io.Writer) int {
	fs := flag.NewFlagSet("exit_tracker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "configs/exit_tracker.yaml", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Show version and exit")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stderr, "exit_tracker version %s (built %s)\n", version, buildTime)
		return 0
	}

	cmd, rest := "run", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to start: %v\n", err)
		return 1
	}

	switch cmd {
	case "run":
		err = runTracker(app, stdin)
	case "export":
		err = runExport(app, rest, stderr)
	default:
		fs.Usage()
		return 2
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	if err != nil {
		app.Logger.Error("Command failed", "command", cmd, "error", err)
		return 1
	}
	return 0
}

func runTracker(app *bootstrap.App, stdin io.Reader) error {
	logger := app.Logger
	logger.Info("Starting exit_tracker", "version", version, "build_time", buildTime)

	switch tc := app.Cfg.Telemetry; {
	case tc.EnableTracing:
		tel, err := telemetry.Setup(telemetry.Options{
			ServiceName: logging.ServiceName,
			Version:     version,
			SampleRatio: tc.TraceSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer shutdownWithin(tel.Shutdown)
	case tc.EnableMetrics:
		provider, err := telemetry.InitMetrics(logging.ServiceName, version)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer shutdownWithin(provider.Shutdown)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := newService(ctx, app.Cfg, logger, stdin)
	if err != nil {
		return err
	}
	return app.Run(ctx, svc.runners(cancel)...)
}

func runExport(app *bootstrap.App, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "ledger.parquet", "Parquet file to write")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := cli.ValidateOutputPath(*out, ".parquet"); err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, app.Cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	n, err := persistence.ExportLedger(ctx, store, *out)
	if err != nil {
		return err
	}
	app.Logger.Info("Ledger exported", "rows", n, "path", *out)
	return nil
}

func shutdownWithin(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
