package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/config"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/logging"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/metrics"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func producer() snapshot.ProducerInfo {
	return snapshot.ProducerInfo{Name: "snapshotd", Version: Version, GitSHA: GitSHA}
}

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// App builds the snapshotd command line.
func App() *cli.App {
	return &cli.App{
		Name:    "snapshotd",
		Usage:   "Crash-recoverable distributed dataset snapshots",
		Version: fmt.Sprintf("%s (%s)", Version, GitSHA),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"SNAPSHOTD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "dispatcher",
				Usage: "Dispatcher address (overrides configuration)",
			},
		},
		Commands: []*cli.Command{
			dispatcherCommand(),
			workerCommand(),
			saveCommand(),
			statusCommand(),
			waitCommand(),
			cancelCommand(),
			streamsCommand(),
			loadCommand(),
		},
	}
}

// loadConfig reads configuration and sets up logging. It is the first thing
// every command does.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if addr := c.String("dispatcher"); addr != "" {
		cfg.Dispatcher.Address = addr
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	return cfg, nil
}

// startMetrics initializes metrics and serves them in the background when
// enabled.
func startMetrics(cfg config.MetricsConfig) {
	if !cfg.Enabled {
		return
	}
	metrics.Init("")
	go func() {
		if err := metrics.StartServer(cfg.Address); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("metrics server started", "address", cfg.Address)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-ch:
			slog.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
