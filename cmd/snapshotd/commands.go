package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/withObsrvr/obsrvr-snapshot-service/internal/catalog"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/config"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dataset"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/dispatcher"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/notify"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/snapshot"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/storage"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/transport"
	"github.com/withObsrvr/obsrvr-snapshot-service/internal/worker"
)

func openStorage(cfg config.StorageConfig) (storage.FS, error) {
	fs, err := storage.NewFS(storage.Config{
		Backend:    cfg.Backend,
		LocalDir:   cfg.LocalDir,
		GCSBucket:  cfg.GCSBucket,
		S3Bucket:   cfg.S3Bucket,
		S3Endpoint: cfg.S3Endpoint,
		S3Region:   cfg.S3Region,
		Prefix:     cfg.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	return fs, nil
}

func dispatcherCommand() *cli.Command {
	return &cli.Command{
		Name:   "dispatcher",
		Usage:  "Run the dispatcher",
		Action: runDispatcher,
	}
}

func runDispatcher(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	startMetrics(cfg.Metrics)

	ctx, cancel := signalContext()
	defer cancel()

	fs, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer fs.Close()

	writer, err := catalog.NewWriter(catalog.CatalogConfig{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Namespace:   cfg.Catalog.Namespace,
	})
	if err != nil {
		return fmt.Errorf("failed to create catalog writer: %w", err)
	}
	events := notify.Multi{
		notify.NewEmitter(notify.Config{
			Enabled:    cfg.Events.Enabled,
			Endpoint:   cfg.Events.Endpoint,
			JournalDir: cfg.Events.JournalDir,
			Producer:   notify.ProducerInfo{Name: producer().Name, Version: Version},
		}),
		catalog.NewSink(writer),
	}

	d, err := dispatcher.New(ctx, dispatcher.Config{
		FS:            fs,
		WorkDir:       cfg.Dispatcher.WorkDir,
		WorkerTimeout: cfg.Dispatcher.WorkerTimeout,
		CheckInterval: cfg.Dispatcher.CheckInterval,
		Events:        events,
		Producer:      producer(),
	})
	if err != nil {
		events.Close()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer d.Close()

	slog.Info("dispatcher started",
		"version", Version,
		"git_sha", GitSHA,
		"address", cfg.Dispatcher.Address,
		"storage", fs.URI(""),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- d.Run(ctx) }()
	go func() { errCh <- transport.NewServer(d).ListenAndServe(ctx, cfg.Dispatcher.Address) }()

	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("dispatcher stopped cleanly")
	return nil
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run a worker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Worker id (overrides configuration)"},
			&cli.IntFlag{Name: "streams", Usage: "Maximum concurrent streams (overrides configuration)"},
		},
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if id := c.String("id"); id != "" {
		cfg.Worker.ID = id
	}
	if n := c.Int("streams"); n > 0 {
		cfg.Worker.MaxConcurrentStreams = n
	}
	if cfg.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("worker id not configured and hostname unavailable: %w", err)
		}
		cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	startMetrics(cfg.Metrics)

	ctx, cancel := signalContext()
	defer cancel()

	fs, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer fs.Close()

	client := transport.NewClient(cfg.Dispatcher.Address)
	defer client.Close()

	w, err := worker.New(worker.Config{
		ID:                   cfg.Worker.ID,
		MaxConcurrentStreams: cfg.Worker.MaxConcurrentStreams,
		HeartbeatInterval:    cfg.Worker.HeartbeatInterval,
		CheckpointInterval:   int64(cfg.Worker.CheckpointInterval),
		CheckpointPeriod:     cfg.Worker.CheckpointPeriod,
		MaxRetry:             cfg.Worker.MaxRetry,
		BackoffMs:            cfg.Worker.BackoffMs,
		FS:                   fs,
	}, client)
	if err != nil {
		return err
	}

	slog.Info("worker started", "worker_id", cfg.Worker.ID, "dispatcher", cfg.Dispatcher.Address)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("worker stopped cleanly", "worker_id", cfg.Worker.ID)
	return nil
}

func saveCommand() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "Start a snapshot of a dataset",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dataset", Usage: "JSON dataset spec file"},
			&cli.Int64Flag{Name: "start", Usage: "First element of a range dataset"},
			&cli.Int64Flag{Name: "stop", Value: 1000, Usage: "End (exclusive) of a range dataset"},
			&cli.IntFlag{Name: "repeat", Value: 1, Usage: "Number of passes over the dataset"},
			&cli.Int64Flag{Name: "split-size", Usage: "Elements per split"},
			&cli.StringFlag{Name: "compression", Value: "AUTO", Usage: "AUTO, NONE, SNAPPY, ZSTD or GZIP"},
			&cli.BoolFlag{Name: "resume", Usage: "Adopt an in-flight snapshot of the same dataset at path"},
			&cli.BoolFlag{Name: "wait", Usage: "Block until the snapshot ends"},
		},
		Action: saveSnapshot,
	}
}

func datasetFromFlags(c *cli.Context) (dataset.Spec, error) {
	var spec dataset.Spec
	if file := c.String("dataset"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return dataset.Spec{}, fmt.Errorf("read dataset spec: %w", err)
		}
		if spec, err = dataset.DecodeSpec(data); err != nil {
			return dataset.Spec{}, err
		}
	} else {
		spec = dataset.Range(c.Int64("start"), c.Int64("stop"))
	}
	if c.IsSet("repeat") || spec.Repetitions == 0 {
		spec = spec.Repeat(c.Int("repeat"))
	}
	if c.IsSet("split-size") {
		spec = spec.WithSplitSize(c.Int64("split-size"))
	}
	spec = spec.Normalize()
	return spec, spec.Validate()
}

func pathArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one snapshot path")
	}
	return c.Args().First(), nil
}

func saveSnapshot(c *cli.Context) error {
	path, err := pathArg(c)
	if err != nil {
		return err
	}
	spec, err := datasetFromFlags(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client := transport.NewClient(cfg.Dispatcher.Address)
	defer client.Close()

	ctx, cancel := signalContext()
	defer cancel()

	opts := dispatcher.StartOptions{Resume: c.Bool("resume")}
	if err := client.StartSnapshot(ctx, path, spec, c.String("compression"), opts); err != nil {
		return err
	}
	fmt.Printf("snapshot %s started\n", path)

	if !c.Bool("wait") {
		return nil
	}
	return waitAndPrint(ctx, client, path)
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the state of a snapshot",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, client, err := remote(c)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			st, err := client.Status(ctx, path)
			if err != nil {
				return err
			}
			printStatus(path, st)
			return nil
		},
	}
}

func waitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Block until a snapshot is DONE or ERROR",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, client, err := remote(c)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()
			return waitAndPrint(ctx, client, path)
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Fail an in-progress snapshot",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Value: "cancelled by operator"},
		},
		Action: func(c *cli.Context) error {
			path, client, err := remote(c)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := client.Cancel(ctx, path, c.String("reason")); err != nil {
				return err
			}
			fmt.Printf("snapshot %s cancelled\n", path)
			return nil
		},
	}
}

func streamsCommand() *cli.Command {
	return &cli.Command{
		Name:      "streams",
		Usage:     "List the streams of a snapshot",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, client, err := remote(c)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			streams, err := client.Streams(ctx, path)
			if err != nil {
				return err
			}
			fmt.Printf("%-8s %-24s %-6s %s\n", "STREAM", "OWNER", "DONE", "ORPHANED")
			for _, s := range streams {
				fmt.Printf("%-8d %-24s %-6t %t\n", s.Index, s.Owner, s.Done, s.Orphaned)
			}
			return nil
		},
	}
}

func loadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "Print the elements of a finished snapshot as JSON lines",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path, err := pathArg(c)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			fs, err := openStorage(cfg.Storage)
			if err != nil {
				return err
			}
			defer fs.Close()

			rows, err := dataset.Load(context.Background(), snapshot.NewStore(fs), path)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, r := range rows {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func remote(c *cli.Context) (string, *transport.Client, error) {
	path, err := pathArg(c)
	if err != nil {
		return "", nil, err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return "", nil, err
	}
	return path, transport.NewClient(cfg.Dispatcher.Address), nil
}

func waitAndPrint(ctx context.Context, client dispatcher.Client, path string) error {
	st, err := client.Wait(ctx, path)
	if err != nil {
		return err
	}
	printStatus(path, st)
	if st.State == dispatcher.StateError {
		return fmt.Errorf("snapshot %s failed", path)
	}
	return nil
}

func printStatus(path string, st dispatcher.Status) {
	fmt.Printf("Snapshot: %s\n", path)
	fmt.Printf("State:    %s\n", st.State)
	if st.Reason != "" {
		fmt.Printf("Reason:   %s\n", st.Reason)
	}
}
