package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Events     EventsConfig     `yaml:"events"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type DispatcherConfig struct {
	Address       string        `yaml:"address"`
	WorkDir       string        `yaml:"work_dir"`
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type WorkerConfig struct {
	ID                   string        `yaml:"id"`
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	CheckpointInterval   int           `yaml:"checkpoint_interval"` // splits between checkpoints
	CheckpointPeriod     time.Duration `yaml:"checkpoint_period"`
	MaxRetry             int           `yaml:"max_retry"`
	BackoffMs            int           `yaml:"backoff_ms"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	LocalDir   string `yaml:"local_dir"`
	GCSBucket  string `yaml:"gcs_bucket"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type EventsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	JournalDir string `yaml:"journal_dir"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Dispatcher: DispatcherConfig{
			Address:       "localhost:7070",
			WorkDir:       "./state",
			WorkerTimeout: 30 * time.Second,
			CheckInterval: time.Second,
		},
		Worker: WorkerConfig{
			MaxConcurrentStreams: 1,
			HeartbeatInterval:    time.Second,
			CheckpointInterval:   10,
			CheckpointPeriod:     30 * time.Second,
			MaxRetry:             3,
			BackoffMs:            1000,
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./data",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
		Events: EventsConfig{
			JournalDir: "./state/events",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Load reads defaults, then the YAML file at path when path is not empty,
// then environment overrides, and validates the result. Environment
// overrides come from the process environment and, for keys it leaves
// unset, from the dotenv file named by SNAPSHOTD_ENV_FILE (default ".env").
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	env, err := lookupEnv()
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env func(string) string) error {
	cfg.Dispatcher.Address = getenvDefault(env, "DISPATCHER_ADDRESS", cfg.Dispatcher.Address)
	cfg.Dispatcher.WorkDir = getenvDefault(env, "DISPATCHER_WORK_DIR", cfg.Dispatcher.WorkDir)
	cfg.Worker.ID = getenvDefault(env, "WORKER_ID", cfg.Worker.ID)
	cfg.Storage.Backend = getenvDefault(env, "STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.LocalDir = getenvDefault(env, "LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.GCSBucket = getenvDefault(env, "GCS_BUCKET", cfg.Storage.GCSBucket)
	cfg.Storage.S3Bucket = getenvDefault(env, "S3_BUCKET", cfg.Storage.S3Bucket)
	cfg.Storage.S3Endpoint = getenvDefault(env, "S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault(env, "S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.Prefix = getenvDefault(env, "STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Catalog.PostgresDSN = getenvDefault(env, "CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault(env, "CATALOG_NAMESPACE", cfg.Catalog.Namespace)
	cfg.Events.Endpoint = getenvDefault(env, "EVENTS_ENDPOINT", cfg.Events.Endpoint)
	cfg.Events.JournalDir = getenvDefault(env, "EVENTS_JOURNAL_DIR", cfg.Events.JournalDir)
	cfg.Logging.Format = getenvDefault(env, "LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault(env, "LOG_LEVEL", cfg.Logging.Level)
	cfg.Metrics.Address = getenvDefault(env, "METRICS_ADDRESS", cfg.Metrics.Address)

	if v := env("EVENTS_ENABLED"); v != "" {
		cfg.Events.Enabled = v == "true"
	}
	if v := env("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"WORKER_MAX_CONCURRENT_STREAMS", &cfg.Worker.MaxConcurrentStreams},
		{"CHECKPOINT_INTERVAL", &cfg.Worker.CheckpointInterval},
		{"WORKER_MAX_RETRY", &cfg.Worker.MaxRetry},
	}
	for _, e := range ints {
		if v := env(e.key); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = parsed
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HEARTBEAT_INTERVAL", &cfg.Worker.HeartbeatInterval},
		{"WORKER_TIMEOUT", &cfg.Dispatcher.WorkerTimeout},
		{"CHECKPOINT_PERIOD", &cfg.Worker.CheckpointPeriod},
	}
	for _, e := range durations {
		if v := env(e.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = parsed
		}
	}
	return nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	if c.Worker.MaxConcurrentStreams < 1 {
		return fmt.Errorf("worker.max_concurrent_streams must be at least 1, got %d", c.Worker.MaxConcurrentStreams)
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be positive")
	}
	if c.Dispatcher.WorkerTimeout <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("dispatcher.worker_timeout (%s) must exceed worker.heartbeat_interval (%s)",
			c.Dispatcher.WorkerTimeout, c.Worker.HeartbeatInterval)
	}
	if c.Worker.CheckpointInterval < 0 {
		return fmt.Errorf("worker.checkpoint_interval must not be negative")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir required for local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket required for gcs backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket required for s3 backend")
		}
	case "mem":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// lookupEnv returns a getenv that falls back to the dotenv file. A missing
// default ".env" is not an error; a missing SNAPSHOTD_ENV_FILE is.
func lookupEnv() (func(string) string, error) {
	path := os.Getenv("SNAPSHOTD_ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return os.Getenv, nil
		}
	}
	file, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return file[key]
	}, nil
}

func getenvDefault(env func(string) string, key, def string) string {
	if val := env(key); val != "" {
		return val
	}
	return def
}
