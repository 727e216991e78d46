package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "local" || cfg.Worker.MaxConcurrentStreams != 1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshotd.yaml")
	data := []byte(`
dispatcher:
  address: "10.0.0.1:7070"
  worker_timeout: 45s
worker:
  id: worker-a
  max_concurrent_streams: 4
  heartbeat_interval: 2s
storage:
  backend: mem
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("WORKER_ID", "worker-b")
	t.Setenv("CHECKPOINT_INTERVAL", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dispatcher.Address != "10.0.0.1:7070" {
		t.Errorf("address = %q", cfg.Dispatcher.Address)
	}
	if cfg.Dispatcher.WorkerTimeout != 45*time.Second || cfg.Worker.HeartbeatInterval != 2*time.Second {
		t.Errorf("durations not parsed: %+v", cfg.Dispatcher)
	}
	if cfg.Worker.ID != "worker-b" {
		t.Errorf("env should override file, got %q", cfg.Worker.ID)
	}
	if cfg.Worker.MaxConcurrentStreams != 4 || cfg.Worker.CheckpointInterval != 25 {
		t.Errorf("unexpected worker config: %+v", cfg.Worker)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"WORKER_MAX_CONCURRENT_STREAMS": "many"}},
		{"zero quota", map[string]string{"WORKER_MAX_CONCURRENT_STREAMS": "0"}},
		{"bad duration", map[string]string{"HEARTBEAT_INTERVAL": "soon"}},
		{"timeout below heartbeat", map[string]string{"WORKER_TIMEOUT": "1s", "HEARTBEAT_INTERVAL": "2s"}},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "tape"}},
		{"gcs without bucket", map[string]string{"STORAGE_BACKEND": "gcs"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshotd.env")
	data := []byte("WORKER_ID=from-file\nLOG_LEVEL=debug\nWORKER_TIMEOUT=90s\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SNAPSHOTD_ENV_FILE", path)
	t.Setenv("WORKER_ID", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.ID != "from-env" {
		t.Errorf("process environment should win, got %q", cfg.Worker.ID)
	}
	if cfg.Logging.Level != "debug" || cfg.Dispatcher.WorkerTimeout != 90*time.Second {
		t.Errorf("env file not applied: %+v", cfg)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv("SNAPSHOTD_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	if _, err := Load(""); err == nil {
		t.Error("expected error for a missing env file")
	}
}
