package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/traceline-io/traceline/config"
)

// withServeContext parses args against the serve command's flags and
// hands the resulting context to fn.
func withServeContext(t *testing.T, args []string, fn func(c *cli.Context) error) {
	t.Helper()
	cmd := serveCommand()
	cmd.Action = fn
	app := &cli.App{Commands: []*cli.Command{cmd}}
	if err := app.Run(append([]string{"tracelined", "serve"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestLoadServiceConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracelined.yaml")
	content := `
listen: "127.0.0.1:7000"
storage:
  backend: memory
  dataset: fromfile
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	args := []string{"--config", path, "--listen", "127.0.0.1:9000"}
	withServeContext(t, args, func(c *cli.Context) error {
		cfg, err := loadServiceConfig(c)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.Listen != "127.0.0.1:9000" {
			t.Errorf("listen = %q, want flag override 127.0.0.1:9000", cfg.Listen)
		}
		if cfg.Storage.Backend != "memory" {
			t.Errorf("backend = %q, want memory from file", cfg.Storage.Backend)
		}
		if cfg.Storage.Dataset != "fromfile" {
			t.Errorf("dataset = %q, want fromfile", cfg.Storage.Dataset)
		}
		return nil
	})
}

func TestLoadServiceConfig_FSNeedsPathOrDataDir(t *testing.T) {
	withServeContext(t, nil, func(c *cli.Context) error {
		if _, err := loadServiceConfig(c); err == nil {
			t.Fatal("expected error for fs backend without path or data dir")
		}
		return nil
	})
}

func TestLoadServiceConfig_DataDirDefaultsStorePath(t *testing.T) {
	dataDir := t.TempDir()
	withServeContext(t, []string{"--data-dir", dataDir}, func(c *cli.Context) error {
		cfg, err := loadServiceConfig(c)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		want := filepath.Join(dataDir, "records")
		if cfg.Storage.Path != want {
			t.Errorf("storage path = %q, want %q", cfg.Storage.Path, want)
		}
		return nil
	})
}

func TestBuildAdapters_None(t *testing.T) {
	withServeContext(t, nil, func(c *cli.Context) error {
		adapters, err := buildAdapters(c, &config.ServiceConfig{})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if len(adapters) != 0 {
			t.Errorf("adapters = %d, want 0", len(adapters))
		}
		return nil
	})
}

func TestBuildAdapters_WebhookAndRedisFlags(t *testing.T) {
	args := []string{
		"--webhook-url", "http://localhost:9999/hook",
		"--redis-url", "redis://localhost:6379",
	}
	withServeContext(t, args, func(c *cli.Context) error {
		adapters, err := buildAdapters(c, &config.ServiceConfig{})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if len(adapters) != 2 {
			t.Fatalf("adapters = %d, want 2", len(adapters))
		}
		for _, a := range adapters {
			_ = a.Close()
		}
		return nil
	})
}

func TestBuildAdapters_FromConfig(t *testing.T) {
	cfg := &config.ServiceConfig{
		Adapter: config.AdapterConfig{
			Type: "webhook",
			URL:  "http://localhost:9999/hook",
		},
	}
	withServeContext(t, nil, func(c *cli.Context) error {
		adapters, err := buildAdapters(c, cfg)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if len(adapters) != 1 {
			t.Fatalf("adapters = %d, want 1", len(adapters))
		}
		_ = adapters[0].Close()
		return nil
	})
}

func TestBuildAdapters_UnknownType(t *testing.T) {
	cfg := &config.ServiceConfig{
		Adapter: config.AdapterConfig{Type: "kafka"},
	}
	withServeContext(t, nil, func(c *cli.Context) error {
		if _, err := buildAdapters(c, cfg); err == nil {
			t.Fatal("expected error for unknown adapter type")
		}
		return nil
	})
}

func TestOpenStoreWiresWriteCounters(t *testing.T) {
	cfg := &config.ServiceConfig{
		Storage: config.StorageConfig{Backend: "memory", Dataset: "test"},
	}
	st, collector, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	snap := collector.Snapshot()
	if snap.StoreWriteSuccess != 1 {
		t.Errorf("StoreWriteSuccess = %d, want 1", snap.StoreWriteSuccess)
	}
	if snap.StorageBackend != "memory" {
		t.Errorf("StorageBackend = %q, want memory", snap.StorageBackend)
	}
}

func TestStoragePath(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StorageConfig
		want string
	}{
		{"fs", config.StorageConfig{Backend: "fs", Path: "/data/records"}, "file:///data/records"},
		{"default backend", config.StorageConfig{Path: "/data/records"}, "file:///data/records"},
		{"memory", config.StorageConfig{Backend: "memory", Dataset: "test"}, "memory://test"},
		{"s3", config.StorageConfig{Backend: "s3", Path: "s3://bucket/prefix"}, "s3://bucket/prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := storagePath(tt.cfg); got != tt.want {
				t.Errorf("storagePath = %q, want %q", got, tt.want)
			}
		})
	}
}
