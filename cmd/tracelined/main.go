// Package main provides the tracelined service entrypoint.
//
// Usage:
//
//	tracelined serve [options]
//	tracelined version
//
// Exit codes:
//   - 0: clean shutdown
//   - 1: configuration error
//   - 2: runtime failure
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/traceline-io/traceline/adapter"
	"github.com/traceline-io/traceline/adapter/redis"
	"github.com/traceline-io/traceline/adapter/webhook"
	"github.com/traceline-io/traceline/config"
	"github.com/traceline-io/traceline/iox"
	"github.com/traceline-io/traceline/log"
	"github.com/traceline-io/traceline/metrics"
	"github.com/traceline-io/traceline/service"
	"github.com/traceline-io/traceline/store"
	"github.com/traceline-io/traceline/types"
)

const (
	exitClean       = 0
	exitConfigError = 1
	exitRuntime     = 2
)

func main() {
	app := &cli.App{
		Name:    "tracelined",
		Usage:   "Traceline record service - persists and acknowledges run record streams",
		Version: types.Version,
		Commands: []*cli.Command{
			serveCommand(),
			versionCommand(),
		},
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for ExitCoder errors; anything
		// reaching here is a runtime failure.
		os.Exit(exitRuntime)
	}
}

// exitErrHandler handles errors from the CLI, respecting cli.ExitCoder.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() returns "exit status N"; skip those
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitRuntime)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the service version",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "tracelined %s (schema %s)\n", types.Version, types.SchemaVersion)
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept client connections and persist run records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to tracelined.yaml",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address to bind (host:port, port 0 for ephemeral)",
			},
			&cli.StringFlag{
				Name:  "portfile",
				Usage: "File to publish the bound address to after listen",
			},
			&cli.IntFlag{
				Name:  "parent-pid",
				Usage: "Exit when this process dies",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Base directory for records and logs",
			},
			&cli.StringFlag{
				Name:  "store-backend",
				Usage: "Record store backend: fs, memory, or s3",
			},
			&cli.StringFlag{
				Name:  "store-path",
				Usage: "Record store path (directory or s3://bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "webhook-url",
				Usage: "POST run finished events to this URL",
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "Publish run finished events to this Redis server",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log file path (default: <data-dir>/logs/tracelined.log)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadServiceConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitConfigError)
	}

	logger, err := buildLogger(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid log configuration: %v", err), exitConfigError)
	}
	defer func() { _ = logger.Sync() }()

	st, collector, err := openStore(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid storage configuration: %v", err), exitConfigError)
	}
	defer iox.DiscardClose(st)

	adapters, err := buildAdapters(c, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid adapter configuration: %v", err), exitConfigError)
	}
	defer func() {
		for _, a := range adapters {
			iox.DiscardClose(a)
		}
	}()

	srv, err := service.New(service.Options{
		Listen:      cfg.Listen,
		Portfile:    c.String("portfile"),
		ParentPID:   c.Int("parent-pid"),
		AckInterval: cfg.AckInterval.Duration,
		StoragePath: storagePath(cfg.Storage),
		Store:       st,
		Adapters:    adapters,
		Logger:      logger,
		Collector:   collector,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitConfigError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("service failed: %v", err), exitRuntime)
	}

	snap := collector.Snapshot()
	logger.Info("service stopped", map[string]any{
		"store_write_success": snap.StoreWriteSuccess,
		"store_write_failure": snap.StoreWriteFailure,
		"decode_errors":       snap.DecodeErrors,
	})
	return nil
}

// loadServiceConfig reads the optional config file and applies flag
// overrides. Flags always win over file values.
func loadServiceConfig(c *cli.Context) (*config.ServiceConfig, error) {
	cfg := &config.ServiceConfig{}
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadService(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("store-backend"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := c.String("store-path"); v != "" {
		cfg.Storage.Path = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	cfg.Normalize()

	// The fs backend needs somewhere to write; default it under the
	// data dir so a bare spawn works.
	if cfg.Storage.Backend == "fs" && cfg.Storage.Path == "" {
		dataDir := c.String("data-dir")
		if dataDir == "" {
			return nil, errors.New("fs storage requires --store-path or --data-dir")
		}
		cfg.Storage.Path = filepath.Join(dataDir, "records")
	}
	return cfg, nil
}

func buildLogger(c *cli.Context, cfg *config.ServiceConfig) (*log.Logger, error) {
	logCfg := cfg.Log
	filename := "tracelined.log"
	if path := c.String("log-file"); path != "" {
		logCfg.Dir = filepath.Dir(path)
		filename = filepath.Base(path)
	} else if logCfg.Dir == "" {
		if dataDir := c.String("data-dir"); dataDir != "" {
			logCfg.Dir = filepath.Join(dataDir, "logs")
		}
	}
	return log.New(logCfg, filename)
}

// buildAdapters assembles the run finished event publishers from flags
// and config. Webhook and redis can both be active.
func buildAdapters(c *cli.Context, cfg *config.ServiceConfig) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	webhookURL := c.String("webhook-url")
	redisURL := c.String("redis-url")
	switch cfg.Adapter.Type {
	case "webhook":
		if webhookURL == "" {
			webhookURL = cfg.Adapter.URL
		}
	case "redis":
		if redisURL == "" {
			redisURL = cfg.Adapter.URL
		}
	case "":
	default:
		return nil, fmt.Errorf("unknown adapter type %q: want webhook or redis", cfg.Adapter.Type)
	}

	if webhookURL != "" {
		wcfg := webhook.Config{
			URL:     webhookURL,
			Headers: cfg.Adapter.Headers,
			Timeout: cfg.Adapter.Timeout.Duration,
			Retries: webhook.DefaultRetries,
		}
		if cfg.Adapter.Retries != nil {
			wcfg.Retries = *cfg.Adapter.Retries
		}
		a, err := webhook.New(wcfg)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if redisURL != "" {
		rcfg := redis.Config{
			URL:     redisURL,
			Channel: cfg.Adapter.Channel,
			Timeout: cfg.Adapter.Timeout.Duration,
			Retries: redis.DefaultRetries,
		}
		if cfg.Adapter.Retries != nil {
			rcfg.Retries = *cfg.Adapter.Retries
		}
		a, err := redis.New(rcfg)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	return adapters, nil
}

// openStore opens the configured record store wrapped with write
// counters, sharing one collector with the server.
func openStore(cfg *config.ServiceConfig) (*store.Instrumented, *metrics.Collector, error) {
	raw, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	collector := metrics.NewCollector("tracelined", "tcp", cfg.Storage.Backend)
	return store.NewInstrumented(raw, collector), collector, nil
}

// storagePath renders the store location for run finished events.
func storagePath(cfg config.StorageConfig) string {
	switch cfg.Backend {
	case "", "fs":
		return "file://" + cfg.Path
	case "memory":
		return "memory://" + cfg.Dataset
	default:
		return cfg.Path
	}
}
