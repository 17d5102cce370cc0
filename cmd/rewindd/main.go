// Package main provides the rewind daemon. It tracks the running game,
// checkpoints it on an interval and serves the control API on a unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/deckrewind/rewind/pkg/api"
	"github.com/deckrewind/rewind/pkg/checkpoint"
	"github.com/deckrewind/rewind/pkg/common"
	"github.com/deckrewind/rewind/pkg/config"
	"github.com/deckrewind/rewind/pkg/criu"
	"github.com/deckrewind/rewind/pkg/discovery"
	"github.com/deckrewind/rewind/pkg/logging"
	"github.com/deckrewind/rewind/pkg/memdump"
	"github.com/deckrewind/rewind/pkg/metrics"
	"github.com/deckrewind/rewind/pkg/notify"
	"github.com/deckrewind/rewind/pkg/orchestrate"
	"github.com/deckrewind/rewind/pkg/types"
	"github.com/deckrewind/rewind/pkg/watcher"
)

const shutdownTimeout = 10 * time.Second

type daemon struct {
	cfg      *types.Config
	store    *checkpoint.Store
	engine   *orchestrate.Engine
	watcher  *watcher.Watcher
	server   *api.Server
	reloader *config.Reloader
	metrics  *http.Server
	log      logr.Logger
}

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default $REWIND_CONFIG or ~/.config/deck-rewind/config.yaml)")
	logOutput := flag.String("log", "stdout", "Log output: stdout, stderr or a file path")
	flag.Parse()

	rootLog := logging.ConfigureLogger(*logOutput)
	daemonLog := rootLog.WithName("daemon")

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfigOrDefault(path)
	if err != nil {
		fatal(daemonLog, err, "Failed to load configuration", "path", path)
	}
	if err := cfg.Validate(); err != nil {
		fatal(daemonLog, err, "Invalid configuration", "path", path)
	}

	d, err := newDaemon(cfg, path, rootLog)
	if err != nil {
		fatal(daemonLog, err, "Failed to initialize daemon")
	}

	daemonLog.Info("Starting rewind daemon",
		"config", path,
		"storage_root", d.store.Root(),
		"interval", cfg.CheckpointInterval.Duration(),
		"socket", cfg.API.Socket,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := d.run(ctx, sigChan); err != nil {
		fatal(daemonLog, err, "Daemon exited with error")
	}
	daemonLog.Info("Daemon stopped")
}

// newDaemon wires every component from cfg. Nothing is started.
func newDaemon(cfg *types.Config, configPath string, rootLog logr.Logger) (*daemon, error) {
	store, err := checkpoint.NewStore(cfg.StorageRoot, rootLog.WithName("store"))
	if err != nil {
		return nil, err
	}
	if swept, err := store.SweepStaging(); err != nil {
		rootLog.Error(err, "Failed to sweep staging directories")
	} else if swept > 0 {
		rootLog.Info("Removed interrupted checkpoints", "count", swept)
	}

	notifier := notify.FromSettings(cfg.Notifications, rootLog)

	privileged := criu.NewBackend(criu.Options{
		Settings:       cfg.CRIU,
		CaptureTimeout: cfg.CaptureTimeout.Duration(),
		RestoreTimeout: cfg.RestoreTimeout.Duration(),
	}, rootLog.WithName("criu"))
	fallback := memdump.NewBackend(memdump.Options{
		ProcRoot:         cfg.ProcRoot,
		Compression:      cfg.Compression,
		CompressionLevel: cfg.CompressionLevel,
	}, rootLog.WithName("memdump"))

	engine := orchestrate.NewEngine(orchestrate.Options{
		Store:      store,
		Privileged: privileged,
		Fallback:   fallback,
		Processes:  &common.Signaller{ProcRoot: cfg.ProcRoot, Log: rootLog.WithName("process")},
		Notifier:   notifier,
		Settings:   orchestrate.SettingsFromConfig(cfg),
	}, rootLog.WithName("engine"))

	reloader := config.NewReloader(configPath, cfg, rootLog.WithName("config"))
	reloader.OnChange(func(next *types.Config) {
		engine.UpdateSettings(orchestrate.SettingsFromConfig(next))
	})

	w := watcher.New(watcher.Options{
		Source:   &discovery.Steam{ProcRoot: cfg.ProcRoot, Log: rootLog.WithName("discovery")},
		Engine:   engine,
		Notifier: notifier,
	}, rootLog.WithName("watcher"))

	d := &daemon{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		watcher:  w,
		reloader: reloader,
		server:   api.NewServer(api.Config{SocketPath: cfg.API.Socket, StorageRoot: store.Root()}, engine, w, rootLog.WithName("api")),
		log:      rootLog.WithName("daemon"),
	}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metrics = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return d, nil
}

// run starts every component and blocks until a terminating signal arrives
// on sigChan, ctx is cancelled or a component fails.
func (d *daemon) run(ctx context.Context, sigChan <-chan os.Signal) error {
	g, gctx := errgroup.WithContext(ctx)
	stop, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error { return d.watcher.Run(stop) })
	g.Go(func() error { return d.reloader.Watch(stop) })
	g.Go(func() error {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	if d.metrics != nil {
		g.Go(func() error {
			d.log.Info("Metrics listener started", "addr", d.metrics.Addr)
			if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-stop.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.log.Error(err, "Control API shutdown failed")
		}
		if d.metrics != nil {
			if err := d.metrics.Shutdown(shutdownCtx); err != nil {
				d.log.Error(err, "Metrics listener shutdown failed")
			}
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-stop.Done():
				return nil
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					if err := d.reloader.Reload(); err != nil {
						d.log.Error(err, "Config reload failed, keeping previous configuration")
					}
					continue
				}
				d.log.Info("Shutting down", "signal", sig.String())
				cancel()
				return nil
			}
		}
	})

	return g.Wait()
}

func fatal(log logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	if err != nil {
		log.Error(err, msg, keysAndValues...)
	} else {
		log.Info(msg, keysAndValues...)
	}
	os.Exit(1)
}
