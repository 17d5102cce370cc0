package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/deckrewind/rewind/pkg/types"
)

const reloadDebounce = 250 * time.Millisecond

// Reloader holds the live configuration and swaps it when the file on disk
// changes (fsnotify) or when Reload is called (SIGHUP). An invalid file
// keeps the previous configuration in place.
type Reloader struct {
	path    string
	current atomic.Pointer[types.Config]
	log     logr.Logger

	mu        sync.Mutex
	listeners []func(*types.Config)
}

// NewReloader wraps an already-loaded configuration.
func NewReloader(path string, initial *types.Config, log logr.Logger) *Reloader {
	r := &Reloader{path: path, log: log}
	r.current.Store(initial)
	return r
}

// Current returns the live configuration. Callers must not mutate it.
func (r *Reloader) Current() *types.Config {
	return r.current.Load()
}

// OnChange registers fn to be called with every successfully reloaded config.
func (r *Reloader) OnChange(fn func(*types.Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the config file. A missing file reloads defaults.
func (r *Reloader) Reload() error {
	cfg, err := LoadConfigOrDefault(r.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.current.Store(cfg)

	r.mu.Lock()
	listeners := append([]func(*types.Config){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	r.log.Info("Configuration reloaded", "path", r.path)
	return nil
}

// Watch reloads on writes to the config file until ctx is cancelled. The
// parent directory is watched so editors that replace the file by rename
// are picked up.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		// No config directory means nothing to watch; the defaults stay live.
		r.log.V(1).Info("Config directory not watchable, hot reload disabled", "dir", dir, "error", err)
		<-ctx.Done()
		return nil
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Error(err, "Config watcher error")
		case <-debounce:
			debounce = nil
			if err := r.Reload(); err != nil {
				r.log.Error(err, "Config reload failed, keeping previous configuration")
			}
		}
	}
}
