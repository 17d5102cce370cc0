package main

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckrewind/rewind/pkg/api"
	"github.com/deckrewind/rewind/pkg/config"
	"github.com/deckrewind/rewind/pkg/types"
)

func testConfig(t *testing.T) (*types.Config, string) {
	t.Helper()
	// Unix socket paths are limited to ~108 bytes, so avoid t.TempDir().
	dir, err := os.MkdirTemp("", "rwd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.StorageRoot = filepath.Join(dir, "snapshots")
	cfg.API.Socket = filepath.Join(dir, "rewind.sock")
	cfg.ProcRoot = filepath.Join(dir, "proc")
	cfg.Notifications.Desktop = false
	require.NoError(t, os.MkdirAll(cfg.ProcRoot, 0755))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(path, cfg))
	return cfg, path
}

func TestNewDaemonSweepsStaging(t *testing.T) {
	cfg, path := testConfig(t)
	stale := filepath.Join(cfg.StorageRoot, "1245620", ".staging-20240309_140000-abc")
	require.NoError(t, os.MkdirAll(stale, 0700))

	d, err := newDaemon(cfg, path, testr.New(t))
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
	assert.Nil(t, d.metrics)
	assert.Equal(t, 30*time.Second, d.engine.Settings().Interval)
}

func TestNewDaemonMetricsListener(t *testing.T) {
	cfg, path := testConfig(t)
	cfg.Metrics.Listen = "127.0.0.1:0"

	d, err := newDaemon(cfg, path, testr.New(t))
	require.NoError(t, err)
	require.NotNil(t, d.metrics)
	assert.Equal(t, "127.0.0.1:0", d.metrics.Addr)
}

func TestDaemonReloadAndShutdown(t *testing.T) {
	cfg, path := testConfig(t)
	d, err := newDaemon(cfg, path, testr.New(t))
	require.NoError(t, err)

	sigChan := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- d.run(context.Background(), sigChan) }()

	client := api.NewClient(cfg.API.Socket)
	require.Eventually(t, func() bool {
		_, err := client.Health(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status.Subject)

	next := *cfg
	next.CheckpointInterval = types.Duration(45 * time.Second)
	require.NoError(t, config.Save(path, &next))
	sigChan <- syscall.SIGHUP
	require.Eventually(t, func() bool {
		return d.engine.Settings().Interval == 45*time.Second
	}, 5*time.Second, 20*time.Millisecond)

	sigChan <- syscall.SIGTERM
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
