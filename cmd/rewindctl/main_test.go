package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckrewind/rewind/pkg/api"
	"github.com/deckrewind/rewind/pkg/common"
	"github.com/deckrewind/rewind/pkg/orchestrate"
	"github.com/deckrewind/rewind/pkg/types"
	"github.com/deckrewind/rewind/pkg/watcher"
)

var testNow = time.Date(2024, 3, 9, 14, 0, 0, 0, time.Local)

type stubEngine struct {
	checkpoints []types.Checkpoint
	deleted     []string
}

func (s *stubEngine) Checkpoint(context.Context, orchestrate.CheckpointRequest) (*types.Checkpoint, error) {
	return nil, types.ErrNoBackendAvailable
}

func (s *stubEngine) Restore(_ context.Context, req orchestrate.RestoreRequest) (*orchestrate.RestoreResult, error) {
	return &orchestrate.RestoreResult{
		CheckpointID: req.CheckpointID,
		Method:       types.MethodFallback,
		PID:          4242,
		Duration:     1500 * time.Millisecond,
		Verify:       common.VerifyReport{Exists: true, State: "T", MemReadable: true, FailedChecks: []string{"process_state"}},
	}, nil
}

func (s *stubEngine) List(subjectID string) ([]types.Checkpoint, error) {
	var out []types.Checkpoint
	for _, c := range s.checkpoints {
		if c.SubjectID == subjectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubEngine) ListAll() ([]types.Checkpoint, error) { return s.checkpoints, nil }

func (s *stubEngine) Delete(id string) (bool, error) {
	if strings.HasPrefix(id, "gone_") {
		return false, nil
	}
	s.deleted = append(s.deleted, id)
	return true, nil
}

type stubController struct{ submitted []watcher.CommandKind }

func (s *stubController) Submit(cmd watcher.Command) error {
	s.submitted = append(s.submitted, cmd.Kind)
	return nil
}

func (s *stubController) Status() watcher.Status {
	return watcher.Status{Subject: &types.Subject{ID: "1245620", PID: 4242, DisplayName: "ELDEN RING"}, CursorIndex: 2}
}

func startDaemon(t *testing.T, engine api.Engine, controller api.Controller) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rwctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "rewind.sock")

	srv := api.NewServer(api.Config{SocketPath: socket}, engine, controller, testr.New(t))
	go srv.Start()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	client := api.NewClient(socket)
	require.Eventually(t, func() bool {
		_, err := client.Health(context.Background())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return socket
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	_, root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func fallbackCheckpoint(subject string, at time.Time, size int64) types.Checkpoint {
	return types.Checkpoint{Metadata: *types.NewMetadata(subject, 4242, at, types.MethodFallback, false), SizeBytes: size}
}

func TestListCommand(t *testing.T) {
	engine := &stubEngine{checkpoints: []types.Checkpoint{
		fallbackCheckpoint("1245620", time.Now().Add(-2*time.Minute), 3<<20),
		fallbackCheckpoint("hades", time.Now().Add(-time.Hour), 1024),
	}}
	socket := startDaemon(t, engine, &stubController{})

	out, _, err := run(t, "--socket", socket, "list", "1245620")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, engine.checkpoints[0].ID)
	assert.Contains(t, out, "fallback")
	assert.Contains(t, out, "3.0 MiB")
	assert.NotContains(t, out, "hades")

	out, _, err = run(t, "--socket", socket, "--json", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"subject_id": "hades"`)
	assert.Contains(t, out, `"method": "memory_dump"`)
}

func TestRestoreCommandWarnsOnFailedVerification(t *testing.T) {
	socket := startDaemon(t, &stubEngine{}, &stubController{})

	out, errOut, err := run(t, "--socket", socket, "restore", "1245620_20240309_140000", "--pid", "99")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored 1245620_20240309_140000 into PID 4242 via fallback in 1.5s")
	assert.Contains(t, out, "Warning: verification failed: process_state")
	assert.Contains(t, errOut, "Restored process failed verification")
}

func TestCheckpointCommandReportsDaemonError(t *testing.T) {
	socket := startDaemon(t, &stubEngine{}, &stubController{})

	_, _, err := run(t, "--socket", socket, "checkpoint")
	var statusErr *api.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "no capture backend available", statusErr.Reason)

	_, _, err = run(t, "--socket", socket, "checkpoint", "--subject", "hades")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--pid is required")
}

func TestDeleteStatusAndCommand(t *testing.T) {
	engine := &stubEngine{}
	controller := &stubController{}
	socket := startDaemon(t, engine, controller)

	out, _, err := run(t, "--socket", socket, "delete", "a_20240309_140000", "b_20240309_140000")
	require.NoError(t, err)
	assert.Equal(t, "Deleted a_20240309_140000\nDeleted b_20240309_140000\n", out)
	assert.Equal(t, []string{"a_20240309_140000", "b_20240309_140000"}, engine.deleted)

	out, _, err = run(t, "--socket", socket, "delete", "gone_20240309_140000")
	require.NoError(t, err)
	assert.Equal(t, "No checkpoint gone_20240309_140000\n", out)

	out, _, err = run(t, "--socket", socket, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ELDEN RING (1245620, PID 4242)")
	assert.Contains(t, out, "Last checkpoint: never")

	out, _, err = run(t, "--socket", socket, "command", "step-back")
	require.NoError(t, err)
	assert.Equal(t, "Queued step_back\n", out)
	assert.Equal(t, []watcher.CommandKind{watcher.StepBack}, controller.submitted)

	_, _, err = run(t, "--socket", socket, "command", "explode")
	assert.ErrorIs(t, err, watcher.ErrUnknownCommand)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint_interval: 45s\nstorage_root: /srv/snapshots\n"), 0644))
	t.Setenv("REWIND_STORAGE_ROOT", "")

	out, _, err := run(t, "--config", path, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	out, _, err = run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoint_interval: 45s")
	assert.Contains(t, out, "storage_root: /srv/snapshots")
	assert.Contains(t, out, "compression: zstd")
}

func TestPrintHelpers(t *testing.T) {
	var buf bytes.Buffer
	printCheckpoints(&buf, nil, testNow)
	assert.Equal(t, "No snapshots\n", buf.String())

	buf.Reset()
	named := fallbackCheckpoint("hades", testNow.Add(-90*time.Second), 2048)
	named.Named = true
	printCheckpoints(&buf, []api.CheckpointInfo{{
		ID: named.ID, Method: named.Method, Named: true, SizeBytes: named.SizeBytes, CreatedAt: named.CreatedAt,
	}}, testNow)
	assert.Contains(t, buf.String(), "hades_20240309_135830")
	assert.Contains(t, buf.String(), "yes")
	assert.Contains(t, buf.String(), "2.0 KiB")
	assert.Contains(t, buf.String(), "1 minute ago")

	buf.Reset()
	printStatus(&buf, &watcher.Status{}, testNow)
	assert.Equal(t, "No active game\n", buf.String())

	buf.Reset()
	printStatus(&buf, &watcher.Status{
		Subject:        &types.Subject{ID: "hades", PID: 7},
		CursorIndex:    1,
		LastCheckpoint: testNow.Add(-30 * time.Second),
		Pending:        3,
	}, testNow)
	assert.Contains(t, buf.String(), "Tracking:        hades (hades, PID 7)")
	assert.Contains(t, buf.String(), "Last checkpoint: 30 seconds ago")
	assert.Contains(t, buf.String(), "Pending jobs:    3")
}
