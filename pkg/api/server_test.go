package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckrewind/rewind/pkg/orchestrate"
	"github.com/deckrewind/rewind/pkg/types"
	"github.com/deckrewind/rewind/pkg/watcher"
)

type fakeEngine struct {
	mu          sync.Mutex
	checkpoints []types.Checkpoint
	captureErr  error
	restoreErr  error
	captured    []orchestrate.CheckpointRequest
	restored    []orchestrate.RestoreRequest
}

func (f *fakeEngine) Checkpoint(_ context.Context, req orchestrate.CheckpointRequest) (*types.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, req)
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	now := time.Date(2024, 3, 9, 14, 0, 0, 0, time.Local)
	ckpt := types.Checkpoint{
		Metadata:  *types.NewMetadata(req.Subject.ID, req.Subject.PID, now, types.MethodFallback, req.Named),
		SizeBytes: 4096,
	}
	f.checkpoints = append(f.checkpoints, ckpt)
	return &ckpt, nil
}

func (f *fakeEngine) Restore(_ context.Context, req orchestrate.RestoreRequest) (*orchestrate.RestoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, req)
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &orchestrate.RestoreResult{CheckpointID: req.CheckpointID, Method: types.MethodPrivileged, PID: 777}, nil
}

func (f *fakeEngine) List(subjectID string) ([]types.Checkpoint, error) {
	if err := validID(subjectID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Checkpoint
	for _, c := range f.checkpoints {
		if c.SubjectID == subjectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEngine) ListAll() ([]types.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Checkpoint(nil), f.checkpoints...), nil
}

func (f *fakeEngine) Delete(id string) (bool, error) {
	if _, _, err := types.ParseID(id); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.checkpoints {
		if c.ID == id {
			f.checkpoints = append(f.checkpoints[:i], f.checkpoints[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func validID(subjectID string) error {
	if subjectID == "../x" {
		return fmt.Errorf("%w: %q", types.ErrInvalidSubjectID, subjectID)
	}
	return nil
}

type fakeController struct {
	mu        sync.Mutex
	subject   *types.Subject
	submitted []watcher.CommandKind
	submitErr error
}

func (f *fakeController) Submit(cmd watcher.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, cmd.Kind)
	return nil
}

func (f *fakeController) Status() watcher.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return watcher.Status{Subject: f.subject, CursorIndex: 1}
}

func newTestServer(t *testing.T, engine *fakeEngine, controller Controller) *httptest.Server {
	t.Helper()
	s := NewServer(Config{StorageRoot: "/tmp/rewind"}, engine, controller, testr.New(t))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{}, nil)
	resp, body := do(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "/tmp/rewind", body["storage_root"])
}

func TestCheckpointDefaultsToActiveSubject(t *testing.T) {
	engine := &fakeEngine{}
	controller := &fakeController{subject: &types.Subject{ID: "1245620", PID: 4242, DisplayName: "ELDEN RING"}}
	ts := newTestServer(t, engine, controller)

	resp, body := do(t, ts, http.MethodPost, "/checkpoint", CheckpointRequest{Named: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ckpt := body["checkpoint"].(map[string]any)
	assert.Equal(t, "1245620_20240309_140000", ckpt["id"])
	assert.Equal(t, "memory_dump", ckpt["method"])
	assert.Equal(t, true, ckpt["named"])

	require.Len(t, engine.captured, 1)
	assert.Equal(t, 4242, engine.captured[0].Subject.PID)
	assert.True(t, engine.captured[0].Named)
}

func TestCheckpointErrors(t *testing.T) {
	tests := []struct {
		name       string
		controller Controller
		captureErr error
		req        CheckpointRequest
		wantStatus int
		wantReason string
	}{
		{name: "no active subject", controller: &fakeController{}, wantStatus: http.StatusConflict, wantReason: "no active subject"},
		{name: "no watcher", wantStatus: http.StatusConflict},
		{name: "explicit subject without pid", req: CheckpointRequest{SubjectID: "hades"}, wantStatus: http.StatusBadRequest},
		{
			name:       "storage exhausted",
			req:        CheckpointRequest{SubjectID: "hades", PID: 9},
			captureErr: fmt.Errorf("only 1 GiB free: %w", types.ErrStorageExhausted),
			wantStatus: http.StatusInsufficientStorage,
			wantReason: "storage exhausted",
		},
		{
			name:       "all backends failed",
			req:        CheckpointRequest{SubjectID: "hades", PID: 9},
			captureErr: errors.Join(types.ErrAllBackendsFailed, errors.New("ptrace denied")),
			wantStatus: http.StatusInternalServerError,
			wantReason: "all capture backends failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeEngine{captureErr: tt.captureErr}, tt.controller)
			resp, body := do(t, ts, http.MethodPost, "/checkpoint", tt.req)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, body["reason"])
			}
		})
	}
}

func TestRestore(t *testing.T) {
	engine := &fakeEngine{}
	ts := newTestServer(t, engine, nil)

	resp, body := do(t, ts, http.MethodPost, "/restore", RestoreRequest{CheckpointID: "hades_20240309_140000", CurrentPID: 55})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["result"].(map[string]any)
	assert.EqualValues(t, 777, result["pid"])
	assert.Equal(t, "criu", result["method"])
	assert.Equal(t, []orchestrate.RestoreRequest{{CheckpointID: "hades_20240309_140000", CurrentPID: 55}}, engine.restored)

	resp, _ = do(t, ts, http.MethodPost, "/restore", RestoreRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	engine.restoreErr = fmt.Errorf("checkpoint x: %w", types.ErrCheckpointNotFound)
	resp, body = do(t, ts, http.MethodPost, "/restore", RestoreRequest{CheckpointID: "hades_20990101_000000"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "checkpoint not found", body["reason"])

	engine.restoreErr = fmt.Errorf("criu restore: %w", types.ErrRestoreTimedOut)
	resp, _ = do(t, ts, http.MethodPost, "/restore", RestoreRequest{CheckpointID: "hades_20240309_140000"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestListAndDelete(t *testing.T) {
	engine := &fakeEngine{}
	ts := newTestServer(t, engine, nil)
	_, err := engine.Checkpoint(context.Background(), orchestrate.CheckpointRequest{Subject: types.Subject{ID: "hades", PID: 1}})
	require.NoError(t, err)

	resp, body := do(t, ts, http.MethodGet, "/checkpoints?subject=hades", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["checkpoints"], 1)

	_, body = do(t, ts, http.MethodGet, "/checkpoints?subject=celeste", nil)
	assert.Empty(t, body["checkpoints"])

	_, body = do(t, ts, http.MethodGet, "/checkpoints", nil)
	assert.Len(t, body["checkpoints"], 1)

	resp, _ = do(t, ts, http.MethodGet, "/checkpoints?subject=../x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, ts, http.MethodDelete, "/checkpoints/hades_20240309_140000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["deleted"])

	resp, body = do(t, ts, http.MethodDelete, "/checkpoints/hades_20240309_140000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["deleted"])

	resp, _ = do(t, ts, http.MethodDelete, "/checkpoints/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommand(t *testing.T) {
	controller := &fakeController{}
	ts := newTestServer(t, &fakeEngine{}, controller)

	resp, body := do(t, ts, http.MethodPost, "/command", map[string]string{"kind": "step-back"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "step_back", body["kind"])
	assert.Equal(t, []watcher.CommandKind{watcher.StepBack}, controller.submitted)

	resp, _ = do(t, ts, http.MethodPost, "/command", map[string]string{"kind": "explode"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	controller.submitErr = watcher.ErrRateLimited
	resp, _ = do(t, ts, http.MethodPost, "/command", map[string]string{"kind": "list_count"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	controller.submitErr = watcher.ErrQueueFull
	resp, _ = do(t, ts, http.MethodPost, "/command", map[string]string{"kind": "list_count"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCommandAndStatusWithoutController(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{}, nil)
	resp, _ := do(t, ts, http.MethodPost, "/command", map[string]string{"kind": "step_back"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestInvalidBody(t *testing.T) {
	ts := newTestServer(t, &fakeEngine{}, &fakeController{})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/restore", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientOverSocket(t *testing.T) {
	// Unix socket paths are limited to ~108 bytes, so avoid t.TempDir().
	dir, err := os.MkdirTemp("", "rwapi")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "run", "rewind.sock")

	engine := &fakeEngine{}
	controller := &fakeController{subject: &types.Subject{ID: "hades", PID: 31}}
	srv := NewServer(Config{SocketPath: socket, StorageRoot: dir}, engine, controller, testr.New(t))
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, <-done)
	})

	client := NewClient(socket)
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := client.Health(ctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	info, err := socketMode(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info)

	ckpt, err := client.Checkpoint(ctx, CheckpointRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hades", ckpt.SubjectID)

	list, err := client.List(ctx, "hades")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ckpt.ID, list[0].ID)

	restored, err := client.Restore(ctx, RestoreRequest{CheckpointID: ckpt.ID})
	require.NoError(t, err)
	assert.Equal(t, 777, restored.Result.PID)

	require.NoError(t, client.Command(ctx, watcher.ManualCheckpoint))
	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hades", status.Subject.ID)
	assert.Equal(t, 1, status.CursorIndex)

	deleted, err := client.Delete(ctx, ckpt.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = client.Delete(ctx, ckpt.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = client.Delete(ctx, "garbage")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func socketMode(path string) (os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Mode().Perm(), nil
}

func TestStatusFor(t *testing.T) {
	tests := map[error]int{
		types.ErrCheckpointExists:   http.StatusConflict,
		types.ErrNoBackendAvailable: http.StatusServiceUnavailable,
		types.ErrPermissionDenied:   http.StatusForbidden,
		watcher.ErrStopped:          http.StatusServiceUnavailable,
		errors.New("boom"):          http.StatusInternalServerError,
	}
	for err, want := range tests {
		assert.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}
