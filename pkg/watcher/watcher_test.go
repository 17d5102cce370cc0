package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/deckrewind/rewind/pkg/notify"
	"github.com/deckrewind/rewind/pkg/orchestrate"
	"github.com/deckrewind/rewind/pkg/types"
)

type fakeSource struct {
	mu      sync.Mutex
	subject *types.Subject
	err     error
}

func (f *fakeSource) set(s *types.Subject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject = s
}

func (f *fakeSource) ActiveSubject(context.Context) (*types.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subject == nil {
		return nil, f.err
	}
	s := *f.subject
	return &s, f.err
}

type fakeEngine struct {
	mu          sync.Mutex
	checkpoints []types.Checkpoint
	autoCalls   int
	manual      []orchestrate.CheckpointRequest
	restores    []orchestrate.RestoreRequest
	restorePID  int
	restoreErr  error

	// autoGate blocks AutoCheckpoint until closed, when set.
	autoGate chan struct{}
	// restoreGate blocks Restore until closed, when set. restoreStarted is
	// closed once Restore is entered.
	restoreGate    chan struct{}
	restoreStarted chan struct{}
	restoreCtxErr  error
}

func (f *fakeEngine) AutoCheckpoint(ctx context.Context, subject types.Subject) (*types.Checkpoint, error) {
	if f.autoGate != nil {
		select {
		case <-f.autoGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoCalls++
	return nil, nil
}

func (f *fakeEngine) Checkpoint(_ context.Context, req orchestrate.CheckpointRequest) (*types.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = append(f.manual, req)
	ckpt := types.Checkpoint{Metadata: *types.NewMetadata(req.Subject.ID, req.Subject.PID, time.Now(), types.MethodFallback, req.Named)}
	return &ckpt, nil
}

func (f *fakeEngine) Restore(ctx context.Context, req orchestrate.RestoreRequest) (*orchestrate.RestoreResult, error) {
	if f.restoreGate != nil {
		close(f.restoreStarted)
		select {
		case <-f.restoreGate:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCtxErr = ctx.Err()
	f.restores = append(f.restores, req)
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	pid := f.restorePID
	if pid == 0 {
		pid = req.CurrentPID
	}
	return &orchestrate.RestoreResult{CheckpointID: req.CheckpointID, PID: pid}, nil
}

func (f *fakeEngine) List(string) ([]types.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Checkpoint(nil), f.checkpoints...), nil
}

func (f *fakeEngine) restoredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, r := range f.restores {
		ids = append(ids, r.CheckpointID)
	}
	return ids
}

func (f *fakeEngine) autoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoCalls
}

// history returns n checkpoints newest first, one minute apart.
func history(subjectID string, n int) []types.Checkpoint {
	base := time.Date(2024, 3, 9, 14, 0, 0, 0, time.Local)
	var out []types.Checkpoint
	for i := n - 1; i >= 0; i-- {
		out = append(out, types.Checkpoint{Metadata: *types.NewMetadata(subjectID, 100, base.Add(time.Duration(i)*time.Minute), types.MethodFallback, false)})
	}
	return out
}

type harness struct {
	w        *Watcher
	source   *fakeSource
	engine   *fakeEngine
	recorder *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:   &fakeSource{},
		engine:   &fakeEngine{},
		recorder: &notify.Recorder{},
	}
	h.w = New(Options{
		Source:       h.source,
		Engine:       h.engine,
		Notifier:     h.recorder,
		Tick:         10 * time.Millisecond,
		CommandRate:  rate.Inf,
		CommandBurst: 1,
	}, testr.New(t))
	return h
}

// drain waits for every queued job to finish.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.w.inFlightMu.Lock()
		idle := len(h.w.inFlight) == 0
		h.w.inFlightMu.Unlock()
		return idle && h.w.Status().Pending == 0
	}, 2*time.Second, 5*time.Millisecond)
	// A job may have been dequeued but still be running; round-trip a
	// no-op through every worker to be sure.
	h.w.mu.Lock()
	var ids []string
	for id := range h.w.workers {
		ids = append(ids, id)
	}
	h.w.mu.Unlock()
	for _, id := range ids {
		done := make(chan struct{})
		if err := h.w.enqueue(id, job{name: "barrier", run: func(context.Context) { close(done) }}); err == nil {
			<-done
		}
	}
}

func (h *harness) messages() []string {
	var out []string
	for _, ev := range h.recorder.Events() {
		if ev.Kind == notify.Info {
			out = append(out, ev.Message)
		}
	}
	return out
}

func TestPollDetectsSubjectAndSchedulesAutoCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.source.set(&types.Subject{ID: "1245620", PID: 100, DisplayName: "eldenring.exe"})

	h.w.poll(context.Background())
	h.drain(t)

	assert.Equal(t, 1, h.engine.autoCount())
	assert.Equal(t, []string{"Tracking: eldenring.exe"}, h.messages())
	require.NotNil(t, h.w.Status().Subject)
	assert.Equal(t, 100, h.w.Status().Subject.PID)
}

func TestAutoTicksCoalesce(t *testing.T) {
	h := newHarness(t)
	h.engine.autoGate = make(chan struct{})
	h.source.set(&types.Subject{ID: "g", PID: 1})

	for range 5 {
		h.w.poll(context.Background())
	}
	close(h.engine.autoGate)
	h.drain(t)

	assert.Equal(t, 1, h.engine.autoCount(), "pending auto ticks must coalesce into one")
}

func TestStepBackAndForward(t *testing.T) {
	h := newHarness(t)
	h.engine.checkpoints = history("g", 3)
	h.source.set(&types.Subject{ID: "g", PID: 100})
	h.w.poll(context.Background())
	h.drain(t)

	for _, kind := range []CommandKind{StepBack, StepBack, StepBack, StepForward, RestoreLatest} {
		require.NoError(t, h.w.Submit(Command{Kind: kind}))
		h.drain(t)
	}

	ids := func(idx ...int) []string {
		var out []string
		for _, i := range idx {
			out = append(out, h.engine.checkpoints[i].ID)
		}
		return out
	}
	assert.Equal(t, ids(1, 2, 2, 1, 0), h.engine.restoredIDs())
	assert.Equal(t, 0, h.w.Status().CursorIndex)
	for _, r := range h.engine.restores {
		assert.Equal(t, 100, r.CurrentPID)
	}
}

func TestCursorResetsOnNewProcess(t *testing.T) {
	h := newHarness(t)
	h.engine.checkpoints = history("g", 3)
	h.source.set(&types.Subject{ID: "g", PID: 100})
	h.w.poll(context.Background())

	require.NoError(t, h.w.Submit(Command{Kind: StepBack}))
	h.drain(t)
	assert.Equal(t, 1, h.w.Status().CursorIndex)

	h.source.set(&types.Subject{ID: "g", PID: 200})
	h.w.poll(context.Background())
	h.drain(t)
	assert.Equal(t, 0, h.w.Status().CursorIndex)
}

func TestRestoredPIDIsAdopted(t *testing.T) {
	h := newHarness(t)
	h.engine.checkpoints = history("g", 2)
	h.engine.restorePID = 555
	h.source.set(&types.Subject{ID: "g", PID: 100})
	h.w.poll(context.Background())

	require.NoError(t, h.w.Submit(Command{Kind: StepBack}))
	h.drain(t)

	st := h.w.Status()
	require.NotNil(t, st.Subject)
	assert.Equal(t, 555, st.Subject.PID)
	assert.Equal(t, 1, st.CursorIndex)

	// Discovery now reports the restored process; the cursor is kept.
	h.source.set(&types.Subject{ID: "g", PID: 555})
	h.w.poll(context.Background())
	h.drain(t)
	assert.Equal(t, 1, h.w.Status().CursorIndex)
}

func TestListCountAndEmptyHistory(t *testing.T) {
	h := newHarness(t)
	h.source.set(&types.Subject{ID: "g", PID: 1})
	h.w.poll(context.Background())

	require.NoError(t, h.w.Submit(Command{Kind: ListCount}))
	h.drain(t)
	require.NoError(t, h.w.Submit(Command{Kind: StepBack}))
	h.drain(t)

	assert.Equal(t, []string{"Tracking: g", "0 snapshots available", "No snapshots available"}, h.messages())
	assert.Empty(t, h.engine.restores)
}

func TestManualCheckpointIsNamed(t *testing.T) {
	h := newHarness(t)
	h.source.set(&types.Subject{ID: "g", PID: 7})
	h.w.poll(context.Background())

	require.NoError(t, h.w.Submit(Command{Kind: ManualCheckpoint}))
	h.drain(t)

	require.Len(t, h.engine.manual, 1)
	assert.True(t, h.engine.manual[0].Named)
	assert.Equal(t, 7, h.engine.manual[0].Subject.PID)
	assert.False(t, h.w.Status().LastCheckpoint.IsZero())
}

func TestSubmitWithoutSubject(t *testing.T) {
	h := newHarness(t)
	err := h.w.Submit(Command{Kind: RestoreLatest})
	assert.ErrorIs(t, err, ErrNoActiveSubject)
	assert.Equal(t, []string{"No active game"}, h.messages())
}

func TestSubmitUnknownCommand(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.w.Submit(Command{Kind: "teleport"}), ErrUnknownCommand)
}

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t)
	h.w.limiter = rate.NewLimiter(rate.Every(time.Hour), 2)
	h.source.set(&types.Subject{ID: "g", PID: 1})
	h.w.poll(context.Background())

	require.NoError(t, h.w.Submit(Command{Kind: ListCount}))
	require.NoError(t, h.w.Submit(Command{Kind: ListCount}))
	assert.ErrorIs(t, h.w.Submit(Command{Kind: ListCount}), ErrRateLimited)
}

func TestDiscoveryErrorKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.source.set(&types.Subject{ID: "g", PID: 1})
	h.w.poll(context.Background())
	h.drain(t)

	h.source.mu.Lock()
	h.source.err = errors.New("procfs unavailable")
	h.source.mu.Unlock()
	h.w.poll(context.Background())

	require.NotNil(t, h.w.Status().Subject)
}

func TestRunStopsAndRejectsWork(t *testing.T) {
	h := newHarness(t)
	h.source.set(&types.Subject{ID: "g", PID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	require.Eventually(t, func() bool { return h.engine.autoCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	err := h.w.enqueue("g", job{name: "late", run: func(context.Context) {}})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestShutdownLetsRunningRestoreFinish(t *testing.T) {
	h := newHarness(t)
	h.engine.checkpoints = history("g", 2)
	h.engine.restoreGate = make(chan struct{})
	h.engine.restoreStarted = make(chan struct{})
	h.source.set(&types.Subject{ID: "g", PID: 100})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()
	require.Eventually(t, func() bool { return h.w.Status().Subject != nil }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.w.Submit(Command{Kind: StepBack}))
	select {
	case <-h.engine.restoreStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restore never started")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a restore was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.engine.restoreGate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the restore finished")
	}
	assert.NoError(t, h.engine.restoreCtxErr)
	assert.Equal(t, []string{h.engine.checkpoints[1].ID}, h.engine.restoredIDs())
}

func TestParseCommandKind(t *testing.T) {
	tests := []struct {
		raw  string
		want CommandKind
	}{
		{raw: "step_back", want: StepBack},
		{raw: "Step-Forward", want: StepForward},
		{raw: " restore_latest ", want: RestoreLatest},
		{raw: "manual-checkpoint", want: ManualCheckpoint},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseCommandKind(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	_, err := ParseCommandKind("rewind")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Contains(t, fmt.Sprint(err), "rewind")
}
