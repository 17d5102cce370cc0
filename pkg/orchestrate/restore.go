package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/deckrewind/rewind/pkg/common"
	"github.com/deckrewind/rewind/pkg/logging"
	"github.com/deckrewind/rewind/pkg/metrics"
	"github.com/deckrewind/rewind/pkg/notify"
	"github.com/deckrewind/rewind/pkg/types"
)

// Phase is a step of the restore state machine.
type Phase string

const (
	PhaseResolving  Phase = "resolving"
	PhaseSuspending Phase = "suspending"
	PhaseRestoring  Phase = "restoring"
	PhaseResuming   Phase = "resuming"
	PhaseVerifying  Phase = "verifying"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// RestoreRequest names the checkpoint to restore and, optionally, the
// process currently occupying its subject.
type RestoreRequest struct {
	CheckpointID string
	// CurrentPID is the live process to replace. Zero means the checkpoint's
	// own PID. Memory checkpoints reject a CurrentPID other than their own.
	CurrentPID int
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	OperationID  string              `json:"operation_id"`
	CheckpointID string              `json:"checkpoint_id"`
	Method       types.Method        `json:"method"`
	PID          int                 `json:"pid"`
	Regions      int                 `json:"regions,omitempty"`
	Skipped      int                 `json:"skipped,omitempty"`
	Verify       common.VerifyReport `json:"verify"`
	Duration     time.Duration       `json:"duration"`
}

// restoreRun tracks what has been done to the target so every exit path
// can put it back.
type restoreRun struct {
	e         *Engine
	log       logr.Logger
	target    int
	suspended bool
	destroyed bool
}

func (r *restoreRun) phase(p Phase, kv ...any) {
	r.log.Info("Restore phase", append([]any{"phase", string(p)}, kv...)...)
}

// release resumes the target if it was suspended and is still the process
// we stopped.
func (r *restoreRun) release() {
	if !r.suspended || r.destroyed {
		return
	}
	if !r.e.procs.Alive(r.target) {
		return
	}
	if err := r.e.procs.Continue(r.target); err != nil {
		r.log.Error(err, "Failed to resume process", "pid", r.target)
		return
	}
	r.suspended = false
}

// Restore brings the subject back to the state recorded in a checkpoint.
// Resolving failures have no side effects. Once the target has been
// suspended it is always resumed unless the restore replaced it.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	opID := uuid.NewString()
	log := e.log.WithValues("operation", opID, "checkpoint", req.CheckpointID)
	start := time.Now()
	log.Info("=== Starting restore operation ===", "current_pid", req.CurrentPID)

	log.Info("Restore phase", "phase", string(PhaseResolving))
	ckpt, err := e.store.Get(req.CheckpointID)
	if err != nil {
		log.Info("Restore phase", "phase", string(PhaseFailed), "error", err.Error())
		return nil, err
	}

	backend := e.backendFor(ckpt.Method)
	if backend == nil {
		err := fmt.Errorf("%w: no backend for method %s", types.ErrRestoreFailed, ckpt.Method)
		log.Info("Restore phase", "phase", string(PhaseFailed), "error", err.Error())
		return nil, err
	}

	// A memory checkpoint can only be written back into the process it was
	// taken from, so that process is the one suspended and resumed.
	if ckpt.Method == types.MethodFallback && req.CurrentPID > 0 && req.CurrentPID != ckpt.PID {
		err := fmt.Errorf("%w: checkpoint belongs to pid %d, running instance is pid %d", types.ErrProcessGone, ckpt.PID, req.CurrentPID)
		log.Info("Restore phase", "phase", string(PhaseFailed), "error", err.Error())
		return nil, err
	}

	mu := e.subjectLock(ckpt.SubjectID)
	mu.Lock()
	defer mu.Unlock()

	settings := e.Settings()
	run := &restoreRun{e: e, log: log, target: ckpt.PID}
	if req.CurrentPID > 0 {
		run.target = req.CurrentPID
	}
	defer run.release()

	e.notifier.Notify(ctx, notify.Event{
		Kind:         notify.RestoreStarted,
		SubjectID:    ckpt.SubjectID,
		CheckpointID: ckpt.ID,
	})

	result, err := e.restoreLocked(ctx, run, backend, ckpt, settings)
	metrics.ObserveRestore(ckpt.Method, time.Since(start), err)
	if err != nil {
		run.phase(PhaseFailed, "error", err.Error())
		e.notifier.Notify(ctx, notify.Event{
			Kind:         notify.RestoreFailed,
			SubjectID:    ckpt.SubjectID,
			CheckpointID: ckpt.ID,
			Reason:       types.Reason(err),
		})
		return nil, err
	}

	result.OperationID = opID
	result.Duration = time.Since(start)
	run.phase(PhaseDone)
	log.Info("=== Restore operation completed ===",
		"pid", result.PID,
		"method", ckpt.Method.String(),
		"verified", result.Verify.OK(),
		"total_duration", result.Duration,
	)
	e.notifier.Notify(ctx, notify.Event{
		Kind:         notify.RestoreSucceeded,
		SubjectID:    ckpt.SubjectID,
		CheckpointID: ckpt.ID,
	})
	return result, nil
}

func (e *Engine) restoreLocked(ctx context.Context, run *restoreRun, backend Backend, ckpt *types.Checkpoint, settings Settings) (*RestoreResult, error) {
	run.phase(PhaseSuspending, "pid", run.target)
	if e.procs.Alive(run.target) {
		if err := e.procs.Stop(run.target); err != nil {
			return nil, fmt.Errorf("%w: failed to suspend pid %d: %v", types.ErrRestoreFailed, run.target, err)
		}
		run.suspended = true
	}

	run.phase(PhaseRestoring, "method", ckpt.Method.String())
	var outcome types.RestoreOutcome
	var err error
	switch ckpt.Method {
	case types.MethodPrivileged:
		if run.suspended {
			if err := e.procs.Terminate(ctx, run.target, settings.TerminationGrace); err != nil {
				return nil, fmt.Errorf("%w: failed to terminate pid %d: %v", types.ErrRestoreFailed, run.target, err)
			}
			run.destroyed = true
		}
		outcome, err = backend.Restore(ctx, types.RestoreTarget{Checkpoint: ckpt, PID: run.target})
	case types.MethodFallback:
		outcome, err = backend.Restore(ctx, types.RestoreTarget{Checkpoint: ckpt, PID: run.target})
	default:
		err = fmt.Errorf("%w: unknown method %s", types.ErrRestoreFailed, ckpt.Method)
	}
	if err != nil {
		return nil, err
	}

	pid := outcome.PID
	if pid <= 0 {
		pid = run.target
	}

	run.phase(PhaseResuming, "pid", pid)
	run.release()

	procRoot := settings.ProcRoot
	if procRoot == "" {
		procRoot = common.DefaultProcRoot
	}
	run.phase(PhaseVerifying, "pid", pid)
	report := e.verify(procRoot, pid)
	if !report.OK() {
		run.log.Info("Post-restore verification failed", "pid", pid, "failed_checks", report.FailedChecks)
		logging.LogProcessDiagnostics(procRoot, pid, run.log)
	}

	return &RestoreResult{
		CheckpointID: ckpt.ID,
		Method:       ckpt.Method,
		PID:          pid,
		Regions:      outcome.Regions,
		Skipped:      outcome.Skipped,
		Verify:       report,
	}, nil
}

func (e *Engine) backendFor(m types.Method) Backend {
	switch m {
	case types.MethodPrivileged:
		return e.privileged
	case types.MethodFallback:
		return e.fallback
	default:
		return nil
	}
}
