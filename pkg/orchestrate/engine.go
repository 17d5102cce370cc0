// Package orchestrate wires the capture backends, the checkpoint store and
// retention into the checkpoint and restore workflows.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/deckrewind/rewind/pkg/checkpoint"
	"github.com/deckrewind/rewind/pkg/common"
	"github.com/deckrewind/rewind/pkg/metrics"
	"github.com/deckrewind/rewind/pkg/notify"
	"github.com/deckrewind/rewind/pkg/retention"
	"github.com/deckrewind/rewind/pkg/types"
)

// Backend captures a process into a directory and restores it from one.
type Backend interface {
	Method() types.Method
	Available(ctx context.Context) error
	Capture(ctx context.Context, req types.CaptureRequest) error
	Restore(ctx context.Context, target types.RestoreTarget) (types.RestoreOutcome, error)
}

// ProcessController suspends, resumes and terminates processes.
type ProcessController interface {
	Alive(pid int) bool
	Stop(pid int) error
	Continue(pid int) error
	Terminate(ctx context.Context, pid int, grace time.Duration) error
}

// Settings are the engine knobs that may change on config reload.
type Settings struct {
	Policy           retention.Policy
	Interval         time.Duration
	MinFreeBytes     int64
	PreferPrivileged bool
	AllowFallback    bool
	TerminationGrace time.Duration
	ProcRoot         string
}

// SettingsFromConfig extracts the engine settings from the daemon config.
func SettingsFromConfig(cfg *types.Config) Settings {
	return Settings{
		Policy:           retention.PolicyFromConfig(cfg),
		Interval:         cfg.CheckpointInterval.Duration(),
		MinFreeBytes:     cfg.MinFreeBytes,
		PreferPrivileged: cfg.PrivilegedEnabled(),
		AllowFallback:    cfg.FallbackEnabled(),
		TerminationGrace: cfg.TerminationGrace.Duration(),
		ProcRoot:         cfg.ProcRoot,
	}
}

// Options configures an Engine. Privileged and Fallback may be nil.
type Options struct {
	Store      *checkpoint.Store
	Privileged Backend
	Fallback   Backend
	Processes  ProcessController
	Notifier   notify.Notifier
	Settings   Settings
}

// Engine runs checkpoints and restores. Operations on the same subject are
// serialized; the global storage sweep is serialized across subjects.
type Engine struct {
	store      *checkpoint.Store
	privileged Backend
	fallback   Backend
	procs      ProcessController
	notifier   notify.Notifier
	log        logr.Logger

	settings atomic.Pointer[Settings]

	locksMu     sync.Mutex
	locks       map[string]*sync.Mutex
	lastAttempt map[string]time.Time

	sweepMu sync.Mutex

	now       func() time.Time
	freeBytes func(path string) (int64, error)
	verify    func(procRoot string, pid int) common.VerifyReport
}

// NewEngine creates an engine.
func NewEngine(opts Options, log logr.Logger) *Engine {
	e := &Engine{
		store:       opts.Store,
		privileged:  opts.Privileged,
		fallback:    opts.Fallback,
		procs:       opts.Processes,
		notifier:    opts.Notifier,
		log:         log,
		locks:       make(map[string]*sync.Mutex),
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
		freeBytes:   common.FreeBytes,
		verify:      common.Verify,
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	settings := opts.Settings
	e.settings.Store(&settings)
	return e
}

// Settings returns the live settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// UpdateSettings swaps the live settings. In-flight operations keep the
// values they started with.
func (e *Engine) UpdateSettings(s Settings) {
	e.settings.Store(&s)
	e.log.Info("Engine settings updated",
		"interval", s.Interval,
		"max_rolling", s.Policy.MaxRolling,
		"max_total_bytes", s.Policy.MaxTotalBytes,
	)
}

// Store returns the checkpoint store.
func (e *Engine) Store() *checkpoint.Store {
	return e.store
}

func (e *Engine) subjectLock(subjectID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[subjectID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[subjectID] = mu
	}
	return mu
}

// CheckpointRequest names the process to capture.
type CheckpointRequest struct {
	Subject types.Subject
	// Named checkpoints are exempt from retention.
	Named bool
}

// Checkpoint captures the subject and publishes the result. Backends are
// tried privileged first; a failure falls through to the next backend.
// Retention runs right after a successful publish.
func (e *Engine) Checkpoint(ctx context.Context, req CheckpointRequest) (*types.Checkpoint, error) {
	if err := checkpoint.ValidateSubjectID(req.Subject.ID); err != nil {
		return nil, err
	}
	mu := e.subjectLock(req.Subject.ID)
	mu.Lock()
	defer mu.Unlock()
	return e.checkpointLocked(ctx, req)
}

func (e *Engine) checkpointLocked(ctx context.Context, req CheckpointRequest) (*types.Checkpoint, error) {
	settings := e.Settings()
	subject := req.Subject
	log := e.log.WithValues("operation", uuid.NewString(), "subject", subject.ID, "pid", subject.PID)

	start := e.now()
	log.Info("=== Starting checkpoint operation ===", "named", req.Named)

	if err := e.checkDiskSpace(ctx, settings, subject, log); err != nil {
		return nil, err
	}

	backends := e.captureOrder(settings)
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: both backends are disabled", types.ErrNoBackendAvailable)
	}

	var causes []error
	attempted := false
	for _, b := range backends {
		if err := b.Available(ctx); err != nil {
			log.V(1).Info("Capture backend unavailable", "method", b.Method().String(), "error", err.Error())
			causes = append(causes, fmt.Errorf("%s: %w", b.Method(), err))
			continue
		}
		attempted = true

		ckpt, err := e.captureWith(ctx, b, subject, req.Named, start, log)
		if err == nil {
			e.afterPublish(ctx, settings, subject, ckpt, log)
			log.Info("=== Checkpoint operation completed ===",
				"id", ckpt.ID,
				"method", ckpt.Method.String(),
				"size_bytes", ckpt.SizeBytes,
				"total_duration", e.now().Sub(start),
			)
			return ckpt, nil
		}
		if errors.Is(err, types.ErrCheckpointExists) {
			return nil, err
		}
		log.Error(err, "Capture backend failed", "method", b.Method().String())
		causes = append(causes, fmt.Errorf("%s: %w", b.Method(), err))
	}

	if !attempted {
		return nil, errors.Join(append([]error{types.ErrNoBackendAvailable}, causes...)...)
	}
	return nil, errors.Join(append([]error{types.ErrAllBackendsFailed}, causes...)...)
}

func (e *Engine) captureOrder(s Settings) []Backend {
	var order []Backend
	if s.PreferPrivileged && e.privileged != nil {
		order = append(order, e.privileged)
	}
	if s.AllowFallback && e.fallback != nil {
		order = append(order, e.fallback)
	}
	return order
}

// captureWith runs one backend into a fresh staging directory. Nothing is
// visible in the store unless it returns nil.
func (e *Engine) captureWith(ctx context.Context, b Backend, subject types.Subject, named bool, now time.Time, log logr.Logger) (*types.Checkpoint, error) {
	staging, err := e.store.Begin(subject.ID, now)
	if err != nil {
		return nil, err
	}

	captureStart := time.Now()
	err = b.Capture(ctx, types.CaptureRequest{PID: subject.PID, SubjectID: subject.ID, Dir: staging.Dir})
	metrics.ObserveCapture(b.Method(), time.Since(captureStart), err)
	if err != nil {
		staging.Abort()
		return nil, err
	}

	m := types.NewMetadata(subject.ID, subject.PID, now, b.Method(), named)
	if err := staging.Publish(m); err != nil {
		return nil, err
	}

	size, err := checkpoint.PayloadSize(staging.FinalDir())
	if err != nil {
		log.V(1).Info("Failed to size checkpoint", "error", err.Error())
	}
	metrics.ObserveCheckpointSize(size)
	return &types.Checkpoint{Metadata: *m, Dir: staging.FinalDir(), SizeBytes: size}, nil
}

func (e *Engine) afterPublish(ctx context.Context, s Settings, subject types.Subject, ckpt *types.Checkpoint, log logr.Logger) {
	e.sweepMu.Lock()
	report := s.Policy.Enforce(e.store, subject.ID, log)
	e.sweepMu.Unlock()
	metrics.ObserveEvictions(len(report.Deleted), len(report.Failed))
	if len(report.Deleted) > 0 {
		log.V(1).Info("Retention evicted checkpoints", "deleted", report.Deleted, "freed_bytes", report.FreedBytes)
	}
	e.recordStorage()

	e.notifier.Notify(ctx, notify.Event{
		Kind:         notify.CheckpointCreated,
		SubjectID:    subject.ID,
		SubjectName:  subject.DisplayName,
		CheckpointID: ckpt.ID,
	})
}

func (e *Engine) checkDiskSpace(ctx context.Context, s Settings, subject types.Subject, log logr.Logger) error {
	if s.MinFreeBytes <= 0 {
		return nil
	}
	free, err := e.freeBytes(e.store.Root())
	if err != nil {
		log.V(1).Info("Could not determine free disk space, continuing", "error", err.Error())
		return nil
	}
	if free >= s.MinFreeBytes {
		return nil
	}
	log.Info("Low disk space, skipping checkpoint", "free_bytes", free, "min_free_bytes", s.MinFreeBytes)
	metrics.ObserveSkipped("low_disk")
	e.notifier.Notify(ctx, notify.Event{
		Kind:        notify.LowDiskSpace,
		SubjectID:   subject.ID,
		SubjectName: subject.DisplayName,
		FreeBytes:   free,
	})
	return fmt.Errorf("%w: %d bytes free, %d required", types.ErrStorageExhausted, free, s.MinFreeBytes)
}

func (e *Engine) recordStorage() {
	used, err := e.store.Usage()
	if err != nil {
		used = -1
	}
	free, err := e.freeBytes(e.store.Root())
	if err != nil {
		free = -1
	}
	metrics.SetStorage(used, free)
}

// AutoCheckpoint takes an unnamed checkpoint of subject if it is eligible
// and the interval has elapsed since its newest checkpoint or the last
// attempt. It returns nil without error when nothing was due.
func (e *Engine) AutoCheckpoint(ctx context.Context, subject types.Subject) (*types.Checkpoint, error) {
	settings := e.Settings()
	if !settings.Policy.Eligible(subject.ID) {
		metrics.ObserveSkipped("ineligible")
		return nil, nil
	}
	if err := checkpoint.ValidateSubjectID(subject.ID); err != nil {
		return nil, err
	}

	mu := e.subjectLock(subject.ID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now()
	last, _, err := e.store.LatestTime(subject.ID)
	if err != nil {
		e.log.V(1).Info("Failed to read latest checkpoint time", "subject", subject.ID, "error", err.Error())
	}
	e.locksMu.Lock()
	if attempt := e.lastAttempt[subject.ID]; attempt.After(last) {
		last = attempt
	}
	e.locksMu.Unlock()
	if !retention.Due(last, now, settings.Interval) {
		return nil, nil
	}

	e.locksMu.Lock()
	e.lastAttempt[subject.ID] = now
	e.locksMu.Unlock()

	return e.checkpointLocked(ctx, CheckpointRequest{Subject: subject})
}

// List returns the subject's checkpoints, newest first.
func (e *Engine) List(subjectID string) ([]types.Checkpoint, error) {
	return e.store.List(subjectID)
}

// ListAll returns every subject's checkpoints, newest first.
func (e *Engine) ListAll() ([]types.Checkpoint, error) {
	return e.store.ListAll()
}

// Delete removes a checkpoint, serialized with other operations on its subject.
func (e *Engine) Delete(id string) (bool, error) {
	subjectID, _, err := types.ParseID(id)
	if err != nil {
		return false, err
	}
	mu := e.subjectLock(subjectID)
	mu.Lock()
	defer mu.Unlock()
	deleted, err := e.store.Delete(id)
	if deleted {
		e.recordStorage()
	}
	return deleted, err
}
