// Package watcher runs the daemon control loop. It polls for the active
// subject, schedules automatic checkpoints and dispatches user commands onto
// a per-subject worker so captures and restores of one subject never overlap.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/deckrewind/rewind/pkg/notify"
	"github.com/deckrewind/rewind/pkg/orchestrate"
	"github.com/deckrewind/rewind/pkg/rewind"
	"github.com/deckrewind/rewind/pkg/types"
)

const (
	DefaultTick         = time.Second
	DefaultQueueSize    = 8
	DefaultCommandRate  = rate.Limit(4)
	DefaultCommandBurst = 4
)

// SubjectSource reports the process to protect, or nil when there is none.
type SubjectSource interface {
	ActiveSubject(ctx context.Context) (*types.Subject, error)
}

// Engine is the part of the orchestrate engine the watcher drives.
type Engine interface {
	AutoCheckpoint(ctx context.Context, subject types.Subject) (*types.Checkpoint, error)
	Checkpoint(ctx context.Context, req orchestrate.CheckpointRequest) (*types.Checkpoint, error)
	Restore(ctx context.Context, req orchestrate.RestoreRequest) (*orchestrate.RestoreResult, error)
	List(subjectID string) ([]types.Checkpoint, error)
}

// Options configures a Watcher. Zero values pick the defaults.
type Options struct {
	Source       SubjectSource
	Engine       Engine
	Notifier     notify.Notifier
	Tick         time.Duration
	QueueSize    int
	CommandRate  rate.Limit
	CommandBurst int
}

// Status is a snapshot of the watcher state.
type Status struct {
	Subject        *types.Subject `json:"subject,omitempty"`
	CursorIndex    int            `json:"cursor_index"`
	LastCheckpoint time.Time      `json:"last_checkpoint,omitempty"`
	Pending        int            `json:"pending"`
}

type job struct {
	name string
	run  func(ctx context.Context)
}

type worker struct {
	jobs chan job
}

// Watcher owns the session for the active subject.
type Watcher struct {
	source    SubjectSource
	engine    Engine
	notifier  notify.Notifier
	log       logr.Logger
	tick      time.Duration
	queueSize int
	limiter   *rate.Limiter

	mu      sync.Mutex
	session rewind.Session
	workers map[string]*worker
	stopped bool
	ctx     context.Context

	inFlight   map[string]struct{}
	inFlightMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a watcher.
func New(opts Options, log logr.Logger) *Watcher {
	w := &Watcher{
		source:    opts.Source,
		engine:    opts.Engine,
		notifier:  opts.Notifier,
		log:       log,
		tick:      opts.Tick,
		queueSize: opts.QueueSize,
		workers:   make(map[string]*worker),
		inFlight:  make(map[string]struct{}),
		ctx:       context.Background(),
	}
	if w.notifier == nil {
		w.notifier = notify.Discard{}
	}
	if w.tick <= 0 {
		w.tick = DefaultTick
	}
	if w.queueSize <= 0 {
		w.queueSize = DefaultQueueSize
	}
	limit, burst := opts.CommandRate, opts.CommandBurst
	if limit <= 0 {
		limit = DefaultCommandRate
	}
	if burst <= 0 {
		burst = DefaultCommandBurst
	}
	w.limiter = rate.NewLimiter(limit, burst)
	return w
}

// Run polls the subject source every tick until ctx is cancelled, then
// waits for the workers to drain.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	w.log.Info("Starting control loop", "tick", w.tick)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			w.log.Info("Control loop stopped")
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll runs one iteration of the control loop.
func (w *Watcher) poll(ctx context.Context) {
	subject, err := w.source.ActiveSubject(ctx)
	if err != nil {
		w.log.V(1).Info("Subject discovery failed", "error", err.Error())
		return
	}

	w.mu.Lock()
	previous := w.session.Subject
	changed := w.session.Observe(subject)
	if changed && previous != nil {
		w.retireLocked(previous.ID)
	}
	w.mu.Unlock()

	if changed {
		switch {
		case subject != nil:
			w.log.Info("Subject detected", "subject", subject.ID, "pid", subject.PID, "name", subject.DisplayName)
			w.notifier.Notify(ctx, notify.Event{
				Kind:        notify.Info,
				SubjectID:   subject.ID,
				SubjectName: subject.DisplayName,
				Message:     "Tracking: " + displayName(subject),
			})
		case previous != nil:
			w.log.Info("Subject exited", "subject", previous.ID, "pid", previous.PID)
		}
	}
	if subject == nil {
		return
	}

	target := *subject
	if !w.tryAcquire(target.ID) {
		return
	}
	err = w.enqueue(target.ID, job{name: "auto_checkpoint", run: func(ctx context.Context) {
		defer w.release(target.ID)
		w.autoCheckpoint(ctx, target)
	}})
	if err != nil {
		w.release(target.ID)
		w.log.V(1).Info("Auto checkpoint not scheduled", "subject", target.ID, "error", err.Error())
	}
}

func (w *Watcher) autoCheckpoint(ctx context.Context, subject types.Subject) {
	ckpt, err := w.engine.AutoCheckpoint(ctx, subject)
	if err != nil {
		if !errors.Is(err, types.ErrStorageExhausted) {
			w.log.Error(err, "Automatic checkpoint failed", "subject", subject.ID)
		}
		return
	}
	if ckpt == nil {
		return
	}
	w.mu.Lock()
	if w.session.Subject.SameProcess(&subject) {
		w.session.LastCheckpoint = ckpt.CreatedAt
	}
	w.mu.Unlock()
}

// Submit queues a command for the active subject. It never blocks on the
// operation itself.
func (w *Watcher) Submit(cmd Command) error {
	kind, err := ParseCommandKind(string(cmd.Kind))
	if err != nil {
		return err
	}
	if !w.limiter.Allow() {
		return ErrRateLimited
	}

	w.mu.Lock()
	ctx := w.ctx
	var subject *types.Subject
	if w.session.Subject != nil {
		s := *w.session.Subject
		subject = &s
	}
	w.mu.Unlock()

	if subject == nil {
		w.notifier.Notify(ctx, notify.Infof("No active game"))
		return ErrNoActiveSubject
	}

	w.log.V(1).Info("Command received", "command", string(kind), "subject", subject.ID)
	return w.enqueue(subject.ID, job{name: string(kind), run: func(ctx context.Context) {
		w.handle(ctx, kind, *subject)
	}})
}

func (w *Watcher) handle(ctx context.Context, kind CommandKind, subject types.Subject) {
	if kind == ManualCheckpoint {
		w.manualCheckpoint(ctx, subject)
		return
	}

	checkpoints, err := w.engine.List(subject.ID)
	if err != nil {
		w.log.Error(err, "Failed to list checkpoints", "subject", subject.ID)
		return
	}
	n := len(checkpoints)

	if kind == ListCount {
		w.notifier.Notify(ctx, notify.Infof("%d snapshots available", n))
		return
	}
	if n == 0 {
		w.notifier.Notify(ctx, notify.Infof("No snapshots available"))
		return
	}

	w.mu.Lock()
	var index int
	switch kind {
	case RestoreLatest:
		index = w.session.Cursor.Latest()
	case StepBack:
		index = w.session.Cursor.Back(n)
	case StepForward:
		index = w.session.Cursor.Forward(n)
	}
	w.mu.Unlock()

	if kind != RestoreLatest {
		w.notifier.Notify(ctx, notify.Infof("Rewinding to snapshot %d of %d...", index+1, n))
	}
	w.restore(ctx, subject, checkpoints[index])
}

func (w *Watcher) restore(ctx context.Context, subject types.Subject, ckpt types.Checkpoint) {
	result, err := w.engine.Restore(ctx, orchestrate.RestoreRequest{CheckpointID: ckpt.ID, CurrentPID: subject.PID})
	if err != nil {
		w.log.Error(err, "Restore failed", "subject", subject.ID, "checkpoint", ckpt.ID)
		return
	}
	if result.PID == subject.PID {
		return
	}
	// The restored process keeps the subject's identity so the cursor
	// survives the PID change.
	w.mu.Lock()
	if w.session.Subject.SameProcess(&subject) {
		adopted := *w.session.Subject
		adopted.PID = result.PID
		w.session.Subject = &adopted
	}
	w.mu.Unlock()
}

func (w *Watcher) manualCheckpoint(ctx context.Context, subject types.Subject) {
	w.notifier.Notify(ctx, notify.Infof("Creating snapshot..."))
	ckpt, err := w.engine.Checkpoint(ctx, orchestrate.CheckpointRequest{Subject: subject, Named: true})
	if err != nil {
		w.log.Error(err, "Manual checkpoint failed", "subject", subject.ID)
		w.notifier.Notify(ctx, notify.Infof("Snapshot failed: %s", types.Reason(err)))
		return
	}
	w.mu.Lock()
	if w.session.Subject.SameProcess(&subject) {
		w.session.LastCheckpoint = ckpt.CreatedAt
	}
	w.mu.Unlock()
}

// Status returns a snapshot of the session.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		CursorIndex:    w.session.Cursor.Index(),
		LastCheckpoint: w.session.LastCheckpoint,
	}
	if w.session.Subject != nil {
		s := *w.session.Subject
		st.Subject = &s
	}
	for _, wk := range w.workers {
		st.Pending += len(wk.jobs)
	}
	return st
}

func (w *Watcher) enqueue(subjectID string, j job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	wk, ok := w.workers[subjectID]
	if !ok {
		wk = w.startWorkerLocked(subjectID)
	}
	select {
	case wk.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Watcher) startWorkerLocked(subjectID string) *worker {
	wk := &worker{jobs: make(chan job, w.queueSize)}
	w.workers[subjectID] = wk
	ctx := w.ctx
	// A started capture or restore runs to completion; shutdown only drops
	// jobs that have not begun.
	jobCtx := context.WithoutCancel(ctx)
	log := w.log.WithValues("subject", subjectID)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for j := range wk.jobs {
			if ctx.Err() != nil {
				log.V(1).Info("Dropping job after shutdown", "job", j.name)
				if j.name == "auto_checkpoint" {
					w.release(subjectID)
				}
				continue
			}
			j.run(jobCtx)
		}
	}()
	return wk
}

// retireLocked stops accepting work for a subject. Queued jobs still run.
func (w *Watcher) retireLocked(subjectID string) {
	if wk, ok := w.workers[subjectID]; ok {
		close(wk.jobs)
		delete(w.workers, subjectID)
	}
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.stopped = true
	for id := range w.workers {
		w.retireLocked(id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) tryAcquire(subjectID string) bool {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	if _, held := w.inFlight[subjectID]; held {
		return false
	}
	w.inFlight[subjectID] = struct{}{}
	return true
}

func (w *Watcher) release(subjectID string) {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	delete(w.inFlight, subjectID)
}

func displayName(s *types.Subject) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}
