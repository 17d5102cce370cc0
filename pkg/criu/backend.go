// Package criu is the privileged capture backend. It drives CRIU through
// go-criu's swrk RPC and stores the image set in the checkpoint directory.
package criu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	criulib "github.com/checkpoint-restore/go-criu/v8"
	criurpc "github.com/checkpoint-restore/go-criu/v8/rpc"
	"github.com/go-logr/logr"

	"github.com/deckrewind/rewind/pkg/types"
)

const (
	defaultTimeout = 60 * time.Second
	probeTimeout   = 5 * time.Second
)

// Client is the subset of *criulib.Criu the backend uses.
type Client interface {
	Dump(opts *criurpc.CriuOpts, nfy criulib.Notify) error
	Restore(opts *criurpc.CriuOpts, nfy criulib.Notify) error
	GetCriuVersion() (int, error)
}

// ClientFactory returns a fresh client per call; go-criu clients are not
// safe for concurrent use.
type ClientFactory func() (Client, error)

// NewClientFactory builds clients for the CRIU binary at binaryPath, which
// may be a bare name resolved through $PATH.
func NewClientFactory(binaryPath string) ClientFactory {
	return func() (Client, error) {
		c := criulib.MakeCriu()
		if path := strings.TrimSpace(binaryPath); path != "" {
			resolved, err := exec.LookPath(path)
			if err != nil {
				return nil, fmt.Errorf("criu binary not found at %s: %w", path, err)
			}
			c.SetCriuPath(resolved)
		}
		return c, nil
	}
}

// Backend captures and restores whole process trees with CRIU.
type Backend struct {
	settings       types.CRIUSettings
	captureTimeout time.Duration
	restoreTimeout time.Duration
	newClient      ClientFactory
	log            logr.Logger

	probeMu sync.Mutex
	probed  bool
	version int
	probe   error
}

// Options configures a Backend.
type Options struct {
	Settings       types.CRIUSettings
	CaptureTimeout time.Duration
	RestoreTimeout time.Duration
	// NewClient overrides the go-criu client; nil uses Settings.BinaryPath.
	NewClient ClientFactory
}

// NewBackend creates the privileged backend. Availability is probed lazily.
func NewBackend(opts Options, log logr.Logger) *Backend {
	b := &Backend{
		settings:       opts.Settings,
		captureTimeout: opts.CaptureTimeout,
		restoreTimeout: opts.RestoreTimeout,
		newClient:      opts.NewClient,
		log:            log,
	}
	if b.captureTimeout <= 0 {
		b.captureTimeout = defaultTimeout
	}
	if b.restoreTimeout <= 0 {
		b.restoreTimeout = defaultTimeout
	}
	if b.newClient == nil {
		b.newClient = NewClientFactory(opts.Settings.BinaryPath)
	}
	return b
}

func (b *Backend) Method() types.Method {
	return types.MethodPrivileged
}

// Available probes CRIU once and caches the answer until Invalidate.
func (b *Backend) Available(ctx context.Context) error {
	b.probeMu.Lock()
	defer b.probeMu.Unlock()
	if b.probed {
		return b.probe
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	b.version, b.probe = b.probeVersion(probeCtx)
	b.probed = true
	if b.probe != nil {
		b.log.Info("CRIU unavailable, privileged capture disabled", "reason", b.probe.Error())
	} else {
		b.log.Info("CRIU available", "version", b.version)
	}
	return b.probe
}

func (b *Backend) probeVersion(ctx context.Context) (int, error) {
	client, err := b.newClient()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}
	// The version query touches nothing, so a hung probe is abandoned.
	type answer struct {
		version int
		err     error
	}
	done := make(chan answer, 1)
	go func() {
		v, err := client.GetCriuVersion()
		done <- answer{v, err}
	}()
	var version int
	select {
	case a := <-done:
		version, err = a.version, a.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return 0, fmt.Errorf("%w: criu version check: %v", types.ErrBackendUnavailable, err)
	}
	if b.settings.MinVersion > 0 && version < b.settings.MinVersion {
		return version, fmt.Errorf("%w: criu version %d below required %d", types.ErrBackendUnavailable, version, b.settings.MinVersion)
	}
	return version, nil
}

// Version returns the probed CRIU version, 0 if not probed or unavailable.
func (b *Backend) Version() int {
	b.probeMu.Lock()
	defer b.probeMu.Unlock()
	return b.version
}

// Invalidate forces the next Available call to probe again.
func (b *Backend) Invalidate() {
	b.probeMu.Lock()
	defer b.probeMu.Unlock()
	b.probed = false
	b.probe = nil
	b.version = 0
}

// Capture dumps req.PID into req.Dir, leaving the process running.
func (b *Backend) Capture(ctx context.Context, req types.CaptureRequest) error {
	if err := b.Available(ctx); err != nil {
		return err
	}
	log := b.log.WithValues("pid", req.PID, "subject", req.SubjectID)

	opts, err := dumpOpts(req.PID, &b.settings, b.captureTimeout, req.Dir)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCaptureFailed, err)
	}
	client, err := b.newClient()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}

	dumpCtx, cancel := context.WithTimeout(ctx, b.captureTimeout)
	defer cancel()
	if _, err := runDump(dumpCtx, client, opts, req.Dir, log); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
		}
		return err
	}
	return nil
}

// Restore recreates the process tree from the checkpoint images. The
// process occupying the subject must already be gone.
func (b *Backend) Restore(ctx context.Context, target types.RestoreTarget) (types.RestoreOutcome, error) {
	if err := b.Available(ctx); err != nil {
		return types.RestoreOutcome{}, err
	}
	dir := target.Checkpoint.Dir
	log := b.log.WithValues("checkpoint", target.Checkpoint.ID)

	opts, err := restoreOpts(&b.settings, b.restoreTimeout, dir)
	if err != nil {
		return types.RestoreOutcome{}, fmt.Errorf("%w: %v", types.ErrRestoreFailed, err)
	}
	client, err := b.newClient()
	if err != nil {
		return types.RestoreOutcome{}, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}

	restoreCtx, cancel := context.WithTimeout(ctx, b.restoreTimeout)
	defer cancel()
	pid, err := runRestore(restoreCtx, client, opts, dir, log)
	if err != nil {
		return types.RestoreOutcome{}, err
	}
	return types.RestoreOutcome{PID: pid}, nil
}
