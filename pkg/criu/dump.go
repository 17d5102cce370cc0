package criu

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	criurpc "github.com/checkpoint-restore/go-criu/v8/rpc"
	"github.com/go-logr/logr"
	"google.golang.org/protobuf/proto"

	"github.com/deckrewind/rewind/pkg/logging"
	"github.com/deckrewind/rewind/pkg/types"
)

const dumpLogFilename = "dump.log"

// dumpOpts prepares a dump of pid that leaves the game running, writing
// criu.conf into dir when some setting needs it.
func dumpOpts(pid int, settings *types.CRIUSettings, timeout time.Duration, dir string) (*criurpc.CriuOpts, error) {
	opts, err := baseOpts(settings, dumpLogFilename, timeout)
	if err != nil {
		return nil, err
	}
	opts.Pid = proto.Int32(int32(pid))
	opts.LeaveRunning = proto.Bool(true)
	if settings == nil {
		return opts, nil
	}
	if settings.GhostLimit > 0 {
		opts.GhostLimit = proto.Uint32(settings.GhostLimit)
	}
	conf, err := writeConf(dir, settings)
	if err != nil {
		return nil, err
	}
	if conf != "" {
		opts.ConfigFile = proto.String(conf)
	}
	return opts, nil
}

// runDump executes the dump into dir and returns once CRIU has released it.
// A failure logs the tail of dump.log and is classified as a timeout when
// ctx's deadline passed.
func runDump(ctx context.Context, client Client, opts *criurpc.CriuOpts, dir string, log logr.Logger) (time.Duration, error) {
	images, err := openImageDir(dir)
	if err != nil {
		return 0, err
	}
	defer images.Close()
	images.attach(opts)

	start := time.Now()
	err = awaitCRIU(ctx, log, func() error { return client.Dump(opts, nil) })
	elapsed := time.Since(start)
	if err != nil {
		log.Error(err, "CRIU dump failed", "elapsed", elapsed, "log", filepath.Join(dir, dumpLogFilename))
		logging.LogCRIUErrors(dumpLogFilename, log, dir)
		if timedOut(ctx) {
			return elapsed, fmt.Errorf("%w: CRIU dump exceeded deadline: %v", types.ErrCaptureTimedOut, err)
		}
		return elapsed, fmt.Errorf("%w: CRIU dump: %v", types.ErrCaptureFailed, err)
	}
	log.Info("CRIU dump completed", "elapsed", elapsed)
	return elapsed, nil
}

// awaitCRIU runs fn and waits for it to return even when ctx ends first.
// Until then CRIU may still be writing the image directory or holding the
// target frozen; CRIU's own Timeout is what cuts it short. A failure after
// ctx ended wraps ctx's error.
func awaitCRIU(ctx context.Context, log logr.Logger, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	log.Info("CRIU outlived its context, waiting for it to exit", "reason", ctx.Err().Error())
	if err := <-done; err != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	log.Info("CRIU finished after its context ended")
	return nil
}

// timedOut reports whether a CRIU call failed because its deadline passed,
// as opposed to the caller cancelling.
func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}
