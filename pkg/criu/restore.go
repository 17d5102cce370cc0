package criu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	criulib "github.com/checkpoint-restore/go-criu/v8"
	criurpc "github.com/checkpoint-restore/go-criu/v8/rpc"
	"github.com/go-logr/logr"
	"google.golang.org/protobuf/proto"

	"github.com/deckrewind/rewind/pkg/logging"
	"github.com/deckrewind/rewind/pkg/types"
)

// RestoreLogFilename is the CRIU restore log written into the image directory.
const RestoreLogFilename = "restore.log"

// restoreOpts prepares a restore of the images in dir, reusing the
// criu.conf written at dump time so both sides agree.
func restoreOpts(settings *types.CRIUSettings, timeout time.Duration, dir string) (*criurpc.CriuOpts, error) {
	opts, err := baseOpts(settings, RestoreLogFilename, timeout)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return opts, nil
	}
	opts.RstSibling = proto.Bool(settings.RstSibling)
	conf := filepath.Join(dir, criuConfFilename)
	if _, err := os.Stat(conf); err == nil {
		opts.ConfigFile = proto.String(conf)
	}
	return opts, nil
}

// runRestore executes the restore and returns the PID CRIU reported for
// the new root task.
func runRestore(ctx context.Context, client Client, opts *criurpc.CriuOpts, dir string, log logr.Logger) (int, error) {
	images, err := openImageDir(dir)
	if err != nil {
		return 0, err
	}
	defer images.Close()
	images.attach(opts)

	watch := &restoreWatch{log: log}
	err = awaitCRIU(ctx, log, func() error { return client.Restore(opts, watch) })
	if err != nil {
		log.Error(err, "CRIU restore failed", "log", filepath.Join(dir, RestoreLogFilename))
		logging.LogCRIUErrors(RestoreLogFilename, log, dir)
		if timedOut(ctx) {
			return 0, fmt.Errorf("%w: CRIU restore exceeded deadline: %v", types.ErrRestoreTimedOut, err)
		}
		return 0, fmt.Errorf("%w: CRIU restore: %v", types.ErrRestoreFailed, err)
	}
	if watch.pid <= 0 {
		return 0, fmt.Errorf("%w: CRIU restore reported no PID", types.ErrRestoreFailed)
	}
	return int(watch.pid), nil
}

// restoreWatch records the PID from CRIU's post-restore callback.
type restoreWatch struct {
	criulib.NoNotify
	pid int32
	log logr.Logger
}

func (w *restoreWatch) PostRestore(pid int32) error {
	w.pid = pid
	w.log.Info("Game process restored", "pid", pid)
	return nil
}
