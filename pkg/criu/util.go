package criu

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	criurpc "github.com/checkpoint-restore/go-criu/v8/rpc"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"

	"github.com/deckrewind/rewind/pkg/types"
)

const criuConfFilename = "criu.conf"

var cgroupModes = map[string]criurpc.CriuCgMode{
	"":       criurpc.CriuCgMode_SOFT,
	"soft":   criurpc.CriuCgMode_SOFT,
	"ignore": criurpc.CriuCgMode_IGNORE,
	"full":   criurpc.CriuCgMode_FULL,
	"strict": criurpc.CriuCgMode_STRICT,
}

// cgroupMode maps the configured cgroup mode to CRIU's enum. Empty means soft.
func cgroupMode(raw string) (criurpc.CriuCgMode, error) {
	mode, ok := cgroupModes[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return criurpc.CriuCgMode_IGNORE, fmt.Errorf("invalid cgroup mode %q", raw)
	}
	return mode, nil
}

// baseOpts returns the options shared by dump and restore. A nil settings
// yields only the log file and timeout.
func baseOpts(settings *types.CRIUSettings, logFile string, timeout time.Duration) (*criurpc.CriuOpts, error) {
	opts := &criurpc.CriuOpts{LogFile: proto.String(logFile)}
	if timeout > 0 {
		opts.Timeout = proto.Uint32(uint32(timeout / time.Second))
	}
	if settings == nil {
		return opts, nil
	}

	mode, err := cgroupMode(settings.ManageCgroupsMode)
	if err != nil {
		return nil, err
	}
	opts.LogLevel = proto.Int32(settings.LogLevel)
	opts.ShellJob = proto.Bool(settings.ShellJob)
	opts.TcpEstablished = proto.Bool(settings.TcpEstablished)
	opts.TcpClose = proto.Bool(settings.TcpClose)
	opts.FileLocks = proto.Bool(settings.FileLocks)
	opts.ExtUnixSk = proto.Bool(settings.ExtUnixSk)
	opts.LinkRemap = proto.Bool(settings.LinkRemap)
	opts.ManageCgroups = proto.Bool(mode != criurpc.CriuCgMode_IGNORE)
	opts.ManageCgroupsMode = mode.Enum()
	return opts, nil
}

// confDirectives lists the settings that have no RPC field, one criu.conf
// line each.
func confDirectives(settings *types.CRIUSettings) []string {
	if settings == nil {
		return nil
	}
	var lines []string
	if settings.LibDir != "" {
		lines = append(lines, "libdir "+settings.LibDir)
	}
	if settings.AllowUprobes {
		lines = append(lines, "allow-uprobes")
	}
	if settings.SkipInFlight {
		lines = append(lines, "skip-in-flight")
	}
	return lines
}

// writeConf writes criu.conf into dir and returns its path, or "" when
// there is nothing to write.
func writeConf(dir string, settings *types.CRIUSettings) (string, error) {
	lines := confDirectives(settings)
	if len(lines) == 0 {
		return "", nil
	}
	path := filepath.Join(dir, criuConfFilename)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", criuConfFilename, err)
	}
	return path, nil
}

// imageDir is an open image directory whose descriptor survives exec into
// the CRIU swrk child. Close it only after CRIU returns.
type imageDir struct {
	f *os.File
}

func openImageDir(path string) (*imageDir, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image directory: %w", err)
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_SETFD, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to clear CLOEXEC on %s: %w", path, err)
	}
	return &imageDir{f: f}, nil
}

func (d *imageDir) attach(opts *criurpc.CriuOpts) {
	opts.ImagesDirFd = proto.Int32(int32(d.f.Fd()))
}

func (d *imageDir) Close() error { return d.f.Close() }
