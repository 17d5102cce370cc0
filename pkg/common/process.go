// Package common holds process and filesystem helpers shared by the capture
// backends and the restore controller.
package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/procfs"
)

// DefaultProcRoot is the procfs mount point.
const DefaultProcRoot = "/proc"

const terminatePollInterval = 100 * time.Millisecond

// IsRunning reports whether pid exists under procRoot and is not a zombie.
func IsRunning(procRoot string, pid int) bool {
	return CheckAlive(procRoot, pid) == nil
}

// CheckAlive returns nil when pid is present under procRoot in any state
// but zombie, otherwise an error saying why not.
func CheckAlive(procRoot string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID %d", pid)
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return fmt.Errorf("procfs at %s: %w", procRoot, err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return fmt.Errorf("PID %d is gone", pid)
	}
	switch stat, err := proc.Stat(); {
	case err != nil:
		return fmt.Errorf("read stat of PID %d: %w", pid, err)
	case stat.State == "Z":
		return fmt.Errorf("PID %d is a zombie", pid)
	}
	return nil
}

// VerifyReport is the outcome of post-restore verification. It is reported,
// never used to change a restore result.
type VerifyReport struct {
	Exists       bool     `json:"exists"`
	State        string   `json:"state,omitempty"`
	Runnable     bool     `json:"runnable"`
	MemReadable  bool     `json:"mem_readable"`
	FailedChecks []string `json:"failed_checks,omitempty"`
}

// OK reports whether every check passed.
func (r VerifyReport) OK() bool {
	return len(r.FailedChecks) == 0
}

// Verify checks that pid exists, is running or sleeping, and that its
// memory file can be opened.
func Verify(procRoot string, pid int) VerifyReport {
	var report VerifyReport

	fs, err := procfs.NewFS(procRoot)
	if err == nil {
		if proc, perr := fs.Proc(pid); perr == nil {
			report.Exists = true
			if stat, serr := proc.Stat(); serr == nil {
				report.State = stat.State
				report.Runnable = stat.State == "R" || stat.State == "S"
			}
		}
	}
	if !report.Exists {
		report.FailedChecks = append(report.FailedChecks, "process_exists", "process_state", "memory_accessible")
		return report
	}
	if !report.Runnable {
		report.FailedChecks = append(report.FailedChecks, "process_state")
	}

	if f, err := os.Open(filepath.Join(procRoot, strconv.Itoa(pid), "mem")); err == nil {
		f.Close()
		report.MemReadable = true
	} else {
		report.FailedChecks = append(report.FailedChecks, "memory_accessible")
	}
	return report
}

// ExitStatus decodes exit_code, the final field of a /proc/<pid>/stat
// line. comm may contain spaces and parentheses, so fields are counted from
// the last ')'.
func ExitStatus(statLine string) (syscall.WaitStatus, error) {
	i := strings.LastIndexByte(statLine, ')')
	if i < 0 {
		return 0, errors.New("stat line has no comm")
	}
	fields := strings.Fields(statLine[i+1:])
	if len(fields) == 0 {
		return 0, errors.New("stat line has no fields after comm")
	}
	code, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("exit_code: %w", err)
	}
	return syscall.WaitStatus(code), nil
}

// Signaller sends signals to processes and observes their liveness.
type Signaller struct {
	ProcRoot string
	Log      logr.Logger
}

// Alive reports whether pid is running.
func (s *Signaller) Alive(pid int) bool {
	return IsRunning(s.procRoot(), pid)
}

// Stop suspends pid with SIGSTOP.
func (s *Signaller) Stop(pid int) error {
	return s.send(pid, syscall.SIGSTOP, "suspend for restore")
}

// Continue resumes pid with SIGCONT.
func (s *Signaller) Continue(pid int) error {
	return s.send(pid, syscall.SIGCONT, "resume after restore")
}

func (s *Signaller) send(pid int, sig syscall.Signal, why string) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to send %s to PID %d", sig, pid)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("send %s to PID %d (%s): %w", sig, pid, why, err)
	}
	s.Log.V(1).Info("Sent signal", "pid", pid, "signal", sig.String(), "why", why)
	return nil
}

// Terminate asks pid to exit with SIGTERM (plus SIGCONT so a stopped process
// can act on it), waits up to grace, then sends SIGKILL and waits for the
// process to disappear.
func (s *Signaller) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if !s.Alive(pid) {
		return nil
	}
	if err := s.send(pid, syscall.SIGTERM, "replace with checkpoint"); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	_ = s.send(pid, syscall.SIGCONT, "deliver SIGTERM")

	if s.waitGone(ctx, pid, grace) {
		return nil
	}

	s.Log.Info("Process ignored SIGTERM, killing", "pid", pid, "grace", grace)
	if err := s.send(pid, syscall.SIGKILL, "termination grace expired"); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	if !s.waitGone(ctx, pid, grace) {
		return fmt.Errorf("process %d still present after SIGKILL", pid)
	}
	return nil
}

func (s *Signaller) waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(terminatePollInterval)
	defer ticker.Stop()
	for {
		if !s.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !s.Alive(pid)
		case <-ticker.C:
		}
	}
}

func (s *Signaller) procRoot() string {
	if s.ProcRoot == "" {
		return DefaultProcRoot
	}
	return s.ProcRoot
}
