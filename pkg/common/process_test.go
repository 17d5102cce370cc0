package common

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		statLine string
		wantCode int
		wantErr  bool
	}{
		{
			name:     "normal exit code 0",
			statLine: "123 (game.x86_64) S 1 123 123 0 -1 4194304 1000 0 0 0 100 50 0 0 20 0 1 0 1000 10000000 500 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0",
			wantCode: 0,
		},
		{
			name:     "non-zero exit code",
			statLine: "456 (wine64) Z 1 456 456 0 -1 4194304 100 0 0 0 10 5 0 0 20 0 1 0 500 0 0 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 256",
			wantCode: 256,
		},
		{
			name:     "process name with spaces and parens",
			statLine: "789 (Game (Main Thread)) S 1 789 789 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 100 0 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 42",
			wantCode: 42,
		},
		{
			name:     "malformed line no closing paren",
			statLine: "123 (game S 1 123",
			wantErr:  true,
		},
		{
			name:     "empty string",
			statLine: "",
			wantErr:  true,
		},
		{
			name:     "only pid and comm, nothing after paren",
			statLine: "1 (init)",
			wantErr:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ws, err := ExitStatus(tc.statLine)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got WaitStatus=%d", ws)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if int(ws) != tc.wantCode {
				t.Errorf("exit code = %d, want %d", int(ws), tc.wantCode)
			}
		})
	}
}

func TestCheckAlive(t *testing.T) {
	root := t.TempDir()
	WriteFakeProc(t, root, FakeProcess{PID: 10, State: "S"})
	WriteFakeProc(t, root, FakeProcess{PID: 11, State: "Z"})

	if err := CheckAlive(root, 10); err != nil {
		t.Errorf("sleeping process: %v", err)
	}
	if err := CheckAlive(root, 11); err == nil {
		t.Error("zombie should fail validation")
	}
	if err := CheckAlive(root, 12); err == nil {
		t.Error("missing process should fail validation")
	}
	if err := CheckAlive(root, 0); err == nil {
		t.Error("PID 0 should fail validation")
	}
	if !IsRunning(root, 10) || IsRunning(root, 11) {
		t.Error("IsRunning disagrees with CheckAlive")
	}
}

func TestVerify(t *testing.T) {
	root := t.TempDir()
	WriteFakeProc(t, root, FakeProcess{PID: 20, State: "R", MemSize: 4096})
	WriteFakeProc(t, root, FakeProcess{PID: 21, State: "T", MemSize: 4096})
	WriteFakeProc(t, root, FakeProcess{PID: 22, State: "S"})

	tests := []struct {
		name       string
		pid        int
		wantOK     bool
		wantFailed []string
	}{
		{name: "running with memory", pid: 20, wantOK: true},
		{name: "stopped", pid: 21, wantFailed: []string{"process_state"}},
		{name: "no mem file", pid: 22, wantFailed: []string{"memory_accessible"}},
		{name: "gone", pid: 23, wantFailed: []string{"process_exists", "process_state", "memory_accessible"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := Verify(root, tc.pid)
			if report.OK() != tc.wantOK {
				t.Errorf("OK = %v, want %v (%+v)", report.OK(), tc.wantOK, report)
			}
			if len(report.FailedChecks) != len(tc.wantFailed) {
				t.Fatalf("FailedChecks = %v, want %v", report.FailedChecks, tc.wantFailed)
			}
			for i := range tc.wantFailed {
				if report.FailedChecks[i] != tc.wantFailed[i] {
					t.Errorf("FailedChecks[%d] = %q, want %q", i, report.FailedChecks[i], tc.wantFailed[i])
				}
			}
		})
	}
}

func TestSignallerTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()

	s := &Signaller{Log: testr.New(t)}
	pid := cmd.Process.Pid
	if !s.Alive(pid) {
		t.Fatal("child should be alive")
	}
	if err := s.Stop(pid); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Terminate(ctx, pid, 2*time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}
	if s.Alive(pid) {
		t.Error("child still alive after Terminate")
	}
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.bin"), make([]byte, 28), 0644); err != nil {
		t.Fatal(err)
	}
	size, err := DirSize(dir)
	if err != nil {
		t.Fatalf("DirSize: %v", err)
	}
	if size != 128 {
		t.Errorf("size = %d, want 128", size)
	}
}

func TestFreeBytesNonexistentPath(t *testing.T) {
	free, err := FreeBytes(filepath.Join(t.TempDir(), "not", "yet", "created"))
	if err != nil {
		t.Fatalf("FreeBytes: %v", err)
	}
	if free <= 0 {
		t.Errorf("free = %d, want > 0", free)
	}
}
