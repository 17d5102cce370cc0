package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// statTail is every /proc/<pid>/stat field after ppid, zeroed.
const statTail = "1 1 0 -1 4194304 0 0 0 0 0 0 0 0 20 0 1 0 100 0 0 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 0 0 0 0 0 0 0 0"

// FakeProcess describes a process entry written by WriteFakeProc.
type FakeProcess struct {
	PID     int
	PPID    int
	Comm    string
	State   string
	Cmdline []string
	Cwd     string
	Environ map[string]string
	// Maps is written verbatim to /proc/<pid>/maps when non-empty.
	Maps string
	// MemSize creates a sparse mem file of this size.
	MemSize int64
	// Mem writes bytes at the given offsets of the mem file.
	Mem map[int64][]byte
}

// WriteFakeProc creates a minimal procfs entry for p under root.
func WriteFakeProc(t testing.TB, root string, p FakeProcess) string {
	t.Helper()

	dir := filepath.Join(root, strconv.Itoa(p.PID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	state := p.State
	if state == "" {
		state = "S"
	}
	comm := p.Comm
	if comm == "" {
		comm = "proc" + strconv.Itoa(p.PID)
	}
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	write("stat", fmt.Sprintf("%d (%s) %s %d %s\n", p.PID, comm, state, p.PPID, statTail))
	write("status", fmt.Sprintf("Name:\t%s\nState:\t%s\nPid:\t%d\nPPid:\t%d\n", comm, state, p.PID, p.PPID))
	write("comm", comm+"\n")
	if len(p.Cmdline) > 0 {
		write("cmdline", strings.Join(p.Cmdline, "\x00")+"\x00")
	} else {
		write("cmdline", "")
	}
	var env strings.Builder
	for k, v := range p.Environ {
		env.WriteString(k + "=" + v + "\x00")
	}
	write("environ", env.String())
	if p.Cwd != "" {
		if err := os.Symlink(p.Cwd, filepath.Join(dir, "cwd")); err != nil {
			t.Fatalf("symlink cwd: %v", err)
		}
	}
	if p.Maps != "" {
		write("maps", p.Maps)
	}

	if p.MemSize > 0 || len(p.Mem) > 0 {
		f, err := os.OpenFile(filepath.Join(dir, "mem"), os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			t.Fatalf("create mem: %v", err)
		}
		defer f.Close()
		if p.MemSize > 0 {
			if err := f.Truncate(p.MemSize); err != nil {
				t.Fatalf("truncate mem: %v", err)
			}
		}
		for off, data := range p.Mem {
			if _, err := f.WriteAt(data, off); err != nil {
				t.Fatalf("write mem at %#x: %v", off, err)
			}
		}
	}
	return dir
}
