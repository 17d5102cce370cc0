package logging

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/procfs"

	"github.com/deckrewind/rewind/pkg/common"
)

const (
	maxKeyLines  = 80
	maxTailLines = 40
)

// criuMarkers flag CRIU log lines worth surfacing on their own.
var criuMarkers = []string{"error", "warn", "fail", "finished successfully"}

// LogProcessDiagnostics logs what procfs still knows about pid after a
// restore that did not verify.
func LogProcessDiagnostics(procRoot string, pid int, log logr.Logger) {
	log = log.WithValues("pid", pid)
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		log.Info("Proc filesystem unavailable", "error", err)
		return
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		log.Info("Restored process is gone", "error", err)
		return
	}

	if stat, err := proc.Stat(); err == nil {
		log.Info("Restored process state", "comm", stat.Comm, "state", stat.State, "threads", stat.NumThreads, "rss_pages", stat.RSS)
	}
	if args, err := proc.CmdLine(); err == nil && len(args) > 0 {
		log.Info("Restored process cmdline", "cmdline", strings.Join(args, " "))
	}
	// procfs does not expose exit_code, so read it from the raw stat line.
	if raw, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat")); err == nil {
		if ws, err := common.ExitStatus(string(raw)); err == nil && ws != 0 {
			log.Info("Restored process exited", "exit_status", ws.ExitStatus(), "signal", ws.Signal(), "core_dumped", ws.CoreDump())
		}
	}
}

// LogCRIUErrors summarizes logName from the first of dirs that has it.
func LogCRIUErrors(logName string, log logr.Logger, dirs ...string) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, logName)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		keyLines, tail := SummarizeCRIULog(string(data))
		if len(keyLines) > 0 {
			log.Info("CRIU log key lines", "path", path, "lines", strings.Join(keyLines, " | "))
		}
		if len(tail) > 0 {
			log.Info("CRIU log tail", "path", path, "lines", strings.Join(tail, " | "))
		}
		return
	}
}

// SummarizeCRIULog picks out marker lines, capped at maxKeyLines, and the
// last maxTailLines non-empty lines of a CRIU log.
func SummarizeCRIULog(data string) (keyLines, tail []string) {
	ring := make([]string, 0, maxTailLines)
	next := 0
	sc := bufio.NewScanner(strings.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if len(keyLines) < maxKeyLines && isCRIUMarker(line) {
			keyLines = append(keyLines, line)
		}
		if len(ring) < maxTailLines {
			ring = append(ring, line)
		} else {
			ring[next] = line
		}
		next = (next + 1) % maxTailLines
	}
	if len(ring) < maxTailLines {
		return keyLines, ring
	}
	return keyLines, append(ring[next:], ring[:next]...)
}

func isCRIUMarker(line string) bool {
	lower := strings.ToLower(line)
	for _, m := range criuMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
