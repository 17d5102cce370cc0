// Package memdump is the fallback capture backend. It copies the readable
// regions of a live process through /proc/<pid>/mem and writes them back on
// restore. It needs no helper binary but cannot recreate a process that has
// exited, and a restore is not atomic: a failure part-way leaves the target
// with a mix of old and new regions.
package memdump

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"

	"github.com/deckrewind/rewind/pkg/common"
	"github.com/deckrewind/rewind/pkg/types"
)

// Options configures a Backend.
type Options struct {
	ProcRoot string
	// Compression is "zstd" or "none".
	Compression      string
	CompressionLevel int
	MaxRegionBytes   uint64
	// Workers bounds concurrent region copies; 0 picks a small default.
	Workers int
}

// Backend implements capture and restore over procfs.
type Backend struct {
	procRoot       string
	compress       bool
	level          zstd.EncoderLevel
	maxRegionBytes uint64
	workers        int
	log            logr.Logger
}

// ProcessState is the best-effort process description saved next to the regions.
type ProcessState struct {
	PID     int               `json:"pid"`
	Cmdline string            `json:"cmdline"`
	Cwd     string            `json:"cwd"`
	Environ map[string]string `json:"environ"`
}

// NewBackend creates the fallback backend.
func NewBackend(opts Options, log logr.Logger) *Backend {
	b := &Backend{
		procRoot:       opts.ProcRoot,
		compress:       opts.Compression != "none",
		level:          zstd.EncoderLevelFromZstd(opts.CompressionLevel),
		maxRegionBytes: opts.MaxRegionBytes,
		workers:        opts.Workers,
		log:            log,
	}
	if b.procRoot == "" {
		b.procRoot = common.DefaultProcRoot
	}
	if opts.CompressionLevel == 0 {
		b.level = zstd.EncoderLevelFromZstd(3)
	}
	if b.maxRegionBytes == 0 {
		b.maxRegionBytes = DefaultMaxRegionBytes
	}
	if b.workers <= 0 {
		b.workers = min(runtime.GOMAXPROCS(0), 4)
	}
	return b
}

func (b *Backend) Method() types.Method {
	return types.MethodFallback
}

// Available reports whether procfs is mounted where expected.
func (b *Backend) Available(_ context.Context) error {
	if _, err := procfs.NewFS(b.procRoot); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) pidPath(pid int, name string) string {
	return filepath.Join(b.procRoot, strconv.Itoa(pid), name)
}

// Capture copies every eligible region of req.PID into req.Dir.
func (b *Backend) Capture(ctx context.Context, req types.CaptureRequest) error {
	log := b.log.WithValues("pid", req.PID, "subject", req.SubjectID)

	rawMaps, err := os.ReadFile(b.pidPath(req.PID, "maps"))
	if err != nil {
		return classifyProcError(req.PID, "read maps", err)
	}
	if err := os.WriteFile(filepath.Join(req.Dir, mapsFilename), rawMaps, 0600); err != nil {
		return fmt.Errorf("%w: save maps: %v", types.ErrCaptureFailed, err)
	}

	procFS, err := procfs.NewFS(b.procRoot)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}
	proc, err := procFS.Proc(req.PID)
	if err != nil {
		return fmt.Errorf("%w: pid %d: %v", types.ErrProcessGone, req.PID, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return classifyProcError(req.PID, "parse maps", err)
	}
	regions, excluded := SelectRegions(maps, b.maxRegionBytes)

	mem, err := os.Open(b.pidPath(req.PID, "mem"))
	if err != nil {
		return classifyProcError(req.PID, "open mem", err)
	}
	defer mem.Close()

	var saved, skipped atomic.Int32
	var savedBytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, r := range regions {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			n, err := b.saveRegion(mem, r, req.Dir)
			if err != nil {
				log.V(1).Info("Skipping region", "region", fmt.Sprintf("%x-%x", r.Start, r.End), "path", r.Path, "error", err)
				skipped.Add(1)
				return nil
			}
			saved.Add(1)
			savedBytes.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return contextError(types.ErrCaptureTimedOut, types.ErrCaptureFailed, err)
	}

	if saved.Load() == 0 {
		return fmt.Errorf("%w: no memory regions could be saved (%d skipped, %d excluded)", types.ErrCaptureFailed, skipped.Load(), excluded)
	}

	b.saveProcessState(proc, req.PID, req.Dir, log)

	log.Info("Memory dump completed",
		"regions_saved", saved.Load(),
		"regions_skipped", skipped.Load(),
		"regions_excluded", excluded,
		"bytes", savedBytes.Load(),
	)
	return nil
}

// saveRegion copies one region into its own file and returns the bytes read.
// A failed region leaves no file behind.
func (b *Backend) saveRegion(mem io.ReaderAt, r Region, dir string) (int64, error) {
	if r.Start > uint64(1<<63-1) {
		return 0, fmt.Errorf("region start beyond readable offset range")
	}
	path := filepath.Join(dir, r.Filename(b.compress))
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, err
	}

	n, err := b.copyRegion(out, mem, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && uint64(n) != r.Size() {
		err = fmt.Errorf("short read: %d of %d bytes", n, r.Size())
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}

func (b *Backend) copyRegion(out io.Writer, mem io.ReaderAt, r Region) (int64, error) {
	src := io.NewSectionReader(mem, int64(r.Start), int64(r.Size()))
	if !b.compress {
		return io.Copy(out, src)
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(b.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(enc, src)
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (b *Backend) saveProcessState(proc procfs.Proc, pid int, dir string, log logr.Logger) {
	state := ProcessState{PID: pid, Environ: map[string]string{}}
	if cmdline, err := proc.CmdLine(); err == nil {
		state.Cmdline = strings.TrimSpace(strings.Join(cmdline, " "))
	}
	if cwd, err := proc.Cwd(); err == nil {
		state.Cwd = cwd
	}
	if environ, err := proc.Environ(); err == nil {
		for _, kv := range environ {
			if k, v, ok := strings.Cut(kv, "="); ok {
				state.Environ[k] = v
			}
		}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, processStateFilename), data, 0600)
	}
	if err != nil {
		log.V(1).Info("Failed to save process state", "error", err)
	}
}

// LoadProcessState reads the process description of a fallback checkpoint.
func LoadProcessState(dir string) (*ProcessState, error) {
	data, err := os.ReadFile(filepath.Join(dir, processStateFilename))
	if err != nil {
		return nil, err
	}
	var state ProcessState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse process state: %w", err)
	}
	return &state, nil
}

// Restore writes the saved regions back into target.PID, or the
// checkpoint's PID when unset. The process must still be running and the
// caller is expected to have stopped it.
func (b *Backend) Restore(ctx context.Context, target types.RestoreTarget) (types.RestoreOutcome, error) {
	ckpt := target.Checkpoint
	pid := target.PID
	if pid <= 0 {
		pid = ckpt.PID
	}
	log := b.log.WithValues("checkpoint", ckpt.ID, "pid", pid)

	if !common.IsRunning(b.procRoot, pid) {
		return types.RestoreOutcome{}, fmt.Errorf("%w: pid %d is no longer running; memory checkpoints can only patch a live process", types.ErrProcessGone, pid)
	}

	files, err := regionFiles(ckpt.Dir)
	if err != nil {
		return types.RestoreOutcome{}, fmt.Errorf("%w: %v", types.ErrRestoreFailed, err)
	}
	if len(files) == 0 {
		return types.RestoreOutcome{}, fmt.Errorf("%w: checkpoint has no memory regions", types.ErrRestoreFailed)
	}

	mem, err := os.OpenFile(b.pidPath(pid, "mem"), os.O_RDWR, 0)
	if err != nil {
		return types.RestoreOutcome{}, classifyRestoreError(pid, err)
	}
	defer mem.Close()

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return types.RestoreOutcome{}, fmt.Errorf("%w: %v", types.ErrRestoreFailed, err)
	}
	defer dec.Close()

	// ctx is only honoured before the first write. Stopping between regions
	// would leave the game with a mix of old and new memory.
	if err := ctx.Err(); err != nil {
		return types.RestoreOutcome{}, contextError(types.ErrRestoreTimedOut, types.ErrRestoreFailed, err)
	}
	var out types.RestoreOutcome
	out.PID = pid
	for _, name := range files {
		if err := b.restoreRegion(mem, dec, ckpt.Dir, name); err != nil {
			log.V(1).Info("Skipping region", "file", name, "error", err)
			out.Skipped++
			continue
		}
		out.Regions++
	}

	if out.Regions == 0 {
		return out, fmt.Errorf("%w: no memory regions could be restored (%d skipped)", types.ErrRestoreFailed, out.Skipped)
	}
	log.Info("Memory regions restored", "regions_restored", out.Regions, "regions_skipped", out.Skipped)
	return out, nil
}

func (b *Backend) restoreRegion(mem io.WriterAt, dec *zstd.Decoder, dir, name string) error {
	r, compressed, err := ParseRegionFilename(name)
	if err != nil {
		return err
	}
	if r.Start > uint64(1<<63-1) {
		return fmt.Errorf("region start beyond writable offset range")
	}
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	data := raw
	if compressed {
		if err := dec.Reset(bytes.NewReader(raw)); err != nil {
			return err
		}
		var buf bytes.Buffer
		buf.Grow(int(r.Size()))
		if _, err := io.Copy(&buf, dec); err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
		data = buf.Bytes()
	}
	if uint64(len(data)) != r.Size() {
		return fmt.Errorf("payload is %d bytes, region is %d", len(data), r.Size())
	}
	_, err = mem.WriteAt(data, int64(r.Start))
	return err
}

// regionFiles lists region payloads in ascending address order.
func regionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && (strings.HasSuffix(e.Name(), regionSuffix) || strings.HasSuffix(e.Name(), compressedRegionSuffix)) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// contextError classifies a context error: an expired deadline is a
// timeout, a cancellation is a plain failure.
func contextError(timedOut, failed, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", timedOut, err)
	}
	return fmt.Errorf("%w: interrupted: %v", failed, err)
}

func classifyProcError(pid int, op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: pid %d: %s: %v", types.ErrProcessGone, pid, op, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: pid %d: %s: %v", types.ErrPermissionDenied, pid, op, err)
	default:
		return fmt.Errorf("%w: pid %d: %s: %v", types.ErrCaptureFailed, pid, op, err)
	}
}

func classifyRestoreError(pid int, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: pid %d: %v", types.ErrProcessGone, pid, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: pid %d: %v", types.ErrPermissionDenied, pid, err)
	default:
		return fmt.Errorf("%w: pid %d: %v", types.ErrRestoreFailed, pid, err)
	}
}
