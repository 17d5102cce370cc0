// Package discovery finds the game process to protect by scanning procfs for
// processes launched by Steam.
package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/procfs"

	"github.com/deckrewind/rewind/pkg/common"
	"github.com/deckrewind/rewind/pkg/config"
	"github.com/deckrewind/rewind/pkg/types"
)

var (
	reaperPattern = regexp.MustCompile(`reaper.*SteamLaunch`)
	protonPattern = regexp.MustCompile(`(?i)proton|wine|\.exe$`)
	manifestName  = regexp.MustCompile(`"name"\s+"([^"]+)"`)

	appIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)compatdata[/\\](\d+)`),
		regexp.MustCompile(`(?i)steamapps[/\\]common[/\\]([^/\\]+)`),
		regexp.MustCompile(`(?i)AppId[/\\](\d+)`),
	}

	gameExtensions = []string{".exe", ".x86_64", ".x86", ".sh"}

	excludedProcesses = map[string]struct{}{
		"steam":            {},
		"steamwebhelper":   {},
		"steam-runtime":    {},
		"reaper":           {},
		"pressure-vessel":  {},
		"pv-bwrap":         {},
		"proton":           {},
		"wineserver":       {},
		"winedevice.exe":   {},
		"plugplay.exe":     {},
		"services.exe":     {},
		"explorer.exe":     {},
		"start.exe":        {},
		"tabtip.exe":       {},
		"wine64-preloader": {},
		"wine-preloader":   {},
	}
)

// DefaultSteamRoots are the Steam installation directories searched for app
// manifests, relative to the user's home directory where they start with ~.
var DefaultSteamRoots = []string{"~/.steam/steam", "~/.local/share/Steam", "/home/deck/.steam/steam"}

// Steam reports the running Steam game, if any.
type Steam struct {
	ProcRoot   string
	SteamRoots []string
	Log        logr.Logger
}

type process struct {
	pid     int
	comm    string
	name    string
	cmdline []string
	proc    procfs.Proc
}

// ActiveSubject scans the process table. It returns nil when no game is
// running.
func (s *Steam) ActiveSubject(_ context.Context) (*types.Subject, error) {
	procRoot := s.ProcRoot
	if procRoot == "" {
		procRoot = common.DefaultProcRoot
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	all, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	table := make([]process, 0, len(all))
	children := make(map[int][]int)
	byPID := make(map[int]int)
	for _, p := range all {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		name, err := p.Comm()
		if err != nil {
			name = stat.Comm
		}
		cmdline, _ := p.CmdLine()
		byPID[p.PID] = len(table)
		table = append(table, process{pid: p.PID, comm: name, name: strings.ToLower(name), cmdline: cmdline, proc: p})
		children[stat.PPID] = append(children[stat.PPID], p.PID)
	}

	descendants := func(root int) []process {
		var out []process
		queue := append([]int(nil), children[root]...)
		for len(queue) > 0 {
			pid := queue[0]
			queue = queue[1:]
			if i, ok := byPID[pid]; ok {
				out = append(out, table[i])
			}
			queue = append(queue, children[pid]...)
		}
		return out
	}

	for _, detect := range []func() *process{
		func() *process { return viaReaper(table, descendants) },
		func() *process { return viaProton(table) },
		func() *process { return viaSteamTree(table, descendants) },
	} {
		if p := detect(); p != nil {
			return s.subjectFor(p), nil
		}
	}
	return nil, nil
}

func viaReaper(table []process, descendants func(int) []process) *process {
	for _, p := range table {
		if !reaperPattern.MatchString(strings.Join(p.cmdline, " ")) {
			continue
		}
		for _, child := range descendants(p.pid) {
			if excluded(child.name) {
				continue
			}
			if hasGameExtension(child.name) {
				return &child
			}
			if protonPattern.MatchString(child.name) {
				continue
			}
			if slices.ContainsFunc(child.cmdline, func(arg string) bool { return strings.HasSuffix(arg, ".exe") }) {
				return &child
			}
		}
		return nil
	}
	return nil
}

func viaProton(table []process) *process {
	for _, p := range table {
		if strings.HasSuffix(p.name, ".exe") && !excluded(p.name) {
			return &p
		}
	}
	return nil
}

func viaSteamTree(table []process, descendants func(int) []process) *process {
	for _, p := range table {
		if p.name != "steam" {
			continue
		}
		for _, child := range descendants(p.pid) {
			if !excluded(child.name) && hasGameExtension(child.name) {
				return &child
			}
		}
	}
	return nil
}

func (s *Steam) subjectFor(p *process) *types.Subject {
	cwd, _ := p.proc.Cwd()
	id := ExtractAppID(append(append([]string(nil), p.cmdline...), cwd)...)
	if id == "" {
		id = p.comm
	}
	name := CleanName(p.comm)
	if manifest := s.manifestName(id); manifest != "" {
		name = manifest
	}
	s.Log.V(1).Info("Game detected", "pid", p.pid, "id", id, "name", name)
	return &types.Subject{ID: id, PID: p.pid, DisplayName: name}
}

// manifestName reads the game title from Steam's appmanifest_<id>.acf.
func (s *Steam) manifestName(appID string) string {
	roots := s.SteamRoots
	if roots == nil {
		roots = DefaultSteamRoots
	}
	for _, root := range roots {
		root = config.ExpandHome(root)
		data, err := os.ReadFile(filepath.Join(root, "steamapps", "appmanifest_"+appID+".acf"))
		if err != nil {
			continue
		}
		if m := manifestName.FindSubmatch(data); m != nil {
			return string(m[1])
		}
	}
	return ""
}

// ExtractAppID returns the first Steam app id found in any of the paths.
func ExtractAppID(paths ...string) string {
	for _, path := range paths {
		for _, re := range appIDPatterns {
			if m := re.FindStringSubmatch(path); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

// CleanName turns a process name into a display title.
func CleanName(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".exe", ".x86_64", ".x86"} {
		if strings.HasSuffix(lower, ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	words := strings.Fields(name)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func excluded(name string) bool {
	_, ok := excludedProcesses[name]
	return ok
}

func hasGameExtension(name string) bool {
	return slices.ContainsFunc(gameExtensions, func(ext string) bool { return strings.HasSuffix(name, ext) })
}
