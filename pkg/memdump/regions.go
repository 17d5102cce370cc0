package memdump

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

const (
	mapsFilename         = "maps.txt"
	processStateFilename = "process_state.json"

	regionSuffix           = ".bin"
	compressedRegionSuffix = ".bin.zst"

	// DefaultMaxRegionBytes skips regions larger than this.
	DefaultMaxRegionBytes = 100 << 20
)

// Region is one readable mapping of the target's address space.
type Region struct {
	Start uint64
	End   uint64
	Path  string
}

func (r Region) Size() uint64 {
	return r.End - r.Start
}

// Filename renders the on-disk name of the region payload.
func (r Region) Filename(compressed bool) string {
	suffix := regionSuffix
	if compressed {
		suffix = compressedRegionSuffix
	}
	return fmt.Sprintf("%016x-%016x%s", r.Start, r.End, suffix)
}

// ParseRegionFilename recovers the address range from a payload name.
func ParseRegionFilename(name string) (Region, bool, error) {
	var compressed bool
	var stem string
	switch {
	case strings.HasSuffix(name, compressedRegionSuffix):
		compressed = true
		stem = strings.TrimSuffix(name, compressedRegionSuffix)
	case strings.HasSuffix(name, regionSuffix):
		stem = strings.TrimSuffix(name, regionSuffix)
	default:
		return Region{}, false, fmt.Errorf("not a region file: %q", name)
	}

	startHex, endHex, ok := strings.Cut(stem, "-")
	if !ok {
		return Region{}, false, fmt.Errorf("malformed region file name %q", name)
	}
	start, err := strconv.ParseUint(startHex, 16, 64)
	if err != nil {
		return Region{}, false, fmt.Errorf("malformed region start in %q: %w", name, err)
	}
	end, err := strconv.ParseUint(endHex, 16, 64)
	if err != nil {
		return Region{}, false, fmt.Errorf("malformed region end in %q: %w", name, err)
	}
	if end <= start {
		return Region{}, false, fmt.Errorf("empty region in %q", name)
	}
	return Region{Start: start, End: end}, compressed, nil
}

// SelectRegions keeps readable mappings no larger than maxBytes. It returns
// the selected regions and how many were left out.
func SelectRegions(maps []*procfs.ProcMap, maxBytes uint64) ([]Region, int) {
	var regions []Region
	excluded := 0
	for _, m := range maps {
		if m == nil || m.Perms == nil || !m.Perms.Read {
			excluded++
			continue
		}
		r := Region{Start: uint64(m.StartAddr), End: uint64(m.EndAddr), Path: m.Pathname}
		if r.End <= r.Start || (maxBytes > 0 && r.Size() > maxBytes) {
			excluded++
			continue
		}
		regions = append(regions, r)
	}
	return regions, excluded
}
