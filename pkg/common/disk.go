package common

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FreeBytes returns the bytes available to unprivileged users on the
// filesystem holding path. A path that does not exist yet is resolved to its
// nearest existing ancestor.
func FreeBytes(path string) (int64, error) {
	probe := filepath.Clean(path)
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	var st unix.Statfs_t
	if err := unix.Statfs(probe, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", probe, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// DirSize returns the total size of the regular files under dir. Entries
// that vanish during the walk are ignored.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
