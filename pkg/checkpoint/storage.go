// Package checkpoint owns the on-disk checkpoint layout:
//
//	<root>/<subject_id>/<YYYYMMDD_HHMMSS>/metadata.json
//
// plus the backend payload next to it. A checkpoint directory is visible to
// listings only once its metadata exists and parses.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-logr/logr"

	"github.com/deckrewind/rewind/pkg/common"
	"github.com/deckrewind/rewind/pkg/types"
)

const stagingPrefix = ".staging-"

// Store reads and writes checkpoints under a single root directory.
type Store struct {
	root string
	log  logr.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, log logr.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("checkpoint storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", abs, err)
	}
	return &Store{root: abs, log: log}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// ValidateSubjectID rejects ids that cannot be used as a single directory name.
func ValidateSubjectID(subjectID string) error {
	switch {
	case subjectID == "":
		return fmt.Errorf("%w: empty", types.ErrInvalidSubjectID)
	case strings.ContainsAny(subjectID, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", types.ErrInvalidSubjectID, subjectID)
	case strings.HasPrefix(subjectID, "."):
		return fmt.Errorf("%w: %q starts with a dot", types.ErrInvalidSubjectID, subjectID)
	}
	return nil
}

func (s *Store) subjectDir(subjectID string) (string, error) {
	if err := ValidateSubjectID(subjectID); err != nil {
		return "", err
	}
	return securejoin.SecureJoin(s.root, subjectID)
}

func (s *Store) checkpointDir(subjectID, timestamp string) (string, error) {
	subjectDir, err := s.subjectDir(subjectID)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(subjectDir, timestamp)
}

// SaveMetadata writes metadata into dir. It never overwrites an existing
// metadata document.
func SaveMetadata(dir string, m *types.Metadata) error {
	content, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	metadataPath := filepath.Join(dir, types.MetadataFilename)
	f, err := os.OpenFile(metadataPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", types.ErrCheckpointExists, metadataPath)
		}
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync metadata file: %w", err)
	}
	return f.Close()
}

// LoadMetadata reads and validates the metadata in dir. A missing document
// is ErrCheckpointNotFound; anything unreadable or invalid is ErrCorruptMetadata.
func LoadMetadata(dir string) (*types.Metadata, error) {
	metadataPath := filepath.Join(dir, types.MetadataFilename)

	content, err := os.ReadFile(metadataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", types.ErrCheckpointNotFound, dir)
		}
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrCorruptMetadata, metadataPath, err)
	}

	var m types.Metadata
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrCorruptMetadata, metadataPath, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrCorruptMetadata, metadataPath, err)
	}
	if m.Timestamp != filepath.Base(dir) {
		return nil, fmt.Errorf("%w: %s: timestamp %q does not match directory", types.ErrCorruptMetadata, metadataPath, m.Timestamp)
	}
	return &m, nil
}

func (s *Store) load(dir string) (*types.Checkpoint, error) {
	m, err := LoadMetadata(dir)
	if err != nil {
		return nil, err
	}
	size, err := PayloadSize(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to size checkpoint %s: %w", m.ID, err)
	}
	return &types.Checkpoint{Metadata: *m, Dir: dir, SizeBytes: size}, nil
}

// PayloadSize is the size of a checkpoint directory without its metadata
// document. Backend sidecar files such as the saved memory map count as
// payload.
func PayloadSize(dir string) (int64, error) {
	total, err := common.DirSize(dir)
	if err != nil {
		return 0, err
	}
	if info, err := os.Stat(filepath.Join(dir, types.MetadataFilename)); err == nil {
		total -= info.Size()
	}
	return total, nil
}

// List returns the subject's published checkpoints, newest first.
// Directories without valid metadata are skipped.
func (s *Store) List(subjectID string) ([]types.Checkpoint, error) {
	subjectDir, err := s.subjectDir(subjectID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(subjectDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var checkpoints []types.Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ckpt, err := s.load(filepath.Join(subjectDir, entry.Name()))
		if err != nil {
			s.log.V(1).Info("Skipping unreadable checkpoint", "subject", subjectID, "dir", entry.Name(), "error", err)
			continue
		}
		if ckpt.SubjectID != subjectID {
			s.log.V(1).Info("Skipping checkpoint filed under another subject", "subject", subjectID, "id", ckpt.ID)
			continue
		}
		checkpoints = append(checkpoints, *ckpt)
	}

	SortNewestFirst(checkpoints)
	return checkpoints, nil
}

// SortNewestFirst orders checkpoints by timestamp descending, id as tiebreak.
func SortNewestFirst(checkpoints []types.Checkpoint) {
	sort.SliceStable(checkpoints, func(i, j int) bool {
		if checkpoints[i].Timestamp != checkpoints[j].Timestamp {
			return checkpoints[i].Timestamp > checkpoints[j].Timestamp
		}
		return checkpoints[i].ID > checkpoints[j].ID
	})
}

// Subjects returns the subject ids that have a directory under the root.
func (s *Store) Subjects() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage root: %w", err)
	}
	var subjects []string
	for _, entry := range entries {
		if !entry.IsDir() || ValidateSubjectID(entry.Name()) != nil {
			continue
		}
		subjects = append(subjects, entry.Name())
	}
	sort.Strings(subjects)
	return subjects, nil
}

// ListAll returns every published checkpoint across subjects, newest first.
func (s *Store) ListAll() ([]types.Checkpoint, error) {
	subjects, err := s.Subjects()
	if err != nil {
		return nil, err
	}
	var all []types.Checkpoint
	for _, subject := range subjects {
		checkpoints, err := s.List(subject)
		if err != nil {
			s.log.Error(err, "Failed to list subject checkpoints", "subject", subject)
			continue
		}
		all = append(all, checkpoints...)
	}
	SortNewestFirst(all)
	return all, nil
}

// Usage returns the payload bytes held by published checkpoints.
func (s *Store) Usage() (int64, error) {
	all, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range all {
		total += c.SizeBytes
	}
	return total, nil
}

// LatestTime returns the creation time of the subject's newest checkpoint.
// ok is false when the subject has none.
func (s *Store) LatestTime(subjectID string) (t time.Time, ok bool, err error) {
	checkpoints, err := s.List(subjectID)
	if err != nil || len(checkpoints) == 0 {
		return time.Time{}, false, err
	}
	return checkpoints[0].CreatedAt, true, nil
}

// Get resolves a checkpoint id. Absent and corrupt checkpoints both report
// ErrCheckpointNotFound.
func (s *Store) Get(id string) (*types.Checkpoint, error) {
	subjectID, timestamp, err := types.ParseID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCheckpointNotFound, err)
	}
	dir, err := s.checkpointDir(subjectID, timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCheckpointNotFound, err)
	}
	ckpt, err := s.load(dir)
	if err != nil {
		if errors.Is(err, types.ErrCorruptMetadata) {
			s.log.Info("Checkpoint metadata is corrupt", "id", id, "error", err)
			return nil, fmt.Errorf("%w: %s", types.ErrCheckpointNotFound, id)
		}
		return nil, err
	}
	if ckpt.ID != id {
		return nil, fmt.Errorf("%w: %s", types.ErrCheckpointNotFound, id)
	}
	return ckpt, nil
}

// Delete removes a checkpoint. It reports whether anything was removed and
// is safe to call for ids that no longer exist. The metadata goes first so a
// partially removed directory is never listed.
func (s *Store) Delete(id string) (bool, error) {
	subjectID, timestamp, err := types.ParseID(id)
	if err != nil {
		return false, err
	}
	dir, err := s.checkpointDir(subjectID, timestamp)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat checkpoint %s: %w", id, err)
	}

	if err := os.Remove(filepath.Join(dir, types.MetadataFilename)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to remove metadata of %s: %w", id, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("failed to remove checkpoint %s: %w", id, err)
	}
	return true, nil
}

// SweepStaging removes staging directories left behind by an interrupted
// capture. It returns how many were removed.
func (s *Store) SweepStaging() (int, error) {
	subjects, err := s.Subjects()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, subject := range subjects {
		subjectDir := filepath.Join(s.root, subject)
		entries, err := os.ReadDir(subjectDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), stagingPrefix) {
				continue
			}
			path := filepath.Join(subjectDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Error(err, "Failed to remove stale staging directory", "path", path)
				continue
			}
			s.log.Info("Removed stale staging directory", "path", path)
			removed++
		}
	}
	return removed, nil
}
