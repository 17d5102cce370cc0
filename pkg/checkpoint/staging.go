package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/deckrewind/rewind/pkg/types"
)

// Staging is a checkpoint being written. Backends fill Dir; Publish makes it
// visible, Abort discards it. Exactly one of the two must be called.
type Staging struct {
	SubjectID string
	Timestamp string
	CreatedAt time.Time
	Dir       string

	finalDir string
	done     bool
}

// Begin reserves a staging directory for a capture of subjectID at now.
func (s *Store) Begin(subjectID string, now time.Time) (*Staging, error) {
	subjectDir, err := s.subjectDir(subjectID)
	if err != nil {
		return nil, err
	}
	timestamp := types.FormatTimestamp(now)
	finalDir, err := s.checkpointDir(subjectID, timestamp)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(finalDir); err == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrCheckpointExists, types.FormatID(subjectID, timestamp))
	}

	if err := os.MkdirAll(subjectDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create subject directory: %w", err)
	}
	stagingDir := filepath.Join(subjectDir, stagingPrefix+timestamp+"-"+uuid.NewString()[:8])
	if err := os.Mkdir(stagingDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint staging directory: %w", err)
	}

	return &Staging{
		SubjectID: subjectID,
		Timestamp: timestamp,
		CreatedAt: now,
		Dir:       stagingDir,
		finalDir:  finalDir,
	}, nil
}

// ID is the checkpoint id the staging directory will publish as.
func (st *Staging) ID() string {
	return types.FormatID(st.SubjectID, st.Timestamp)
}

// FinalDir is where the checkpoint will live once published.
func (st *Staging) FinalDir() string {
	return st.finalDir
}

// Publish writes metadata last and renames the staging directory into place.
// On any failure the staging directory is removed.
func (st *Staging) Publish(m *types.Metadata) error {
	if st.done {
		return fmt.Errorf("staging %s already finished", st.ID())
	}
	if m.SubjectID != st.SubjectID || m.Timestamp != st.Timestamp {
		st.Abort()
		return fmt.Errorf("metadata %s does not belong to staging %s", m.ID, st.ID())
	}
	if err := m.Validate(); err != nil {
		st.Abort()
		return fmt.Errorf("refusing to publish invalid metadata: %w", err)
	}
	if err := SaveMetadata(st.Dir, m); err != nil {
		st.Abort()
		return err
	}
	if _, err := os.Lstat(st.finalDir); err == nil {
		st.Abort()
		return fmt.Errorf("%w: %s", types.ErrCheckpointExists, st.ID())
	} else if !errors.Is(err, fs.ErrNotExist) {
		st.Abort()
		return fmt.Errorf("failed to check checkpoint directory: %w", err)
	}
	if err := os.Rename(st.Dir, st.finalDir); err != nil {
		st.Abort()
		return fmt.Errorf("failed to finalize checkpoint directory: %w", err)
	}
	st.done = true
	return nil
}

// Abort discards the staging directory. Safe to call more than once.
func (st *Staging) Abort() {
	if st.done {
		return
	}
	st.done = true
	os.RemoveAll(st.Dir)
}
