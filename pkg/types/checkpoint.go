// Package types defines shared data types used across rewind packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the on-disk timestamp format: local time, whole seconds.
// It is both the checkpoint directory name and the suffix of a checkpoint id.
const TimestampLayout = "20060102_150405"

// MetadataFilename is the metadata document written last into every checkpoint directory.
const MetadataFilename = "metadata.json"

// Subject is the single process being protected.
type Subject struct {
	ID          string `json:"id"`
	PID         int    `json:"pid"`
	DisplayName string `json:"display_name,omitempty"`
}

// SameProcess reports whether s and other identify the same running process.
func (s *Subject) SameProcess(other *Subject) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ID == other.ID && s.PID == other.PID
}

func (s *Subject) String() string {
	if s == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s[%d]", s.ID, s.PID)
}

// Method records which capture backend produced a checkpoint.
// Restore dispatches on it.
type Method int

const (
	MethodUnknown Method = iota
	MethodPrivileged
	MethodFallback
)

// On-disk tags. The legacy tags are written so existing checkpoint
// directories stay readable by other tools.
const (
	methodTagPrivileged = "criu"
	methodTagFallback   = "memory_dump"
)

func (m Method) String() string {
	switch m {
	case MethodPrivileged:
		return "privileged"
	case MethodFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// ParseMethod accepts both the on-disk tags and the descriptive names.
func ParseMethod(raw string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case methodTagPrivileged, "privileged":
		return MethodPrivileged, nil
	case methodTagFallback, "fallback":
		return MethodFallback, nil
	default:
		return MethodUnknown, fmt.Errorf("unknown capture method %q", raw)
	}
}

func (m Method) MarshalJSON() ([]byte, error) {
	switch m {
	case MethodPrivileged:
		return json.Marshal(methodTagPrivileged)
	case MethodFallback:
		return json.Marshal(methodTagFallback)
	default:
		return nil, fmt.Errorf("cannot encode capture method %d", int(m))
	}
}

func (m *Method) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMethod(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Metadata is the persisted description of one checkpoint.
type Metadata struct {
	ID        string
	SubjectID string
	PID       int
	Timestamp string
	CreatedAt time.Time
	Method    Method
	Named     bool
}

// NewMetadata builds metadata for a checkpoint captured at now.
func NewMetadata(subjectID string, pid int, now time.Time, method Method, named bool) *Metadata {
	ts := FormatTimestamp(now)
	return &Metadata{
		ID:        FormatID(subjectID, ts),
		SubjectID: subjectID,
		PID:       pid,
		Timestamp: ts,
		CreatedAt: now.Truncate(time.Microsecond),
		Method:    method,
		Named:     named,
	}
}

type metadataDoc struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id,omitempty"`
	GameID    string `json:"game_id,omitempty"`
	PID       int    `json:"pid"`
	Timestamp string `json:"timestamp"`
	CreatedAt string `json:"created_at"`
	Method    Method `json:"method"`
	Named     bool   `json:"named"`
}

const createdAtLayout = "2006-01-02T15:04:05.999999Z07:00"

// created_at values without a zone are read as local time.
var createdAtFallbackLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataDoc{
		ID:        m.ID,
		SubjectID: m.SubjectID,
		PID:       m.PID,
		Timestamp: m.Timestamp,
		CreatedAt: m.CreatedAt.Format(createdAtLayout),
		Method:    m.Method,
		Named:     m.Named,
	})
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var doc metadataDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	createdAt, err := parseCreatedAt(doc.CreatedAt)
	if err != nil {
		return err
	}
	subjectID := doc.SubjectID
	if subjectID == "" {
		subjectID = doc.GameID
	}
	*m = Metadata{
		ID:        doc.ID,
		SubjectID: subjectID,
		PID:       doc.PID,
		Timestamp: doc.Timestamp,
		CreatedAt: createdAt,
		Method:    doc.Method,
		Named:     doc.Named,
	}
	return nil
}

func parseCreatedAt(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range createdAtFallbackLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", raw)
}

// Validate checks the invariants a readable checkpoint must satisfy.
func (m *Metadata) Validate() error {
	if m.SubjectID == "" {
		return fmt.Errorf("missing subject id")
	}
	if m.Method == MethodUnknown {
		return fmt.Errorf("missing capture method")
	}
	if _, err := ParseTimestamp(m.Timestamp); err != nil {
		return err
	}
	if m.ID != FormatID(m.SubjectID, m.Timestamp) {
		return fmt.Errorf("id %q does not match subject %q and timestamp %q", m.ID, m.SubjectID, m.Timestamp)
	}
	return nil
}

// Checkpoint is a published checkpoint as seen by a listing.
type Checkpoint struct {
	Metadata
	Dir       string
	SizeBytes int64
}

// FormatTimestamp renders t in the on-disk layout using local time.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// ParseTimestamp parses an on-disk timestamp in local time.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, ts, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid checkpoint timestamp %q: %w", ts, err)
	}
	return t, nil
}

// FormatID joins a subject id and a timestamp into a checkpoint id.
func FormatID(subjectID, timestamp string) string {
	return subjectID + "_" + timestamp
}

// ParseID splits a checkpoint id into subject id and timestamp. The last two
// underscore-separated components form the timestamp, so subject ids may
// themselves contain underscores.
func ParseID(id string) (subjectID, timestamp string, err error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCheckpointID, id)
	}
	subjectID = strings.Join(parts[:len(parts)-2], "_")
	timestamp = parts[len(parts)-2] + "_" + parts[len(parts)-1]
	if subjectID == "" || len(timestamp) != len(TimestampLayout) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCheckpointID, id)
	}
	for _, r := range timestamp {
		if r != '_' && (r < '0' || r > '9') {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidCheckpointID, id)
		}
	}
	return subjectID, timestamp, nil
}
