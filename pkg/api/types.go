// Package api provides the HTTP-over-UDS control API and its client.
package api

import (
	"time"

	"github.com/deckrewind/rewind/pkg/orchestrate"
	"github.com/deckrewind/rewind/pkg/types"
	"github.com/deckrewind/rewind/pkg/watcher"
)

// CheckpointInfo is the API view of a published checkpoint.
type CheckpointInfo struct {
	ID        string       `json:"id"`
	SubjectID string       `json:"subject_id"`
	PID       int          `json:"pid"`
	Timestamp string       `json:"timestamp"`
	CreatedAt time.Time    `json:"created_at"`
	Method    types.Method `json:"method"`
	Named     bool         `json:"named"`
	SizeBytes int64        `json:"size_bytes"`
	Dir       string       `json:"dir"`
}

func checkpointInfo(c *types.Checkpoint) CheckpointInfo {
	return CheckpointInfo{
		ID:        c.ID,
		SubjectID: c.SubjectID,
		PID:       c.PID,
		Timestamp: c.Timestamp,
		CreatedAt: c.CreatedAt,
		Method:    c.Method,
		Named:     c.Named,
		SizeBytes: c.SizeBytes,
		Dir:       c.Dir,
	}
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	StorageRoot string `json:"storage_root"`
}

// ListResponse is the JSON response for GET /checkpoints.
type ListResponse struct {
	Success     bool             `json:"success"`
	Checkpoints []CheckpointInfo `json:"checkpoints"`
}

// CheckpointRequest is the JSON body for POST /checkpoint. An empty
// SubjectID checkpoints the subject the daemon is currently tracking.
type CheckpointRequest struct {
	SubjectID   string `json:"subject_id,omitempty"`
	PID         int    `json:"pid,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Named       bool   `json:"named,omitempty"`
}

// CheckpointResponse is the JSON response for POST /checkpoint.
type CheckpointResponse struct {
	Success    bool            `json:"success"`
	Checkpoint *CheckpointInfo `json:"checkpoint,omitempty"`
}

// RestoreRequest is the JSON body for POST /restore.
type RestoreRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	CurrentPID   int    `json:"current_pid,omitempty"`
}

// RestoreResponse is the JSON response for POST /restore.
type RestoreResponse struct {
	Success bool                       `json:"success"`
	Result  *orchestrate.RestoreResult `json:"result,omitempty"`
}

// DeleteResponse is the JSON response for DELETE /checkpoints/{id}.
type DeleteResponse struct {
	Success bool `json:"success"`
	Deleted bool `json:"deleted"`
}

// CommandResponse is the JSON response for POST /command. The command runs
// asynchronously; acceptance only means it was queued.
type CommandResponse struct {
	Success bool                `json:"success"`
	Kind    watcher.CommandKind `json:"kind"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Success bool           `json:"success"`
	Status  watcher.Status `json:"status"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}
