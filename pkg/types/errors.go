package types

import (
	"errors"
	"strings"
)

// Error kinds surfaced by the engine. Callers match them with errors.Is;
// the wrapping error carries the detail.
var (
	ErrBackendUnavailable  = errors.New("capture backend unavailable")
	ErrNoBackendAvailable  = errors.New("no capture backend available")
	ErrCaptureTimedOut     = errors.New("capture timed out")
	ErrCaptureFailed       = errors.New("capture failed")
	ErrAllBackendsFailed   = errors.New("all capture backends failed")
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointExists    = errors.New("checkpoint already exists")
	ErrCorruptMetadata     = errors.New("corrupt checkpoint metadata")
	ErrInvalidCheckpointID = errors.New("invalid checkpoint id")
	ErrInvalidSubjectID    = errors.New("invalid subject id")
	ErrRestoreTimedOut     = errors.New("restore timed out")
	ErrRestoreFailed       = errors.New("restore failed")
	ErrProcessGone         = errors.New("process gone")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrStorageExhausted    = errors.New("storage exhausted")
)

var reasonKinds = []error{
	ErrNoBackendAvailable,
	ErrAllBackendsFailed,
	ErrBackendUnavailable,
	ErrCaptureTimedOut,
	ErrRestoreTimedOut,
	ErrCheckpointNotFound,
	ErrCheckpointExists,
	ErrCorruptMetadata,
	ErrInvalidCheckpointID,
	ErrInvalidSubjectID,
	ErrProcessGone,
	ErrPermissionDenied,
	ErrStorageExhausted,
	ErrCaptureFailed,
	ErrRestoreFailed,
}

// Reason returns a short human-readable reason for err, suitable for a
// notification. Known kinds map to their own message; anything else falls
// back to the first line of err.Error().
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, kind := range reasonKinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
