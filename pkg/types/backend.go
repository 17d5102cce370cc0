package types

// CaptureRequest asks a backend to write a checkpoint payload for PID into
// Dir, a staging directory owned by the caller.
type CaptureRequest struct {
	PID       int
	SubjectID string
	Dir       string
}

// RestoreTarget names the checkpoint to restore and the live process it
// replaces or patches.
type RestoreTarget struct {
	Checkpoint *Checkpoint
	// PID is the process currently occupying the subject, 0 if none.
	PID int
}

// RestoreOutcome is what a backend reports after a successful restore.
type RestoreOutcome struct {
	// PID of the restored process.
	PID int
	// Regions restored; fallback backend only.
	Regions int
	// Skipped regions; fallback backend only.
	Skipped int
}
