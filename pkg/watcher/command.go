package watcher

import (
	"errors"
	"fmt"
	"strings"
)

// CommandKind is a user command against the active subject.
type CommandKind string

const (
	RestoreLatest    CommandKind = "restore_latest"
	StepBack         CommandKind = "step_back"
	StepForward      CommandKind = "step_forward"
	ListCount        CommandKind = "list_count"
	ManualCheckpoint CommandKind = "manual_checkpoint"
)

var commandKinds = []CommandKind{RestoreLatest, StepBack, StepForward, ListCount, ManualCheckpoint}

// Command is the JSON form accepted by the control API: {"kind":"step_back"}.
type Command struct {
	Kind CommandKind `json:"kind"`
}

var (
	ErrNoActiveSubject = errors.New("no active subject")
	ErrRateLimited     = errors.New("command rate limit exceeded")
	ErrQueueFull       = errors.New("subject work queue is full")
	ErrStopped         = errors.New("watcher is stopped")
	ErrUnknownCommand  = errors.New("unknown command")
)

// ParseCommandKind accepts the snake_case names and their dashed forms.
func ParseCommandKind(raw string) (CommandKind, error) {
	normalized := CommandKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, k := range commandKinds {
		if k == normalized {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, raw)
}

// Validate checks that the command kind is known.
func (c Command) Validate() error {
	_, err := ParseCommandKind(string(c.Kind))
	return err
}
