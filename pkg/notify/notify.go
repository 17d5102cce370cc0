// Package notify delivers user-facing events about checkpoints and restores.
// Sinks are best-effort: a failed notification is logged and never fails the
// operation that raised it.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Kind identifies an event.
type Kind string

const (
	CheckpointCreated Kind = "checkpoint_created"
	RestoreStarted    Kind = "restore_started"
	RestoreSucceeded  Kind = "restore_succeeded"
	RestoreFailed     Kind = "restore_failed"
	LowDiskSpace      Kind = "low_disk_space"
	Info              Kind = "info"
)

// Urgency maps to the freedesktop notification urgency levels.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// Event is a single notification.
type Event struct {
	Kind         Kind   `json:"kind"`
	SubjectID    string `json:"subject_id,omitempty"`
	SubjectName  string `json:"subject_name,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// Reason is set for RestoreFailed.
	Reason string `json:"reason,omitempty"`
	// FreeBytes is set for LowDiskSpace.
	FreeBytes int64 `json:"free_bytes,omitempty"`
	// Message is set for Info.
	Message string `json:"message,omitempty"`
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Title is the short heading shown for the event.
func (e Event) Title() string {
	switch e.Kind {
	case CheckpointCreated:
		return "Snapshot Created"
	case RestoreStarted:
		return "Restoring"
	case RestoreSucceeded:
		return "Restored"
	case RestoreFailed:
		return "Restore Failed"
	case LowDiskSpace:
		return "Warning"
	default:
		return ""
	}
}

// Text is the human-readable body of the event.
func (e Event) Text() string {
	switch e.Kind {
	case CheckpointCreated:
		return fmt.Sprintf("Snapshot saved for %s", e.subjectLabel())
	case RestoreStarted:
		if e.CheckpointID != "" {
			return fmt.Sprintf("Rewinding to %s...", e.CheckpointID)
		}
		return "Restoring game state..."
	case RestoreSucceeded:
		return "Game state restored successfully"
	case RestoreFailed:
		if e.Reason != "" {
			return fmt.Sprintf("Restore failed: %s", e.Reason)
		}
		return "Failed to restore game state"
	case LowDiskSpace:
		return fmt.Sprintf("Low disk space: %.1f GB free. Snapshots paused.", float64(e.FreeBytes)/(1<<30))
	default:
		return e.Message
	}
}

// Urgency returns how prominently the event should be shown.
func (e Event) Urgency() Urgency {
	switch e.Kind {
	case RestoreFailed, LowDiskSpace:
		return UrgencyCritical
	case RestoreStarted:
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}

// Icon is the freedesktop icon name for the event.
func (e Event) Icon() string {
	switch e.Kind {
	case CheckpointCreated:
		return "document-save"
	case RestoreStarted:
		return "view-refresh"
	case RestoreSucceeded:
		return "emblem-ok-symbolic"
	case RestoreFailed:
		return "dialog-error"
	case LowDiskSpace:
		return "dialog-warning"
	default:
		return ""
	}
}

func (e Event) subjectLabel() string {
	if e.SubjectName != "" {
		return e.SubjectName
	}
	return e.SubjectID
}

// Infof builds an Info event.
func Infof(format string, args ...any) Event {
	return Event{Kind: Info, Message: fmt.Sprintf(format, args...)}
}

// Log writes every event to a logger.
type Log struct {
	Logger logr.Logger
}

func (l Log) Notify(_ context.Context, ev Event) {
	kv := []any{"kind", ev.Kind, "text", ev.Text()}
	if ev.SubjectID != "" {
		kv = append(kv, "subject", ev.SubjectID)
	}
	if ev.CheckpointID != "" {
		kv = append(kv, "checkpoint", ev.CheckpointID)
	}
	l.Logger.Info("Notification", kv...)
}

// Multi fans an event out to every sink in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) {}

// Recorder keeps every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	events := r.Events()
	kinds := make([]Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
