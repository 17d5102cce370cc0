// Package rewind tracks where the user is in a subject's checkpoint history.
package rewind

import (
	"time"

	"github.com/deckrewind/rewind/pkg/types"
)

// Cursor is a position in a newest-first checkpoint list. Index 0 is the
// newest checkpoint. Every move clamps against the list length given to it,
// so the list may grow or shrink between calls.
type Cursor struct {
	index int
}

// Index returns the current position.
func (c *Cursor) Index() int {
	return c.index
}

// Back moves one step toward older checkpoints and returns the new index.
func (c *Cursor) Back(n int) int {
	if n <= 0 {
		c.index = 0
		return 0
	}
	c.index = min(c.index+1, n-1)
	return c.index
}

// Forward moves one step toward newer checkpoints and returns the new index.
func (c *Cursor) Forward(n int) int {
	c.index = max(min(c.index, n-1)-1, 0)
	return c.index
}

// Latest points the cursor at the newest checkpoint.
func (c *Cursor) Latest() int {
	c.index = 0
	return 0
}

// Clamp keeps the cursor inside a list of length n.
func (c *Cursor) Clamp(n int) int {
	c.index = max(min(c.index, n-1), 0)
	return c.index
}

// Reset forgets the position.
func (c *Cursor) Reset() {
	c.index = 0
}

// Session is the daemon's view of the active subject.
type Session struct {
	Subject        *types.Subject
	LastCheckpoint time.Time
	Cursor         Cursor
}

// Observe updates the session with the currently active subject, which may
// be nil. It reports whether the identity changed; on a change the cursor
// and the last checkpoint time are reset.
func (s *Session) Observe(subject *types.Subject) bool {
	if s.Subject.SameProcess(subject) {
		if subject != nil {
			s.Subject = subject
		}
		return false
	}
	s.Subject = subject
	s.LastCheckpoint = time.Time{}
	s.Cursor.Reset()
	return true
}

// Active reports whether there is a subject to act on.
func (s *Session) Active() bool {
	return s.Subject != nil
}
