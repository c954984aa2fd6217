// Package room tracks which connections are attached to which note and fans
// events out to them. A Registry maps note ids to live Rooms; each Room
// serializes its own membership changes so rooms for different notes never
// contend.
package room

import (
	"time"

	"github.com/quicknotes/collab/internal/notes"
)

// Member identifies an attached user.
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"full_name"`
}

// PresenceKind is the kind of a presence event.
type PresenceKind string

const (
	Joined PresenceKind = "joined"
	Left   PresenceKind = "left"
)

// Event is delivered to attached connections. It is either a PresenceEvent
// or a ContentUpdate.
type Event interface {
	Note() string
}

// PresenceEvent announces that a user joined or left a note.
type PresenceEvent struct {
	NoteID string
	Member Member
	Kind   PresenceKind
}

func (e PresenceEvent) Note() string { return e.NoteID }

// ContentUpdate is a committed full-state snapshot of a note. Arrival order
// is commit order.
type ContentUpdate struct {
	NoteID       string
	CommitID     string
	OriginUserID string
	OriginName   string
	OriginConnID string
	Content      notes.Content
	CommittedAt  time.Time
}

func (e ContentUpdate) Note() string { return e.NoteID }

// Sender is one attached connection. Deliver must be safe for concurrent
// use; it is never called with a room lock held.
type Sender interface {
	ConnID() string
	Deliver(ev Event) error
}
