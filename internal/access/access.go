// Package access evaluates who may read, write and share a note.
package access

import (
	"fmt"
	"strings"
)

// Level is the permission carried by a share.
type Level string

const (
	Read  Level = "Read"
	Write Level = "Write"
	Admin Level = "Admin"
)

// ParseLevel accepts a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	case "admin":
		return Admin, nil
	}
	return "", fmt.Errorf("access: unknown permission level %q", s)
}

// Grant is the access-relevant view of a note.
type Grant struct {
	OwnerID string
	Public  bool
	Shares  map[string]Level // user id -> level
}

// CanRead reports whether userID may open the note: the owner, anyone when
// the note is public, or any user it has been shared with.
func (g Grant) CanRead(userID string) bool {
	if userID == "" {
		return false
	}
	if g.OwnerID == userID || g.Public {
		return true
	}
	_, ok := g.Shares[userID]
	return ok
}

// CanWrite reports whether userID may commit content.
func (g Grant) CanWrite(userID string) bool {
	if userID == "" {
		return false
	}
	if g.OwnerID == userID {
		return true
	}
	switch g.Shares[userID] {
	case Write, Admin:
		return true
	}
	return false
}

// CanShare reports whether userID may grant access to others.
func (g Grant) CanShare(userID string) bool {
	if userID == "" {
		return false
	}
	return g.OwnerID == userID || g.Shares[userID] == Admin
}

// Role names the caller's relation to the note for display: "owner",
// "write", "read" or "" when there is no access.
func (g Grant) Role(userID string) string {
	switch {
	case userID != "" && g.OwnerID == userID:
		return "owner"
	case g.CanWrite(userID):
		return "write"
	case g.CanRead(userID):
		return "read"
	}
	return ""
}
