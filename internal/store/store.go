// Package store provides durable note storage. PostgresStore is the
// production implementation; MemoryStore backs tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quicknotes/collab/internal/access"
	"github.com/quicknotes/collab/internal/notes"
)

var (
	// ErrNotFound is returned when a note does not exist.
	ErrNotFound = errors.New("store: note not found")

	// ErrUserNotFound is returned when a share targets an unknown user.
	ErrUserNotFound = errors.New("store: user not found")
)

// Note is the latest persisted state of a note plus its sharing rules.
type Note struct {
	ID         string
	Title      string
	OwnerID    string
	OwnerName  string
	IsPublic   bool
	Tags       []string
	Content    notes.Content
	LastEditor string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Shares     []Share
}

// Share grants a user a permission level on a note.
type Share struct {
	UserID string       `json:"user_id"`
	Level  access.Level `json:"level"`
}

// Grant returns the access view of n.
func (n *Note) Grant() access.Grant {
	g := access.Grant{
		OwnerID: n.OwnerID,
		Public:  n.IsPublic,
		Shares:  make(map[string]access.Level, len(n.Shares)),
	}
	for _, s := range n.Shares {
		g.Shares[s.UserID] = s.Level
	}
	return g
}

// Summary is a note entry in a listing, without content.
type Summary struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	OwnerID   string       `json:"owner"`
	OwnerName string       `json:"owner_full_name"`
	IsPublic  bool         `json:"is_public"`
	Tags      []string     `json:"tags"`
	UpdatedAt time.Time    `json:"modified"`
	Level     access.Level `json:"permission,omitempty"`
}

// Listing splits the notes visible to a user. Public never repeats notes
// the user owns.
type Listing struct {
	Owned  []Summary `json:"my_notes"`
	Shared []Summary `json:"shared_notes"`
	Public []Summary `json:"public_notes"`
}

// DocumentStore is the persistence contract used by the collaboration
// service and the request API. Persist is last-call-wins per note.
type DocumentStore interface {
	LoadLatest(ctx context.Context, noteID string) (*Note, error)
	Persist(ctx context.Context, noteID string, content notes.Content, editorID string) error
	ListForUser(ctx context.Context, userID string) (*Listing, error)
	Create(ctx context.Context, ownerID, title string, content notes.Content, isPublic bool) (*Note, error)
	Rename(ctx context.Context, noteID, title string) error
	SetPublic(ctx context.Context, noteID string, public bool) error
	// SetTags replaces the tag list of a note.
	SetTags(ctx context.Context, noteID string, tags []string) error
	// Share upserts a share row. updated is true when the user already had
	// a share and only the level changed.
	Share(ctx context.Context, noteID, userID string, level access.Level) (updated bool, err error)
	EnsureUser(ctx context.Context, userID, displayName string) error
	UserExists(ctx context.Context, userID string) (bool, error)
	Close() error
}
