package collab

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/quicknotes/collab/internal/access"
	"github.com/quicknotes/collab/internal/feed"
	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/room"
	"github.com/quicknotes/collab/internal/store"
)

// NoteView is a note as returned to one user over the request channel.
type NoteView struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	OwnerID     string        `json:"owner"`
	OwnerName   string        `json:"owner_full_name"`
	IsPublic    bool          `json:"is_public"`
	Tags        []string      `json:"tags"`
	Content     string        `json:"content"`
	Delta       string        `json:"content_delta,omitempty"`
	LastEditor  string        `json:"last_editor,omitempty"`
	Modified    time.Time     `json:"modified"`
	CanWrite    bool          `json:"can_write"`
	Role        string        `json:"role"`
	Shares      []store.Share `json:"shared_with"`
	ActiveUsers []room.Member `json:"active_users"`
}

// EnsureUser records an authenticated caller so notes can be shared with them.
func (s *Service) EnsureUser(ctx context.Context, userID, displayName string) error {
	if err := s.Store.EnsureUser(ctx, userID, displayName); err != nil {
		return fmt.Errorf("collab: ensure user: %w", err)
	}
	return nil
}

// ListNotes returns the notes userID owns, has been shared, and the public
// notes of others.
func (s *Service) ListNotes(ctx context.Context, userID string) (*store.Listing, error) {
	l, err := s.Store.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("collab: list notes: %w", err)
	}
	return l, nil
}

// CreateNote creates a note owned by ownerID. An empty content becomes a
// single empty line.
func (s *Service) CreateNote(ctx context.Context, ownerID, title string, content notes.Content, isPublic bool) (*store.Note, error) {
	if err := notes.ValidateTitle(title); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if content.Delta == "" && content.Text == "" {
		content = notes.Content{Delta: notes.FromText("").Encode(), Text: "\n"}
	}
	if err := notes.Validate(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	n, err := s.Store.Create(ctx, ownerID, title, notes.Normalize(content), isPublic)
	if err != nil {
		return nil, fmt.Errorf("collab: create note: %w", err)
	}
	log.Printf("[collab] created note=%s owner=%s public=%t", n.ID, ownerID, isPublic)
	if s.Feed != nil {
		s.Feed.Publish(feed.Event{Kind: feed.KindCreate, NoteID: n.ID, UserID: ownerID, Server: s.opt.ServerName})
	}
	return n, nil
}

// LoadNote returns noteID for userID with the caller's rights and the users
// currently attending it.
func (s *Service) LoadNote(ctx context.Context, userID, noteID string) (*NoteView, error) {
	note, err := s.load(ctx, noteID)
	if err != nil {
		return nil, err
	}
	grant := note.Grant()
	if !grant.CanRead(userID) {
		return nil, ErrPermissionDenied
	}

	if r := s.Rooms.Room(noteID); r != nil {
		if content, editor, at, ok := r.Snapshot(); ok && at.After(note.UpdatedAt) {
			note.Content, note.LastEditor, note.UpdatedAt = content, editor, at
		}
	}
	view := &NoteView{
		ID:          note.ID,
		Title:       note.Title,
		OwnerID:     note.OwnerID,
		OwnerName:   note.OwnerName,
		IsPublic:    note.IsPublic,
		Tags:        note.Tags,
		Content:     note.Content.Text,
		Delta:       note.Content.Delta,
		LastEditor:  note.LastEditor,
		Modified:    note.UpdatedAt,
		CanWrite:    grant.CanWrite(userID),
		Role:        grant.Role(userID),
		Shares:      note.Shares,
		ActiveUsers: s.activeUsers(ctx, noteID),
	}
	if view.Shares == nil {
		view.Shares = []store.Share{}
	}
	if view.Tags == nil {
		view.Tags = []string{}
	}
	return view, nil
}

// SaveNote is a commit over the request channel. It persists and broadcasts
// like a commit from a joined connection.
func (s *Service) SaveNote(ctx context.Context, userID, displayName, noteID string, content notes.Content) (*CommitResult, error) {
	return s.Commit(ctx, CommitRequest{
		NoteID:      noteID,
		UserID:      userID,
		DisplayName: displayName,
		Content:     content,
	})
}

// ShareNote grants targetID level on noteID. updated is true when the
// target already had a share and only its level changed.
func (s *Service) ShareNote(ctx context.Context, userID, noteID, targetID, levelName string) (updated bool, err error) {
	level, err := access.ParseLevel(levelName)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	note, err := s.load(ctx, noteID)
	if err != nil {
		return false, err
	}
	if !note.Grant().CanShare(userID) {
		return false, ErrPermissionDenied
	}
	if targetID == "" || targetID == note.OwnerID {
		return false, fmt.Errorf("%w: cannot share with the owner", ErrInvalidPayload)
	}
	exists, err := s.Store.UserExists(ctx, targetID)
	if err != nil {
		return false, fmt.Errorf("collab: share: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", store.ErrUserNotFound, targetID)
	}

	updated, err = s.Store.Share(ctx, noteID, targetID, level)
	if err != nil {
		return false, err
	}
	log.Printf("[collab] shared note=%s with=%s level=%s by=%s updated=%t", noteID, targetID, level, userID, updated)
	if s.Feed != nil {
		s.Feed.Publish(feed.Event{
			Kind:   feed.KindShare,
			NoteID: noteID,
			UserID: userID,
			Target: targetID,
			Level:  string(level),
			Server: s.opt.ServerName,
		})
	}
	return updated, nil
}

// NoteUpdate changes note metadata. Nil fields are left as they are.
type NoteUpdate struct {
	Title    *string   `json:"title"`
	IsPublic *bool     `json:"is_public"`
	Tags     *[]string `json:"tags"`
}

// UpdateNote applies u. Renaming and retagging need write access; toggling
// public is reserved to the owner.
func (s *Service) UpdateNote(ctx context.Context, userID, noteID string, u NoteUpdate) error {
	note, err := s.load(ctx, noteID)
	if err != nil {
		return err
	}
	grant := note.Grant()
	if u.Title != nil {
		if !grant.CanWrite(userID) {
			return ErrPermissionDenied
		}
		if err := notes.ValidateTitle(*u.Title); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	var tags []string
	if u.Tags != nil {
		if !grant.CanWrite(userID) {
			return ErrPermissionDenied
		}
		if tags, err = notes.NormalizeTags(*u.Tags); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if u.IsPublic != nil && note.OwnerID != userID {
		return ErrPermissionDenied
	}

	if u.Title != nil {
		if err := s.Store.Rename(ctx, noteID, *u.Title); err != nil {
			return err
		}
	}
	if u.IsPublic != nil {
		if err := s.Store.SetPublic(ctx, noteID, *u.IsPublic); err != nil {
			return err
		}
	}
	if u.Tags != nil {
		if err := s.Store.SetTags(ctx, noteID, tags); err != nil {
			return err
		}
	}
	return nil
}

// AdvisoryJoin records member as attending noteID without an event channel.
// Attached connections are told about the user and other servers are
// relayed the event. It returns the other active users.
func (s *Service) AdvisoryJoin(ctx context.Context, member room.Member, noteID string) ([]room.Member, error) {
	note, err := s.load(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if !note.Grant().CanRead(member.UserID) {
		return nil, ErrPermissionDenied
	}
	if s.Presence != nil {
		if err := s.Presence.Touch(ctx, noteID, member); err != nil {
			log.Printf("[collab] presence touch note=%s user=%s: %v", noteID, member.UserID, err)
		}
	}
	if r := s.Rooms.Room(noteID); r != nil {
		r.Announce(room.PresenceEvent{NoteID: noteID, Member: member, Kind: room.Joined})
	}
	s.publishPresence(noteID, member, room.Joined)
	return withoutUser(s.activeUsers(ctx, noteID), member.UserID), nil
}

// AdvisoryLeave is the counterpart of AdvisoryJoin.
func (s *Service) AdvisoryLeave(ctx context.Context, member room.Member, noteID string) error {
	if s.Presence != nil {
		if err := s.Presence.Remove(ctx, noteID, member.UserID); err != nil {
			log.Printf("[collab] presence remove note=%s user=%s: %v", noteID, member.UserID, err)
		}
	}
	if r := s.Rooms.Room(noteID); r != nil {
		r.Announce(room.PresenceEvent{NoteID: noteID, Member: member, Kind: room.Left})
	}
	s.publishPresence(noteID, member, room.Left)
	return nil
}

// activeUsers merges local room members with the shared mirror.
func (s *Service) activeUsers(ctx context.Context, noteID string) []room.Member {
	var out []room.Member
	if r := s.Rooms.Room(noteID); r != nil {
		out = r.Members()
	}
	if s.Presence != nil {
		if remote, err := s.Presence.Active(ctx, noteID); err == nil {
			out = mergeMembers(out, remote)
		}
	}
	if out == nil {
		out = []room.Member{}
	}
	return out
}
