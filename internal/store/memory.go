package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quicknotes/collab/internal/access"
	"github.com/quicknotes/collab/internal/notes"
)

// MemoryStore is an in-process DocumentStore. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	notes  map[string]*Note
	shares map[string]map[string]access.Level // note id -> user id -> level
	users  map[string]string                  // user id -> display name
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes:  make(map[string]*Note),
		shares: make(map[string]map[string]access.Level),
		users:  make(map[string]string),
		now:    time.Now,
	}
}

func (s *MemoryStore) LoadLatest(_ context.Context, noteID string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notes[noteID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copyNote(n), nil
}

func (s *MemoryStore) Persist(_ context.Context, noteID string, content notes.Content, editorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[noteID]
	if !ok {
		return ErrNotFound
	}
	n.Content = content
	n.LastEditor = editorID
	n.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) (*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := &Listing{Owned: []Summary{}, Shared: []Summary{}, Public: []Summary{}}
	for _, n := range s.notes {
		sum := Summary{
			ID:        n.ID,
			Title:     n.Title,
			OwnerID:   n.OwnerID,
			OwnerName: s.users[n.OwnerID],
			IsPublic:  n.IsPublic,
			Tags:      append([]string{}, n.Tags...),
			UpdatedAt: n.UpdatedAt,
		}
		if n.OwnerID == userID {
			l.Owned = append(l.Owned, sum)
			continue
		}
		if lvl, ok := s.shares[n.ID][userID]; ok {
			sum.Level = lvl
			l.Shared = append(l.Shared, sum)
		}
		if n.IsPublic {
			sum.Level = ""
			l.Public = append(l.Public, sum)
		}
	}
	for _, list := range [][]Summary{l.Owned, l.Shared, l.Public} {
		sortByModified(list)
	}
	return l, nil
}

func (s *MemoryStore) Create(_ context.Context, ownerID, title string, content notes.Content, isPublic bool) (*Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := &Note{
		ID:         uuid.New().String(),
		Title:      title,
		OwnerID:    ownerID,
		IsPublic:   isPublic,
		Tags:       []string{},
		Content:    content,
		LastEditor: ownerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.notes[n.ID] = n
	return s.copyNote(n), nil
}

func (s *MemoryStore) Rename(_ context.Context, noteID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[noteID]
	if !ok {
		return ErrNotFound
	}
	n.Title = title
	n.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetPublic(_ context.Context, noteID string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[noteID]
	if !ok {
		return ErrNotFound
	}
	n.IsPublic = public
	n.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetTags(_ context.Context, noteID string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[noteID]
	if !ok {
		return ErrNotFound
	}
	n.Tags = append([]string{}, tags...)
	n.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Share(_ context.Context, noteID, userID string, level access.Level) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notes[noteID]; !ok {
		return false, ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return false, ErrUserNotFound
	}
	rows, ok := s.shares[noteID]
	if !ok {
		rows = make(map[string]access.Level)
		s.shares[noteID] = rows
	}
	_, existed := rows[userID]
	rows[userID] = level
	return existed, nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.users[userID]; ok && displayName == "" {
		displayName = cur
	}
	s.users[userID] = displayName
	return nil
}

func (s *MemoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *MemoryStore) Close() error { return nil }

// copyNote must be called with s.mu held.
func (s *MemoryStore) copyNote(n *Note) *Note {
	cp := *n
	cp.OwnerName = s.users[n.OwnerID]
	cp.Tags = append([]string{}, n.Tags...)
	cp.Shares = nil
	for uid, lvl := range s.shares[n.ID] {
		cp.Shares = append(cp.Shares, Share{UserID: uid, Level: lvl})
	}
	sort.Slice(cp.Shares, func(i, j int) bool { return cp.Shares[i].UserID < cp.Shares[j].UserID })
	return &cp
}

func sortByModified(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
