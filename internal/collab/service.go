// Package collab coordinates note sessions on the server: it admits
// connections into note rooms after an access check, turns agent commits into
// persisted snapshots broadcast to co-editors, mirrors attendance into Redis
// and relays room traffic to other server instances.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quicknotes/collab/internal/feed"
	"github.com/quicknotes/collab/internal/messaging"
	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/ratelimit"
	"github.com/quicknotes/collab/internal/room"
	"github.com/quicknotes/collab/internal/store"
)

var (
	// ErrPermissionDenied is returned for a join without read access or a
	// commit without write access.
	ErrPermissionDenied = errors.New("collab: permission denied")

	// ErrSaveFailed is returned when the store could not persist a commit
	// after one retry.
	ErrSaveFailed = errors.New("collab: save failed")

	// ErrInvalidPayload is returned for commits whose content fails validation.
	ErrInvalidPayload = errors.New("collab: invalid payload")

	// ErrNotJoined is returned when a connection commits to a note it has
	// not joined.
	ErrNotJoined = errors.New("collab: connection has not joined the note")

	// ErrRateLimited is returned when the caller exceeded a rate rule.
	ErrRateLimited = errors.New("collab: rate limited")
)

// PresenceMirror is the shared attendee list (presence.Mirror).
type PresenceMirror interface {
	Touch(ctx context.Context, noteID string, m room.Member) error
	Remove(ctx context.Context, noteID, userID string) error
	Active(ctx context.Context, noteID string) ([]room.Member, error)
}

// Relay forwards room traffic to other instances (messaging.NATSClient).
type Relay interface {
	SubscribeNote(noteID string, handler func(kind string, data []byte)) error
	UnsubscribeNote(noteID string) error
	PublishNoteUpdate(noteID string, data []byte) error
	PublishNotePresence(noteID string, data []byte) error
}

// SessionRecorder tracks which note a connection is attached to (session.Store).
type SessionRecorder interface {
	SetNote(ctx context.Context, sessionID, noteID string) error
	ClearNote(ctx context.Context, sessionID string) error
}

// Limiter throttles commits and joins (ratelimit.Limiter).
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	ResetIn(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// RateLimitError wraps ErrRateLimited with the time left in the window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Feed receives activity events (feed.Dispatcher).
type Feed interface {
	Publish(ev feed.Event)
}

// Deps are the collaborators of a Service. Store and Rooms are required;
// the rest may be nil, which disables that concern.
type Deps struct {
	Store    store.DocumentStore
	Rooms    *room.Registry
	Presence PresenceMirror
	Relay    Relay
	Sessions SessionRecorder
	Limiter  Limiter
	Feed     Feed
}

// Options tunes a Service.
type Options struct {
	ServerName     string
	CommitRule     ratelimit.Rule
	JoinRule       ratelimit.Rule
	SaveRetryDelay time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServerName:     "ws-1",
		CommitRule:     ratelimit.RuleCommit,
		JoinRule:       ratelimit.RuleJoin,
		SaveRetryDelay: 200 * time.Millisecond,
	}
}

// Service is the server side of note sessions. It is safe for concurrent use.
type Service struct {
	Deps
	opt Options

	loads   singleflight.Group
	commits keyedMutex
	relays  keyedMutex // serializes relay subscribe/unsubscribe per note

	mu       sync.Mutex
	attached map[string]attachment // conn id -> note the connection is in
}

type attachment struct {
	noteID string
	member room.Member
}

// NewService creates a Service.
func NewService(d Deps, opt Options) *Service {
	if opt.ServerName == "" {
		opt.ServerName = DefaultOptions().ServerName
	}
	return &Service{
		Deps:     d,
		opt:      opt,
		attached: make(map[string]attachment),
	}
}

// JoinResult is what a joining connection needs to render the note.
type JoinResult struct {
	Note     *store.Note
	Existing []room.Member // attendees before the join, never including the joiner
	CanWrite bool
}

// Join attaches conn to noteID for member. A connection is in at most one
// note; joining another note leaves the previous one first. Re-joining the
// same note returns a fresh snapshot without a second presence event.
func (s *Service) Join(ctx context.Context, conn room.Sender, member room.Member, noteID string) (*JoinResult, error) {
	if !messaging.ValidNoteID(noteID) {
		return nil, store.ErrNotFound
	}
	if err := s.throttle(ctx, member.UserID, s.opt.JoinRule); err != nil {
		return nil, err
	}

	note, err := s.load(ctx, noteID)
	if err != nil {
		return nil, err
	}
	grant := note.Grant()
	if !grant.CanRead(member.UserID) {
		log.Printf("[collab] join denied note=%s user=%s", noteID, member.UserID)
		return nil, ErrPermissionDenied
	}

	s.mu.Lock()
	prev, had := s.attached[conn.ConnID()]
	s.mu.Unlock()
	if had && prev.noteID != noteID {
		s.leave(ctx, conn.ConnID())
	}

	r, existing, joinedNew := s.Rooms.Join(noteID, member, conn)
	s.syncRelay(noteID)
	s.mu.Lock()
	s.attached[conn.ConnID()] = attachment{noteID: noteID, member: member}
	s.mu.Unlock()

	existing = withoutUser(existing, member.UserID)
	if s.Presence != nil {
		if err := s.Presence.Touch(ctx, noteID, member); err != nil {
			log.Printf("[collab] presence touch note=%s user=%s: %v", noteID, member.UserID, err)
		}
		if remote, err := s.Presence.Active(ctx, noteID); err == nil {
			existing = mergeMembers(existing, withoutUser(remote, member.UserID))
		}
	}
	if joinedNew {
		s.publishPresence(noteID, member, room.Joined)
	}
	if s.Sessions != nil {
		if err := s.Sessions.SetNote(ctx, conn.ConnID(), noteID); err != nil {
			log.Printf("[collab] session set note conn=%s: %v", conn.ConnID(), err)
		}
	}

	if content, editor, at, ok := r.Snapshot(); ok && at.After(note.UpdatedAt) {
		note.Content, note.LastEditor, note.UpdatedAt = content, editor, at
	}
	return &JoinResult{Note: note, Existing: existing, CanWrite: grant.CanWrite(member.UserID)}, nil
}

// Leave detaches connID from noteID. Leaving a note the connection is not in
// is a no-op and returns false.
func (s *Service) Leave(ctx context.Context, connID, noteID string) bool {
	s.mu.Lock()
	a, ok := s.attached[connID]
	s.mu.Unlock()
	if !ok || a.noteID != noteID {
		return false
	}
	return s.leave(ctx, connID)
}

// Disconnect is the forced leave for a closed connection. It is safe to call
// for connections that never joined or already left.
func (s *Service) Disconnect(ctx context.Context, connID string) {
	if s.leave(ctx, connID) {
		log.Printf("[collab] forced leave conn=%s", connID)
	}
}

// NoteOf returns the note connID is attached to.
func (s *Service) NoteOf(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attached[connID]
	return a.noteID, ok
}

func (s *Service) leave(ctx context.Context, connID string) bool {
	s.mu.Lock()
	a, ok := s.attached[connID]
	if ok {
		delete(s.attached, connID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if r := s.Rooms.Room(a.noteID); r != nil {
		member, lastConn, left := r.Leave(connID)
		if left && lastConn {
			if s.Presence != nil {
				if err := s.Presence.Remove(ctx, a.noteID, member.UserID); err != nil {
					log.Printf("[collab] presence remove note=%s user=%s: %v", a.noteID, member.UserID, err)
				}
			}
			s.publishPresence(a.noteID, member, room.Left)
		}
	}
	if s.Rooms.ReleaseIfEmpty(a.noteID) {
		s.syncRelay(a.noteID)
	}
	if s.Sessions != nil {
		if err := s.Sessions.ClearNote(ctx, connID); err != nil {
			log.Printf("[collab] session clear note conn=%s: %v", connID, err)
		}
	}
	return true
}

// syncRelay makes the relay subscription for noteID match the registry:
// subscribed while a live room exists, unsubscribed once it is gone. Every
// room creation and retirement is followed by a call, and calls for one note
// run one at a time, so the last one always sees the final state.
func (s *Service) syncRelay(noteID string) {
	if s.Relay == nil {
		return
	}
	unlock := s.relays.Lock(noteID)
	defer unlock()

	if s.Rooms.Room(noteID) != nil {
		if err := s.Relay.SubscribeNote(noteID, s.relayHandler(noteID)); err != nil {
			log.Printf("[collab] relay subscribe note=%s: %v", noteID, err)
		}
		return
	}
	if err := s.Relay.UnsubscribeNote(noteID); err != nil && !errors.Is(err, messaging.ErrNotSubscribed) {
		log.Printf("[collab] relay unsubscribe note=%s: %v", noteID, err)
	}
}

// load reads a note, collapsing concurrent loads of the same note.
func (s *Service) load(ctx context.Context, noteID string) (*store.Note, error) {
	v, err, _ := s.loads.Do(noteID, func() (interface{}, error) {
		return s.Store.LoadLatest(ctx, noteID)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("collab: load note: %w", err)
	}
	n := *v.(*store.Note)
	n.Shares = append([]store.Share(nil), n.Shares...)
	return &n, nil
}

// throttle applies rule to identifier and returns a *RateLimitError once the
// window is used up. It fails open when no limiter is set or Redis is
// unavailable.
func (s *Service) throttle(ctx context.Context, identifier string, rule ratelimit.Rule) error {
	if s.Limiter == nil || rule.Limit <= 0 {
		return nil
	}
	if ok, _ := s.Limiter.Allow(ctx, identifier, rule); ok {
		return nil
	}
	wait, err := s.Limiter.ResetIn(ctx, identifier, rule)
	if err != nil || wait <= 0 {
		wait = rule.Window
	}
	return &RateLimitError{RetryAfter: wait}
}

func (s *Service) publishPresence(noteID string, m room.Member, kind room.PresenceKind) {
	if s.Relay == nil {
		return
	}
	data, err := messaging.EncodeRelay(messaging.PresenceRelay{
		Origin:   s.opt.ServerName,
		NoteID:   noteID,
		UserID:   m.UserID,
		FullName: m.DisplayName,
		Kind:     string(kind),
	})
	if err != nil {
		return
	}
	if err := s.Relay.PublishNotePresence(noteID, data); err != nil {
		log.Printf("[collab] relay presence note=%s: %v", noteID, err)
	}
}

func withoutUser(members []room.Member, userID string) []room.Member {
	out := make([]room.Member, 0, len(members))
	for _, m := range members {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	return out
}

// mergeMembers appends the entries of extra whose user is not already in base.
func mergeMembers(base, extra []room.Member) []room.Member {
	seen := make(map[string]struct{}, len(base))
	for _, m := range base {
		seen[m.UserID] = struct{}{}
	}
	for _, m := range extra {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		base = append(base, m)
	}
	return base
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// contentOf converts wire fields into a content snapshot.
func contentOf(text, delta string) notes.Content {
	return notes.Content{Text: text, Delta: delta}
}
