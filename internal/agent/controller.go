package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/quicknotes/collab/internal/notes"
)

var (
	// ErrJoinDenied is returned by Open when the server refuses the join.
	ErrJoinDenied = errors.New("agent: join denied")
	// ErrTransportUnavailable means the event channel is absent or dropped.
	ErrTransportUnavailable = errors.New("agent: transport unavailable")
	// ErrCommitRejected means the server refused a commit (not a writer,
	// invalid payload).
	ErrCommitRejected = errors.New("agent: commit rejected")
	// ErrSaveFailed means the store could not persist a commit.
	ErrSaveFailed = errors.New("agent: save failed")
	// ErrRateLimited means the server throttled the request.
	ErrRateLimited = errors.New("agent: rate limited")
	// ErrNoActiveNote is returned by edits made while no note is open.
	ErrNoActiveNote = errors.New("agent: no active note")
	// ErrReadOnly is returned by edits on a note the user cannot write.
	ErrReadOnly = errors.New("agent: note is read-only")
	// ErrOpenAborted is returned by Open when Terminate ran while the join
	// was in flight.
	ErrOpenAborted = errors.New("agent: open aborted")
)

// User is an attendee as seen by the agent.
type User struct {
	ID   string `json:"user_id"`
	Name string `json:"full_name"`
}

// Session is the server's answer to a join.
type Session struct {
	NoteID      string
	Title       string
	CanWrite    bool
	Content     notes.Content
	ActiveUsers []User
}

// Transport carries lifecycle requests and commits to the server.
type Transport interface {
	Join(ctx context.Context, noteID string) (*Session, error)
	Leave(ctx context.Context, noteID string) error
	Commit(ctx context.Context, noteID string, c notes.Content) error
}

// State is the lifecycle state of a Controller.
type State int

const (
	Idle State = iota
	Joining
	Active
	Leaving
)

func (s State) String() string {
	return [...]string{"idle", "joining", "active", "leaving"}[s]
}

// NoticeKind classifies what a Notice reports.
type NoticeKind string

const (
	NoticeUserJoined NoticeKind = "user_joined"
	NoticeUserLeft   NoticeKind = "user_left"
	NoticeApplied    NoticeKind = "update_applied"
	NoticeDropped    NoticeKind = "update_dropped"
	NoticeDegraded   NoticeKind = "local_only"
)

// Notice is a user-visible event raised by the Controller.
type Notice struct {
	Kind   NoticeKind
	NoteID string
	User   User
}

// Options tunes a Controller.
type Options struct {
	Quiescence time.Duration
	Clock      Clock
	// OnNotice, when set, is called outside the controller's locks.
	OnNotice func(Notice)
}

// Controller owns the single active note session of one agent. The event
// channel delivers to UserJoined, UserLeft, NoteUpdated and Disconnected.
type Controller struct {
	self     User
	surface  Surface
	events   Transport
	requests Transport
	opt      Options

	opMu sync.Mutex // serializes Open and Close

	mu       sync.Mutex
	state    State
	noteID   string
	session  *Session
	rec      *Reconciler
	roster   mapset.Set[string]
	names    map[string]string
	degraded bool
	queued   []func()
}

// NewController creates a Controller for self. events is the event channel
// and may be nil; requests is the request channel used when events is
// unavailable.
func NewController(self User, surface Surface, events, requests Transport, opt Options) *Controller {
	return &Controller{
		self:     self,
		surface:  surface,
		events:   events,
		requests: requests,
		opt:      opt,
		roster:   mapset.NewSet[string](),
		names:    make(map[string]string),
		degraded: events == nil,
	}
}

// Open makes noteID the active note, leaving the previous one first. A
// refused join returns an error wrapping ErrJoinDenied and leaves the
// controller Idle.
func (c *Controller) Open(ctx context.Context, noteID string) (*Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == Active && c.noteID == noteID {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	wasActive := c.state == Active
	c.mu.Unlock()
	if wasActive {
		if err := c.leave(ctx); err != nil {
			log.Printf("[agent] leave before open: %v", err)
		}
	}

	c.mu.Lock()
	c.state = Joining
	c.noteID = noteID
	c.queued = nil
	c.mu.Unlock()

	s, err := c.join(ctx, noteID)
	if err != nil {
		c.mu.Lock()
		c.state = Idle
		c.noteID = ""
		c.queued = nil
		c.mu.Unlock()
		return nil, err
	}

	doc, _ := notes.Resolve(s.Content)

	c.mu.Lock()
	if c.state != Joining || c.noteID != noteID {
		// Terminated mid-join. Its leave may have reached the server before
		// the join did, so leave again.
		t := c.transportLocked()
		c.mu.Unlock()
		c.leaveAsync(t, noteID)
		return nil, fmt.Errorf("%w: %s", ErrOpenAborted, noteID)
	}
	c.surface.Replace(doc)
	c.session = s
	c.roster.Clear()
	c.names = make(map[string]string)
	for _, u := range s.ActiveUsers {
		c.addLocked(u)
	}
	c.rec = NewReconciler(c.surface, c.commitFunc(noteID), c.opt.Quiescence, c.opt.Clock)
	c.state = Active
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	for _, f := range queued {
		f()
	}
	log.Printf("[agent] opened note=%s can_write=%t users=%d", noteID, s.CanWrite, len(s.ActiveUsers))
	return s, nil
}

func (c *Controller) join(ctx context.Context, noteID string) (*Session, error) {
	c.mu.Lock()
	degraded := c.degraded
	c.mu.Unlock()

	if !degraded {
		s, err := c.events.Join(ctx, noteID)
		if !errors.Is(err, ErrTransportUnavailable) {
			return s, err
		}
		c.degrade(noteID)
	}
	if c.requests == nil {
		return nil, ErrTransportUnavailable
	}
	return c.requests.Join(ctx, noteID)
}

// Close leaves the active note. The pending commit, if any, is cancelled.
func (c *Controller) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	active := c.state == Active
	c.mu.Unlock()
	if !active {
		return nil
	}
	return c.leave(ctx)
}

func (c *Controller) leave(ctx context.Context) error {
	c.mu.Lock()
	noteID := c.noteID
	c.state = Leaving
	if c.rec != nil {
		c.rec.Cancel()
	}
	t := c.transportLocked()
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.Leave(ctx, noteID)
	}

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("agent: leave %s: %w", noteID, err)
	}
	return nil
}

// Terminate abandons the active note without waiting. The leave request is
// sent in the background and its outcome ignored.
func (c *Controller) Terminate() {
	c.mu.Lock()
	if c.state != Active && c.state != Joining {
		c.mu.Unlock()
		return
	}
	noteID := c.noteID
	if c.rec != nil {
		c.rec.Cancel()
	}
	t := c.transportLocked()
	c.resetLocked()
	c.mu.Unlock()
	c.leaveAsync(t, noteID)
}

// leaveAsync sends a best-effort leave in the background.
func (c *Controller) leaveAsync(t Transport, noteID string) {
	if t == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = t.Leave(ctx, noteID)
	}()
}

func (c *Controller) resetLocked() {
	c.state = Idle
	c.noteID = ""
	c.session = nil
	c.rec = nil
	c.roster.Clear()
	c.names = make(map[string]string)
	c.queued = nil
}

// LocalChange reports a local edit to the active note.
func (c *Controller) LocalChange() error {
	rec, err := c.writable()
	if err != nil {
		return err
	}
	rec.LocalChange()
	return nil
}

// Save commits the active note immediately.
func (c *Controller) Save() error {
	rec, err := c.writable()
	if err != nil {
		return err
	}
	return rec.SaveNow()
}

func (c *Controller) writable() (*Reconciler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return nil, ErrNoActiveNote
	}
	if !c.session.CanWrite {
		return nil, ErrReadOnly
	}
	return c.rec, nil
}

func (c *Controller) commitFunc(noteID string) CommitFunc {
	return func(ctx context.Context, content notes.Content) error {
		c.mu.Lock()
		t := c.transportLocked()
		degraded := c.degraded
		c.mu.Unlock()
		if t == nil {
			return ErrTransportUnavailable
		}
		err := t.Commit(ctx, noteID, content)
		if errors.Is(err, ErrTransportUnavailable) && !degraded && c.requests != nil {
			c.degrade(noteID)
			err = c.requests.Commit(ctx, noteID, content)
		}
		return err
	}
}

func (c *Controller) transportLocked() Transport {
	if c.degraded {
		return c.requests
	}
	return c.events
}

// degrade switches to local-only editing over the request channel.
func (c *Controller) degrade(noteID string) {
	c.mu.Lock()
	already := c.degraded
	c.degraded = true
	c.mu.Unlock()
	if !already {
		log.Printf("[agent] event channel unavailable, editing note=%s locally", noteID)
		c.notify(Notice{Kind: NoticeDegraded, NoteID: noteID})
	}
}

// ---------------------------------------------------------------------------
// Events from the server
// ---------------------------------------------------------------------------

// UserJoined records u as attending noteID.
func (c *Controller) UserJoined(noteID string, u User) {
	if c.deferred(noteID, func() { c.UserJoined(noteID, u) }) {
		return
	}
	c.mu.Lock()
	if c.state != Active || c.noteID != noteID || u.ID == c.self.ID {
		c.mu.Unlock()
		return
	}
	added := c.addLocked(u)
	c.mu.Unlock()
	if added {
		c.notify(Notice{Kind: NoticeUserJoined, NoteID: noteID, User: u})
	}
}

// UserLeft removes userID from the roster of noteID.
func (c *Controller) UserLeft(noteID string, u User) {
	if c.deferred(noteID, func() { c.UserLeft(noteID, u) }) {
		return
	}
	c.mu.Lock()
	if c.state != Active || c.noteID != noteID || !c.roster.Contains(u.ID) {
		c.mu.Unlock()
		return
	}
	c.roster.Remove(u.ID)
	if u.Name == "" {
		u.Name = c.names[u.ID]
	}
	delete(c.names, u.ID)
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticeUserLeft, NoteID: noteID, User: u})
}

// NoteUpdated hands a remote snapshot to the reconciler. Updates for any
// note other than the active one are ignored.
func (c *Controller) NoteUpdated(u RemoteUpdate) {
	if c.deferred(u.NoteID, func() { c.NoteUpdated(u) }) {
		return
	}
	c.mu.Lock()
	if c.state != Active || c.noteID != u.NoteID {
		c.mu.Unlock()
		return
	}
	rec := c.rec
	c.mu.Unlock()

	kind := NoticeDropped
	if rec.ApplyRemote(u) {
		kind = NoticeApplied
	}
	c.notify(Notice{Kind: kind, NoteID: u.NoteID, User: User{ID: u.ModifiedBy}})
}

// Disconnected is called when the event channel drops.
func (c *Controller) Disconnected(err error) {
	c.mu.Lock()
	noteID := c.noteID
	c.mu.Unlock()
	log.Printf("[agent] event channel closed: %v", err)
	c.degrade(noteID)
}

// deferred queues f while noteID is still joining so events are applied on
// top of the join snapshot.
func (c *Controller) deferred(noteID string, f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Joining && c.noteID == noteID {
		c.queued = append(c.queued, f)
		return true
	}
	return false
}

func (c *Controller) addLocked(u User) bool {
	if u.ID == c.self.ID {
		return false
	}
	c.names[u.ID] = u.Name
	return c.roster.Add(u.ID)
}

func (c *Controller) notify(n Notice) {
	if c.opt.OnNotice != nil {
		c.opt.OnNotice(n)
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// State returns the lifecycle state and the active note id.
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.noteID
}

// Roster returns the other users attending the active note, sorted by id.
func (c *Controller) Roster() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.roster.ToSlice()
	sort.Strings(ids)
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		out = append(out, User{ID: id, Name: c.names[id]})
	}
	return out
}

// Reconciler returns the reconciler of the active note, or nil.
func (c *Controller) Reconciler() *Reconciler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

// Degraded reports whether the agent is editing over the request channel only.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}
