// Package agent is the client side of a note session: a Reconciler that
// debounces local edits into full-state commits and decides whether remote
// updates may replace local state, and a Controller that owns the single
// active note of one agent.
package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/quicknotes/collab/internal/notes"
)

// DefaultQuiescence is the delay after the last local change before a commit.
const DefaultQuiescence = time.Second

const commitTimeout = 15 * time.Second

// Surface is the local editing surface.
type Surface interface {
	// Focused reports whether the user is currently editing.
	Focused() bool
	// Content returns the entire current state.
	Content() notes.Content
	// Replace installs doc as the entire state. It must not be reported back
	// as a local change.
	Replace(doc *notes.Delta)
}

// CommitFunc submits a full-state snapshot for broadcast and persistence.
type CommitFunc func(ctx context.Context, c notes.Content) error

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock schedules the debounce timer.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SaveState is the visible save status of the local content.
type SaveState int

const (
	Saved SaveState = iota
	Dirty
	Saving
	SaveFailed
)

func (s SaveState) String() string {
	switch s {
	case Saved:
		return "saved"
	case Dirty:
		return "unsaved"
	case Saving:
		return "saving"
	case SaveFailed:
		return "save failed"
	}
	return "unknown"
}

// RemoteUpdate is a committed snapshot that arrived from another user.
type RemoteUpdate struct {
	NoteID     string
	CommitID   string
	ModifiedBy string
	Content    notes.Content
}

// Stats counts reconciler outcomes.
type Stats struct {
	Commits      int
	Applied      int
	Dropped      int
	FallbackUsed int
}

// Reconciler debounces local changes into commits and gates remote updates
// on surface focus. At most one commit is scheduled at a time.
type Reconciler struct {
	surface Surface
	commit  CommitFunc
	window  time.Duration
	clock   Clock

	mu      sync.Mutex
	timer   Timer
	gen     uint64
	state   SaveState
	lastErr error
	stats   Stats
}

// NewReconciler creates a Reconciler. A non-positive window selects
// DefaultQuiescence; a nil clock uses the wall clock.
func NewReconciler(surface Surface, commit CommitFunc, window time.Duration, clock Clock) *Reconciler {
	if window <= 0 {
		window = DefaultQuiescence
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Reconciler{surface: surface, commit: commit, window: window, clock: clock}
}

// LocalChange records a local edit and restarts the quiescence timer.
func (r *Reconciler) LocalChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.state = Dirty
	g := r.gen
	r.timer = r.clock.AfterFunc(r.window, func() { _ = r.fire(g) })
}

// SaveNow commits the current state immediately, replacing any pending
// timer. It returns the commit error.
func (r *Reconciler) SaveNow() error {
	r.mu.Lock()
	r.stopLocked()
	g := r.gen
	r.mu.Unlock()
	return r.fire(g)
}

// Cancel drops a pending commit. A commit already running finishes.
func (r *Reconciler) Cancel() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
}

// Pending reports whether a commit is scheduled.
func (r *Reconciler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// State returns the save status and the last commit error.
func (r *Reconciler) State() (SaveState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.lastErr
}

// Stats returns a copy of the counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// ApplyRemote installs u unless the surface has focus, in which case the
// update is dropped and the local edit wins. It reports whether u was applied.
func (r *Reconciler) ApplyRemote(u RemoteUpdate) bool {
	if r.surface.Focused() {
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		return false
	}

	doc, fallback := notes.Resolve(u.Content)
	fellBack := fallback && u.Content.Delta != ""
	if fellBack {
		log.Printf("[agent] note=%s commit=%s: delta unreadable, using plain text", u.NoteID, u.CommitID)
	}
	r.surface.Replace(doc)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Local state is now the remote snapshot; nothing of ours is left to send.
	r.stopLocked()
	if r.state != Saving {
		r.state = Saved
	}
	r.stats.Applied++
	if fellBack {
		r.stats.FallbackUsed++
	}
	return true
}

// stopLocked cancels the scheduled commit and invalidates a timer that has
// already fired but not yet run.
func (r *Reconciler) stopLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconciler) fire(g uint64) error {
	r.mu.Lock()
	if g != r.gen {
		r.mu.Unlock()
		return nil
	}
	r.timer = nil
	r.state = Saving
	snapshot := r.surface.Content()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	err := r.commit(ctx, snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Commits++
	switch {
	case err != nil:
		r.state = SaveFailed
		r.lastErr = err
		log.Printf("[agent] commit failed, local edits kept: %v", err)
	case r.timer != nil:
		r.state = Dirty
	default:
		r.state = Saved
		r.lastErr = nil
	}
	return err
}
