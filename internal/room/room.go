package room

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quicknotes/collab/internal/metrics"
	"github.com/quicknotes/collab/internal/notes"
)

// DefaultFanoutLimit bounds concurrent deliveries for one event.
const DefaultFanoutLimit = 32

type attachment struct {
	member Member
	conn   Sender
	seq    uint64
}

// Room holds the attachment state of one note. Membership changes and the
// recipient snapshot for each event are taken under mu; deliveries happen
// after it is released.
type Room struct {
	noteID      string
	fanoutLimit int

	mu         sync.Mutex
	conns      map[string]*attachment // conn id -> attachment
	seq        uint64
	retired    bool
	snapshot   notes.Content
	hasContent bool
	lastEditor string
	updatedAt  time.Time
}

func newRoom(noteID string, fanoutLimit int) *Room {
	if fanoutLimit <= 0 {
		fanoutLimit = DefaultFanoutLimit
	}
	return &Room{
		noteID:      noteID,
		fanoutLimit: fanoutLimit,
		conns:       make(map[string]*attachment),
	}
}

// NoteID returns the note this room belongs to.
func (r *Room) NoteID() string { return r.noteID }

// Join attaches conn for member. existing is the de-duplicated attendee list
// from before the join. joinedNew is false when the user already had another
// connection in the room, in which case no presence event is emitted.
// ok is false when the room was retired by the registry concurrently; the
// caller must acquire a fresh room and retry.
func (r *Room) Join(member Member, conn Sender) (existing []Member, joinedNew bool, ok bool) {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return nil, false, false
	}
	existing = r.membersLocked()
	joinedNew = !r.hasUserLocked(member.UserID)

	if _, dup := r.conns[conn.ConnID()]; !dup {
		r.seq++
		r.conns[conn.ConnID()] = &attachment{member: member, conn: conn, seq: r.seq}
		metrics.AttachedUsers.Inc()
	}

	var recipients []Sender
	if joinedNew {
		recipients = r.recipientsLocked(func(a *attachment) bool { return a.conn.ConnID() != conn.ConnID() })
	}
	r.mu.Unlock()

	if joinedNew {
		log.Printf("[room] joined note=%s user=%s conn=%s", r.noteID, member.UserID, conn.ConnID())
		metrics.PresenceEvents.WithLabelValues(string(Joined)).Inc()
		r.fanout(recipients, PresenceEvent{NoteID: r.noteID, Member: member, Kind: Joined})
	}
	return existing, joinedNew, true
}

// Leave detaches connID. lastConn reports whether it was the user's last
// connection, in which case a left event was sent to the remaining members.
// Leaving an unknown connection is a no-op with ok false.
func (r *Room) Leave(connID string) (member Member, lastConn bool, ok bool) {
	r.mu.Lock()
	a, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return Member{}, false, false
	}
	delete(r.conns, connID)
	metrics.AttachedUsers.Dec()
	member = a.member
	lastConn = !r.hasUserLocked(member.UserID)

	var recipients []Sender
	if lastConn {
		recipients = r.recipientsLocked(func(*attachment) bool { return true })
	}
	r.mu.Unlock()

	if lastConn {
		log.Printf("[room] left note=%s user=%s conn=%s", r.noteID, member.UserID, connID)
		metrics.PresenceEvents.WithLabelValues(string(Left)).Inc()
		r.fanout(recipients, PresenceEvent{NoteID: r.noteID, Member: member, Kind: Left})
	}
	return member, lastConn, true
}

// Broadcast records update as the room's latest snapshot and delivers it to
// every attached connection whose user is not the originator. It returns the
// number of successful deliveries; failures are logged and never returned.
func (r *Room) Broadcast(update ContentUpdate) int {
	r.mu.Lock()
	if update.CommittedAt.IsZero() {
		update.CommittedAt = time.Now()
	}
	r.snapshot = update.Content
	r.hasContent = true
	r.lastEditor = update.OriginUserID
	r.updatedAt = update.CommittedAt
	recipients := r.recipientsLocked(func(a *attachment) bool {
		return a.member.UserID != update.OriginUserID
	})
	r.mu.Unlock()

	return r.fanout(recipients, update)
}

// Announce delivers a presence event for a user who is not attached here
// (another server, or an agent without an event channel) to every local
// connection. Membership is unchanged. Announcing a user who is attached
// locally is a no-op.
func (r *Room) Announce(ev PresenceEvent) int {
	r.mu.Lock()
	if r.hasUserLocked(ev.Member.UserID) {
		r.mu.Unlock()
		return 0
	}
	recipients := r.recipientsLocked(func(*attachment) bool { return true })
	r.mu.Unlock()

	metrics.PresenceEvents.WithLabelValues(string(ev.Kind)).Inc()
	return r.fanout(recipients, ev)
}

// Snapshot returns the last content broadcast through the room. ok is false
// until the first broadcast.
func (r *Room) Snapshot() (content notes.Content, lastEditor string, updatedAt time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot, r.lastEditor, r.updatedAt, r.hasContent
}

// Members returns attached users de-duplicated by user id, in join order.
func (r *Room) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

// retireIfEmpty marks the room retired when it has no connections. Called by
// the registry with its own lock held.
func (r *Room) retireIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) > 0 {
		return false
	}
	r.retired = true
	return true
}

func (r *Room) membersLocked() []Member {
	ordered := make([]*attachment, 0, len(r.conns))
	for _, a := range r.conns {
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	seen := make(map[string]struct{}, len(ordered))
	out := make([]Member, 0, len(ordered))
	for _, a := range ordered {
		if _, dup := seen[a.member.UserID]; dup {
			continue
		}
		seen[a.member.UserID] = struct{}{}
		out = append(out, a.member)
	}
	return out
}

func (r *Room) hasUserLocked(userID string) bool {
	for _, a := range r.conns {
		if a.member.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Room) recipientsLocked(keep func(*attachment) bool) []Sender {
	out := make([]Sender, 0, len(r.conns))
	for _, a := range r.conns {
		if keep(a) {
			out = append(out, a.conn)
		}
	}
	return out
}

// fanout delivers ev to every recipient concurrently. A failed delivery does
// not stop the others.
func (r *Room) fanout(recipients []Sender, ev Event) int {
	if len(recipients) == 0 {
		return 0
	}
	var delivered int64
	var g errgroup.Group
	g.SetLimit(r.fanoutLimit)
	for _, s := range recipients {
		s := s
		g.Go(func() error {
			if err := s.Deliver(ev); err != nil {
				log.Printf("[room] deliver failed note=%s conn=%s: %v", r.noteID, s.ConnID(), err)
				metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
				return nil
			}
			atomic.AddInt64(&delivered, 1)
			metrics.BroadcastDeliveries.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered)
}
