package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/quicknotes/collab/internal/notes"
)

// fakeSender records delivered events. When fail is set every delivery
// returns an error.
type fakeSender struct {
	id   string
	fail bool

	mu     sync.Mutex
	events []Event
}

func newSender(id string) *fakeSender { return &fakeSender{id: id} }

// attached counts the connections in r.
func attached(r *Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (f *fakeSender) ConnID() string { return f.id }

func (f *fakeSender) Deliver(ev Event) error {
	if f.fail {
		return errors.New("connection closed")
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSender) updates() []ContentUpdate {
	var out []ContentUpdate
	for _, ev := range f.received() {
		if u, ok := ev.(ContentUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeSender) presence() []PresenceEvent {
	var out []PresenceEvent
	for _, ev := range f.received() {
		if p, ok := ev.(PresenceEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func userIDs(members []Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.UserID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Join / Leave
// ---------------------------------------------------------------------------

func TestJoin_ReturnsExistingAndNotifiesOthers(t *testing.T) {
	r := newRoom("n1", 0)
	c1, c2 := newSender("c1"), newSender("c2")

	existing, joinedNew, ok := r.Join(Member{UserID: "u1", DisplayName: "One"}, c1)
	if !ok || !joinedNew || len(existing) != 0 {
		t.Fatalf("first join: existing=%v joinedNew=%v ok=%v", existing, joinedNew, ok)
	}

	existing, joinedNew, _ = r.Join(Member{UserID: "u2", DisplayName: "Two"}, c2)
	if !joinedNew {
		t.Fatal("expected u2 to be a new member")
	}
	if !equalStrings(userIDs(existing), []string{"u1"}) {
		t.Errorf("expected existing [u1], got %v", userIDs(existing))
	}

	p := c1.presence()
	if len(p) != 1 || p[0].Kind != Joined || p[0].Member.UserID != "u2" {
		t.Errorf("expected c1 to receive joined(u2), got %+v", p)
	}
	if len(c2.presence()) != 0 {
		t.Errorf("joining connection must not receive its own joined event, got %+v", c2.presence())
	}
}

func TestJoin_SameUserTwiceIsNotDuplicated(t *testing.T) {
	r := newRoom("n1", 0)
	other := newSender("other")
	r.Join(Member{UserID: "u2"}, other)

	tab1, tab2 := newSender("tab1"), newSender("tab2")
	r.Join(Member{UserID: "u1"}, tab1)
	existing, joinedNew, _ := r.Join(Member{UserID: "u1"}, tab2)

	if joinedNew {
		t.Error("second connection of the same user must not count as a new member")
	}
	if !equalStrings(userIDs(existing), []string{"u2", "u1"}) {
		t.Errorf("expected snapshot [u2 u1], got %v", userIDs(existing))
	}
	if got := len(other.presence()); got != 1 {
		t.Errorf("expected exactly one joined event for u1, got %d", got)
	}
	if !equalStrings(userIDs(r.Members()), []string{"u2", "u1"}) {
		t.Errorf("expected members [u2 u1], got %v", userIDs(r.Members()))
	}
	if attached(r) != 3 {
		t.Errorf("expected 3 connections, got %d", attached(r))
	}
}

func TestLeave_LastConnectionEmitsLeft(t *testing.T) {
	r := newRoom("n1", 0)
	watcher := newSender("w")
	r.Join(Member{UserID: "w"}, watcher)
	r.Join(Member{UserID: "u1"}, newSender("tab1"))
	r.Join(Member{UserID: "u1"}, newSender("tab2"))

	_, lastConn, ok := r.Leave("tab1")
	if !ok || lastConn {
		t.Fatalf("first tab leave: lastConn=%v ok=%v", lastConn, ok)
	}
	if n := len(watcher.presence()); n != 1 {
		t.Fatalf("expected only the joined event so far, got %d events", n)
	}

	m, lastConn, ok := r.Leave("tab2")
	if !ok || !lastConn || m.UserID != "u1" {
		t.Fatalf("second tab leave: member=%+v lastConn=%v ok=%v", m, lastConn, ok)
	}
	p := watcher.presence()
	if len(p) != 2 || p[1].Kind != Left || p[1].Member.UserID != "u1" {
		t.Errorf("expected left(u1), got %+v", p)
	}
}

func TestLeave_DoubleLeaveIsNoop(t *testing.T) {
	r := newRoom("n1", 0)
	watcher := newSender("w")
	r.Join(Member{UserID: "w"}, watcher)
	r.Join(Member{UserID: "u1"}, newSender("c1"))

	r.Leave("c1")
	_, _, ok := r.Leave("c1")
	if ok {
		t.Error("second leave should report ok=false")
	}
	if got := len(watcher.presence()); got != 2 {
		t.Errorf("expected joined+left only, got %d events", got)
	}
}

func TestMembership_MatchesOutstandingJoins(t *testing.T) {
	r := newRoom("n1", 0)
	ops := []struct {
		join bool
		conn string
		user string
	}{
		{true, "a1", "a"}, {true, "b1", "b"}, {true, "a2", "a"},
		{false, "a1", "a"}, {true, "c1", "c"}, {false, "b1", "b"},
		{false, "b1", "b"}, {false, "zz", "z"}, {true, "b2", "b"},
	}
	outstanding := map[string]string{}
	for _, op := range ops {
		if op.join {
			r.Join(Member{UserID: op.user}, newSender(op.conn))
			outstanding[op.conn] = op.user
		} else {
			r.Leave(op.conn)
			delete(outstanding, op.conn)
		}

		want := map[string]bool{}
		for _, u := range outstanding {
			want[u] = true
		}
		got := r.Members()
		if len(got) != len(want) {
			t.Fatalf("after %+v: expected %d members, got %v", op, len(want), userIDs(got))
		}
		for _, m := range got {
			if !want[m.UserID] {
				t.Fatalf("after %+v: unexpected member %q", op, m.UserID)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

func TestBroadcast_ExcludesOriginator(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("size_%d", n), func(t *testing.T) {
			r := newRoom("n1", 0)
			senders := make([]*fakeSender, n)
			for i := range senders {
				senders[i] = newSender(fmt.Sprintf("c%d", i))
				r.Join(Member{UserID: fmt.Sprintf("u%d", i)}, senders[i])
			}

			got := r.Broadcast(ContentUpdate{NoteID: "n1", OriginUserID: "u0", Content: notes.Content{Text: "x"}})
			if got != n-1 {
				t.Errorf("expected %d deliveries, got %d", n-1, got)
			}
			if len(senders[0].updates()) != 0 {
				t.Error("originator received its own update")
			}
			for _, s := range senders[1:] {
				if len(s.updates()) != 1 {
					t.Errorf("%s expected 1 update, got %d", s.id, len(s.updates()))
				}
			}
		})
	}
}

func TestBroadcast_ExcludesOriginatorOtherTabs(t *testing.T) {
	r := newRoom("n1", 0)
	tab1, tab2, peer := newSender("tab1"), newSender("tab2"), newSender("peer")
	r.Join(Member{UserID: "u1"}, tab1)
	r.Join(Member{UserID: "u1"}, tab2)
	r.Join(Member{UserID: "u2"}, peer)

	if got := r.Broadcast(ContentUpdate{NoteID: "n1", OriginUserID: "u1", OriginConnID: "tab1"}); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
	if len(tab2.updates()) != 0 {
		t.Error("update leaked to another connection of the originating user")
	}
}

func TestBroadcast_FailureIsIsolated(t *testing.T) {
	r := newRoom("n1", 2)
	origin := newSender("origin")
	r.Join(Member{UserID: "origin"}, origin)

	var healthy []*fakeSender
	for i := 0; i < 6; i++ {
		s := newSender(fmt.Sprintf("c%d", i))
		if i == 3 {
			s.fail = true
		} else {
			healthy = append(healthy, s)
		}
		r.Join(Member{UserID: s.id}, s)
	}

	got := r.Broadcast(ContentUpdate{NoteID: "n1", OriginUserID: "origin"})
	if got != len(healthy) {
		t.Errorf("expected %d deliveries, got %d", len(healthy), got)
	}
	for _, s := range healthy {
		if len(s.updates()) != 1 {
			t.Errorf("%s missed the update", s.id)
		}
	}
}

func TestBroadcast_RecordsSnapshot(t *testing.T) {
	r := newRoom("n1", 0)
	if _, _, _, ok := r.Snapshot(); ok {
		t.Fatal("new room should have no snapshot")
	}
	c := notes.Content{Delta: `{"ops":[{"insert":"v2\n"}]}`, Text: "v2\n"}
	r.Broadcast(ContentUpdate{NoteID: "n1", OriginUserID: "u9", Content: c})

	got, editor, at, ok := r.Snapshot()
	if !ok || got != c || editor != "u9" || at.IsZero() {
		t.Errorf("unexpected snapshot: %+v editor=%q at=%v ok=%v", got, editor, at, ok)
	}
}

func TestAnnounce_RemoteUser(t *testing.T) {
	r := newRoom("n1", 0)
	local := newSender("c1")
	r.Join(Member{UserID: "u1"}, local)

	n := r.Announce(PresenceEvent{NoteID: "n1", Member: Member{UserID: "remote"}, Kind: Joined})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(r.Members()) != 1 {
		t.Error("announce must not change membership")
	}

	if n := r.Announce(PresenceEvent{NoteID: "n1", Member: Member{UserID: "u1"}, Kind: Left}); n != 0 {
		t.Errorf("announce for a locally attached user should be skipped, got %d deliveries", n)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentJoinLeave(t *testing.T) {
	r := newRoom("n1", 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Join(Member{UserID: fmt.Sprintf("u%d", i%10)}, newSender(id))
			if i%2 == 0 {
				r.Leave(id)
			}
			r.Broadcast(ContentUpdate{NoteID: "n1", OriginUserID: "u0"})
		}(i)
	}
	wg.Wait()

	if attached(r) != 25 {
		t.Errorf("expected 25 connections, got %d", attached(r))
	}
	seen := map[string]bool{}
	for _, m := range r.Members() {
		if seen[m.UserID] {
			t.Fatalf("duplicate member %q", m.UserID)
		}
		seen[m.UserID] = true
	}
	// odd i only: users u1, u3, u5, u7, u9
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct members, got %d", len(seen))
	}
}
