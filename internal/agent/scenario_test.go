package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quicknotes/collab/internal/collab"
	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/room"
	"github.com/quicknotes/collab/internal/store"
)

// localTransport drives a collab.Service in process. It is both the agent's
// Transport and the room's Sender for the agent's connection.
type localTransport struct {
	svc    *collab.Service
	member room.Member
	connID string
	sink   Events
}

func (t *localTransport) ConnID() string { return t.connID }

func (t *localTransport) Deliver(ev room.Event) error {
	switch e := ev.(type) {
	case room.PresenceEvent:
		u := User{ID: e.Member.UserID, Name: e.Member.DisplayName}
		if e.Kind == room.Joined {
			t.sink.UserJoined(e.NoteID, u)
		} else {
			t.sink.UserLeft(e.NoteID, u)
		}
	case room.ContentUpdate:
		t.sink.NoteUpdated(RemoteUpdate{
			NoteID: e.NoteID, CommitID: e.CommitID, ModifiedBy: e.OriginName, Content: e.Content,
		})
	}
	return nil
}

func (t *localTransport) Join(ctx context.Context, noteID string) (*Session, error) {
	res, err := t.svc.Join(ctx, t, t.member, noteID)
	if errors.Is(err, collab.ErrPermissionDenied) || errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrJoinDenied, err)
	}
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(res.Existing))
	for _, m := range res.Existing {
		users = append(users, User{ID: m.UserID, Name: m.DisplayName})
	}
	return &Session{
		NoteID: noteID, Title: res.Note.Title, CanWrite: res.CanWrite,
		Content: res.Note.Content, ActiveUsers: users,
	}, nil
}

func (t *localTransport) Leave(ctx context.Context, noteID string) error {
	t.svc.Leave(ctx, t.connID, noteID)
	return nil
}

func (t *localTransport) Commit(ctx context.Context, noteID string, c notes.Content) error {
	_, err := t.svc.Commit(ctx, collab.CommitRequest{
		NoteID: noteID, UserID: t.member.UserID, DisplayName: t.member.DisplayName,
		ConnID: t.connID, Content: c,
	})
	if errors.Is(err, collab.ErrPermissionDenied) {
		return fmt.Errorf("%w: %v", ErrCommitRejected, err)
	}
	return err
}

type scenarioAgent struct {
	ctrl    *Controller
	surface *MemorySurface
	clock   *manualClock
	notices *noticeLog
}

func newScenarioAgent(svc *collab.Service, u User) *scenarioAgent {
	a := &scenarioAgent{surface: NewMemorySurface(), clock: &manualClock{}, notices: &noticeLog{}}
	tr := &localTransport{svc: svc, member: room.Member{UserID: u.ID, DisplayName: u.Name}, connID: "conn-" + u.ID}
	a.ctrl = NewController(u, a.surface, tr, nil, Options{Quiescence: time.Second, Clock: a.clock, OnNotice: a.notices.add})
	tr.sink = a.ctrl
	return a
}

func TestScenario_TwoAgentsShareANote(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	u1 := User{ID: "u1", Name: "Una"}
	u2 := User{ID: "u2", Name: "Dos"}
	_ = ms.EnsureUser(ctx, u1.ID, u1.Name)
	_ = ms.EnsureUser(ctx, u2.ID, u2.Name)
	n, err := ms.Create(ctx, u1.ID, "Plan", notes.Content{Text: "start\n"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ms.Share(ctx, n.ID, u2.ID, "Write"); err != nil {
		t.Fatal(err)
	}
	rooms := room.NewRegistry(0)
	opt := collab.DefaultOptions()
	opt.SaveRetryDelay = 0
	svc := collab.NewService(collab.Deps{Store: ms, Rooms: rooms}, opt)

	a1 := newScenarioAgent(svc, u1)
	a2 := newScenarioAgent(svc, u2)

	// U1 joins: room created with U1 only.
	if _, err := a1.ctrl.Open(ctx, n.ID); err != nil {
		t.Fatalf("U1 open: %v", err)
	}
	if r := rooms.Room(n.ID); r == nil || len(r.Members()) != 1 {
		t.Fatal("room should exist with one attachment")
	}

	// U2 joins: U1 sees joined(U2).
	s2, err := a2.ctrl.Open(ctx, n.ID)
	if err != nil {
		t.Fatalf("U2 open: %v", err)
	}
	if len(s2.ActiveUsers) != 1 || s2.ActiveUsers[0].ID != u1.ID {
		t.Errorf("U2 should see U1 present, got %+v", s2.ActiveUsers)
	}
	if r := a1.ctrl.Roster(); len(r) != 1 || r[0].ID != u2.ID {
		t.Errorf("U1 roster should contain U2, got %+v", r)
	}

	// U1 edits and pauses past the window: U2 (unfocused) receives C1.
	a1.surface.SetText("start\nmore")
	if err := a1.ctrl.LocalChange(); err != nil {
		t.Fatal(err)
	}
	a1.clock.Advance(time.Second)
	if a2.surface.Text() != "start\nmore\n" {
		t.Errorf("U2 content not updated: %q", a2.surface.Text())
	}
	if a1.ctrl.Reconciler().Stats().Applied != 0 {
		t.Error("U1 must not receive its own update")
	}
	stored, _ := ms.LoadLatest(ctx, n.ID)
	if stored.Content.Text != "start\nmore\n" || stored.LastEditor != u1.ID {
		t.Errorf("commit not persisted: %+v", stored)
	}

	// U2 leaves: U1 sees left(U2).
	if err := a2.ctrl.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if r := a1.ctrl.Roster(); len(r) != 0 {
		t.Errorf("U1 roster should be empty, got %+v", r)
	}
	kinds := a1.notices.kinds()
	if len(kinds) != 2 || kinds[0] != NoticeUserJoined || kinds[1] != NoticeUserLeft {
		t.Errorf("U1 notices: %v", kinds)
	}

	// U1 leaves: room destroyed.
	if err := a1.ctrl.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if rooms.Room(n.ID) != nil {
		t.Error("room should be discarded once empty")
	}
}

func TestScenario_ReaderJoinDeniedForPrivateNote(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	_ = ms.EnsureUser(ctx, "owner", "Owner")
	n, _ := ms.Create(ctx, "owner", "Secret", notes.Content{Text: "x\n"}, false)
	svc := collab.NewService(collab.Deps{Store: ms, Rooms: room.NewRegistry(0)}, collab.DefaultOptions())

	a := newScenarioAgent(svc, User{ID: "stranger", Name: "S"})
	if _, err := a.ctrl.Open(ctx, n.ID); !errors.Is(err, ErrJoinDenied) {
		t.Fatalf("expected ErrJoinDenied, got %v", err)
	}
	if st, _ := a.ctrl.State(); st != Idle {
		t.Errorf("expected idle, got %s", st)
	}
}
