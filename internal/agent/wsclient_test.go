package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/protocol"
)

// scriptedServer upgrades every request carrying the expected token and
// hands the connection to script after sending session_created.
func scriptedServer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		serverSend(conn, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: "sess-1", UserID: "u-me"})
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func serverSend(conn net.Conn, msgType string, payload interface{}) {
	data, _ := protocol.NewServerMessage(msgType, payload)
	_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
}

func serverRead(conn net.Conn) interface{} {
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		return nil
	}
	_, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		return nil
	}
	return msg
}

type eventRecorder struct {
	mu           sync.Mutex
	joined       []User
	updates      []RemoteUpdate
	disconnected chan struct{}
	once         sync.Once
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{disconnected: make(chan struct{})}
}

func (e *eventRecorder) UserJoined(_ string, u User) {
	e.mu.Lock()
	e.joined = append(e.joined, u)
	e.mu.Unlock()
}
func (e *eventRecorder) UserLeft(string, User) {}
func (e *eventRecorder) NoteUpdated(u RemoteUpdate) {
	e.mu.Lock()
	e.updates = append(e.updates, u)
	e.mu.Unlock()
}
func (e *eventRecorder) Disconnected(error) { e.once.Do(func() { close(e.disconnected) }) }

func TestWSClient_Session(t *testing.T) {
	url := scriptedServer(t, func(conn net.Conn) {
		if m, ok := serverRead(conn).(protocol.JoinNoteMsg); ok {
			serverSend(conn, protocol.TypeNoteJoined, protocol.NoteJoinedMsg{
				NoteID:      m.NoteID,
				Title:       "Plans",
				CanWrite:    true,
				Content:     "hello\n",
				ActiveUsers: []protocol.UserEntry{{UserID: "u-alice", FullName: "Alice"}},
			})
		}
		if m, ok := serverRead(conn).(protocol.CommitMsg); ok {
			serverSend(conn, protocol.TypeCommitAck, protocol.CommitAckMsg{NoteID: m.NoteID, CommitID: m.CommitID, Delivered: 1})
		}
		serverSend(conn, protocol.TypeUserJoined, protocol.UserPresenceMsg{NoteID: "n1", UserID: "u-bob", FullName: "Bob"})
		serverSend(conn, protocol.TypeNoteUpdated, protocol.NoteUpdatedMsg{NoteID: "n1", CommitID: "c9", Content: "from bob\n", ModifiedBy: "Bob"})
		if m, ok := serverRead(conn).(protocol.LeaveNoteMsg); ok {
			serverSend(conn, protocol.TypeNoteLeft, protocol.NoteLeftMsg{NoteID: m.NoteID})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if c.SessionID() != "sess-1" {
		t.Errorf("session id not recorded: %q", c.SessionID())
	}
	rec := newEventRecorder()
	c.SetEvents(rec)

	s, err := c.Join(ctx, "n1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if s.Title != "Plans" || !s.CanWrite || s.Content.Text != "hello\n" || len(s.ActiveUsers) != 1 {
		t.Errorf("unexpected session %+v", s)
	}
	if err := c.Commit(ctx, "n1", notes.Content{Text: "mine\n"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := c.Leave(ctx, "n1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	select {
	case <-rec.disconnected:
	case <-ctx.Done():
		t.Fatal("disconnect not reported")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.joined) != 1 || rec.joined[0].ID != "u-bob" {
		t.Errorf("presence not delivered: %+v", rec.joined)
	}
	if len(rec.updates) != 1 || rec.updates[0].Content.Text != "from bob\n" {
		t.Errorf("update not delivered: %+v", rec.updates)
	}
	if _, err := c.Join(ctx, "n1"); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable after disconnect, got %v", err)
	}
}

func TestWSClient_Rejections(t *testing.T) {
	url := scriptedServer(t, func(conn net.Conn) {
		if m, ok := serverRead(conn).(protocol.JoinNoteMsg); ok {
			serverSend(conn, protocol.TypeJoinDenied, protocol.JoinDeniedMsg{NoteID: m.NoteID, Code: protocol.CodePermissionDenied, Message: "no"})
		}
		if m, ok := serverRead(conn).(protocol.CommitMsg); ok {
			serverSend(conn, protocol.TypeCommitRejected, protocol.CommitRejectedMsg{NoteID: m.NoteID, CommitID: m.CommitID, Code: protocol.CodePermissionDenied})
		}
		if m, ok := serverRead(conn).(protocol.CommitMsg); ok {
			serverSend(conn, protocol.TypeSaveFailed, protocol.SaveFailedMsg{NoteID: m.NoteID, CommitID: m.CommitID})
		}
		serverRead(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Join(ctx, "n1"); !errors.Is(err, ErrJoinDenied) {
		t.Errorf("expected ErrJoinDenied, got %v", err)
	}
	if err := c.Commit(ctx, "n1", notes.Content{Text: "x\n"}); !errors.Is(err, ErrCommitRejected) {
		t.Errorf("expected ErrCommitRejected, got %v", err)
	}
	if err := c.Commit(ctx, "n1", notes.Content{Text: "x\n"}); !errors.Is(err, ErrSaveFailed) {
		t.Errorf("expected ErrSaveFailed, got %v", err)
	}
}

func TestDial_Unauthorized(t *testing.T) {
	url := scriptedServer(t, func(net.Conn) {})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, url, "wrong"); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable, got %v", err)
	}
}
