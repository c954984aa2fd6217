package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/protocol"
)

// Events receives what the server pushes on the event channel. Controller
// implements it.
type Events interface {
	UserJoined(noteID string, u User)
	UserLeft(noteID string, u User)
	NoteUpdated(u RemoteUpdate)
	Disconnected(err error)
}

// keepaliveInterval is how often the client pings to keep its session alive.
const keepaliveInterval = 30 * time.Second

type joinReply struct {
	session *Session
	err     error
}

// WSClient is the event-channel Transport. It connects with gobwas/ws,
// waits for session_created and correlates join, leave and commit replies
// with the requests that caused them.
type WSClient struct {
	conn      net.Conn
	sessionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	events  Events
	joins   map[string]chan joinReply
	leaves  map[string]chan struct{}
	commits map[string]chan error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url with token and returns once the server has created
// the session or ctx expires.
func Dial(ctx context.Context, url, token string) (*WSClient, error) {
	d := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"Authorization": []string{"Bearer " + token}}),
	}
	conn, _, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrTransportUnavailable, err)
	}

	c := &WSClient{
		conn:    conn,
		joins:   make(map[string]chan joinReply),
		leaves:  make(map[string]chan struct{}),
		commits: make(map[string]chan error),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.ready:
	case <-c.done:
		return nil, fmt.Errorf("%w: closed before session was created", ErrTransportUnavailable)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	go c.keepalive()
	return c, nil
}

// SetEvents sets the sink for pushed events.
func (c *WSClient) SetEvents(e Events) {
	c.mu.Lock()
	c.events = e
	c.mu.Unlock()
}

// SessionID returns the id the server assigned to this connection.
func (c *WSClient) SessionID() string {
	return c.sessionID
}

// Close closes the connection. It is safe to call multiple times.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Join sends join_note and waits for note_joined or join_denied.
func (c *WSClient) Join(ctx context.Context, noteID string) (*Session, error) {
	ch := make(chan joinReply, 1)
	c.mu.Lock()
	c.joins[noteID] = ch
	c.mu.Unlock()
	defer c.forget(func() { delete(c.joins, noteID) })

	if err := c.send(protocol.TypeJoinNote, protocol.JoinNoteMsg{NoteID: noteID}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.session, r.err
	case <-c.done:
		return nil, ErrTransportUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Leave sends leave_note and waits for the acknowledgment.
func (c *WSClient) Leave(ctx context.Context, noteID string) error {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.leaves[noteID] = ch
	c.mu.Unlock()
	defer c.forget(func() { delete(c.leaves, noteID) })

	if err := c.send(protocol.TypeLeaveNote, protocol.LeaveNoteMsg{NoteID: noteID}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-c.done:
		return ErrTransportUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit sends the full state of noteID and waits for the server's verdict.
func (c *WSClient) Commit(ctx context.Context, noteID string, content notes.Content) error {
	commitID := uuid.NewString()
	ch := make(chan error, 1)
	c.mu.Lock()
	c.commits[commitID] = ch
	c.mu.Unlock()
	defer c.forget(func() { delete(c.commits, commitID) })

	err := c.send(protocol.TypeCommit, protocol.CommitMsg{
		NoteID:       noteID,
		CommitID:     commitID,
		Content:      content.Text,
		ContentDelta: content.Delta,
	})
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-c.done:
		return ErrTransportUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSClient) forget(f func()) {
	c.mu.Lock()
	f()
	c.mu.Unlock()
}

func (c *WSClient) send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrTransportUnavailable
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (c *WSClient) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(protocol.TypePing, protocol.PingMsg{}); err != nil {
				return
			}
		}
	}
}

// readLoop reads server frames until the connection closes. Pings from the
// server's heartbeat are answered by wsutil.
func (c *WSClient) readLoop() {
	var readErr error
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			readErr = err
			break
		}
		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[agent] bad server message type=%q: %v", msgType, err)
			continue
		}
		c.handle(msg)
	}

	select {
	case <-c.done:
		return
	default:
	}
	c.Close()
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	if ev != nil {
		ev.Disconnected(readErr)
	}
}

func (c *WSClient) handle(msg interface{}) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.SessionCreatedMsg:
		c.readyOnce.Do(func() {
			c.sessionID = m.SessionID
			close(c.ready)
		})

	case *protocol.NoteJoinedMsg:
		users := make([]User, 0, len(m.ActiveUsers))
		for _, u := range m.ActiveUsers {
			users = append(users, User{ID: u.UserID, Name: u.FullName})
		}
		c.replyJoin(m.NoteID, joinReply{session: &Session{
			NoteID:      m.NoteID,
			Title:       m.Title,
			CanWrite:    m.CanWrite,
			Content:     notes.Content{Text: m.Content, Delta: m.ContentDelta},
			ActiveUsers: users,
		}})

	case *protocol.JoinDeniedMsg:
		c.replyJoin(m.NoteID, joinReply{err: fmt.Errorf("%w: %s", ErrJoinDenied, m.Message)})

	case *protocol.NoteLeftMsg:
		c.mu.Lock()
		if ch, ok := c.leaves[m.NoteID]; ok {
			ch <- struct{}{}
			delete(c.leaves, m.NoteID)
		}
		c.mu.Unlock()

	case *protocol.CommitAckMsg:
		c.replyCommit(m.CommitID, nil)
	case *protocol.CommitRejectedMsg:
		c.replyCommit(m.CommitID, fmt.Errorf("%w: %s", ErrCommitRejected, m.Message))
	case *protocol.SaveFailedMsg:
		c.replyCommit(m.CommitID, fmt.Errorf("%w: %s", ErrSaveFailed, m.Message))

	case *protocol.RateLimitedMsg:
		c.failPending(fmt.Errorf("%w: retry after %ds", ErrRateLimited, m.RetryAfter))
	case *protocol.ErrorMsg:
		log.Printf("[agent] server error code=%s: %s", m.Code, m.Message)
		c.failPending(errors.New("agent: server error: " + m.Message))

	case *protocol.UserPresenceMsg:
		if ev == nil {
			return
		}
		u := User{ID: m.UserID, Name: m.FullName}
		if m.Type == protocol.TypeUserLeft {
			ev.UserLeft(m.NoteID, u)
		} else {
			ev.UserJoined(m.NoteID, u)
		}

	case *protocol.NoteUpdatedMsg:
		if ev == nil {
			return
		}
		ev.NoteUpdated(RemoteUpdate{
			NoteID:     m.NoteID,
			CommitID:   m.CommitID,
			ModifiedBy: m.ModifiedBy,
			Content:    notes.Content{Text: m.Content, Delta: m.ContentDelta},
		})
	}
}

func (c *WSClient) replyJoin(noteID string, r joinReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.joins[noteID]; ok {
		ch <- r
		delete(c.joins, noteID)
	}
}

func (c *WSClient) replyCommit(commitID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.commits[commitID]; ok {
		ch <- err
		delete(c.commits, commitID)
	}
}

// failPending fails every outstanding join and commit; the server's generic
// replies carry no correlation id.
func (c *WSClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.joins {
		ch <- joinReply{err: err}
		delete(c.joins, id)
	}
	for id, ch := range c.commits {
		ch <- err
		delete(c.commits, id)
	}
}
