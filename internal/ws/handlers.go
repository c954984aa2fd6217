package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/quicknotes/collab/internal/collab"
	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/protocol"
	"github.com/quicknotes/collab/internal/ratelimit"
	"github.com/quicknotes/collab/internal/room"
	"github.com/quicknotes/collab/internal/store"
)

// NoteService is the part of collab.Service the event channel drives.
type NoteService interface {
	Join(ctx context.Context, conn room.Sender, member room.Member, noteID string) (*collab.JoinResult, error)
	Leave(ctx context.Context, connID, noteID string) bool
	Commit(ctx context.Context, req collab.CommitRequest) (*collab.CommitResult, error)
	Disconnect(ctx context.Context, connID string)
}

// handlerTimeout bounds one message's work, including the save retry.
const handlerTimeout = 10 * time.Second

// RegisterNoteHandlers wires join_note, leave_note and commit to svc.
func RegisterNoteHandlers(d *MessageDispatcher, svc NoteService) {
	d.Register(protocol.TypeJoinNote, func(conn *Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinNoteMsg)
		if !ok {
			return
		}
		handleJoin(conn, svc, m)
	})
	d.Register(protocol.TypeLeaveNote, func(conn *Connection, msg interface{}) {
		m, ok := msg.(protocol.LeaveNoteMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		svc.Leave(ctx, conn.ID, m.NoteID)
		send(conn, protocol.TypeNoteLeft, protocol.NoteLeftMsg{NoteID: m.NoteID})
	})
	d.Register(protocol.TypeCommit, func(conn *Connection, msg interface{}) {
		m, ok := msg.(protocol.CommitMsg)
		if !ok {
			return
		}
		handleCommit(conn, svc, m)
	})
}

// DisconnectHandler returns the Server.SetOnDisconnect callback that
// force-leaves a closed connection from its note.
func DisconnectHandler(svc NoteService) func(connID string) {
	return func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		svc.Disconnect(ctx, connID)
	}
}

func handleJoin(conn *Connection, svc NoteService, m protocol.JoinNoteMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	res, err := svc.Join(ctx, conn, conn.Member(), m.NoteID)
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrRateLimited):
			send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retryAfter(err, ratelimit.RuleJoin)})
		case errors.Is(err, collab.ErrPermissionDenied):
			send(conn, protocol.TypeJoinDenied, protocol.JoinDeniedMsg{
				NoteID: m.NoteID, Code: protocol.CodePermissionDenied, Message: "you do not have access to this note",
			})
		case errors.Is(err, store.ErrNotFound):
			send(conn, protocol.TypeJoinDenied, protocol.JoinDeniedMsg{
				NoteID: m.NoteID, Code: protocol.CodeNotFound, Message: "note not found",
			})
		default:
			log.Printf("ws: join failed conn=%s note=%s: %v", conn.ID, m.NoteID, err)
			sendError(conn, protocol.CodeInternal, "could not join note")
		}
		return
	}

	send(conn, protocol.TypeNoteJoined, protocol.NoteJoinedMsg{
		NoteID:       res.Note.ID,
		Title:        res.Note.Title,
		ActiveUsers:  userEntries(res.Existing),
		CanWrite:     res.CanWrite,
		Content:      res.Note.Content.Text,
		ContentDelta: res.Note.Content.Delta,
		LastEditor:   res.Note.LastEditor,
	})
}

func handleCommit(conn *Connection, svc NoteService, m protocol.CommitMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	res, err := svc.Commit(ctx, collab.CommitRequest{
		NoteID:      m.NoteID,
		CommitID:    m.CommitID,
		UserID:      conn.UserID,
		DisplayName: conn.DisplayName,
		ConnID:      conn.ID,
		Content:     notes.Content{Text: m.Content, Delta: m.ContentDelta},
	})
	if err == nil {
		send(conn, protocol.TypeCommitAck, protocol.CommitAckMsg{
			NoteID: m.NoteID, CommitID: res.CommitID, Delivered: res.Delivered,
		})
		return
	}

	reject := func(code, message string) {
		send(conn, protocol.TypeCommitRejected, protocol.CommitRejectedMsg{
			NoteID: m.NoteID, CommitID: m.CommitID, Code: code, Message: message,
		})
	}
	switch {
	case errors.Is(err, collab.ErrRateLimited):
		send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retryAfter(err, ratelimit.RuleCommit)})
	case errors.Is(err, collab.ErrPermissionDenied):
		reject(protocol.CodePermissionDenied, "you do not have write access to this note")
	case errors.Is(err, collab.ErrInvalidPayload):
		reject(protocol.CodeInvalidPayload, err.Error())
	case errors.Is(err, collab.ErrNotJoined):
		reject(protocol.CodeNotJoined, "join the note before committing")
	case errors.Is(err, store.ErrNotFound):
		reject(protocol.CodeNotFound, "note not found")
	default:
		log.Printf("ws: commit failed conn=%s note=%s: %v", conn.ID, m.NoteID, err)
		send(conn, protocol.TypeSaveFailed, protocol.SaveFailedMsg{
			NoteID: m.NoteID, CommitID: m.CommitID, Message: "the note could not be saved, your edits are kept locally",
		})
	}
}

// retryAfter is the whole seconds left in the window err reports, or the
// full window of fallback when err carries none.
func retryAfter(err error, fallback ratelimit.Rule) int {
	wait := fallback.Window
	var rl *collab.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		wait = rl.RetryAfter
	}
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
