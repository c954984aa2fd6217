package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/quicknotes/collab/internal/feed"
	"github.com/quicknotes/collab/internal/messaging"
	"github.com/quicknotes/collab/internal/metrics"
	"github.com/quicknotes/collab/internal/notes"
	"github.com/quicknotes/collab/internal/room"
	"github.com/quicknotes/collab/internal/store"
)

// CommitRequest is a full-state snapshot submitted by an agent.
type CommitRequest struct {
	NoteID      string
	CommitID    string // optional; generated when empty
	UserID      string
	DisplayName string
	ConnID      string // empty for commits over the request channel
	Content     notes.Content
}

// CommitResult reports an accepted commit.
type CommitResult struct {
	CommitID    string
	Delivered   int
	CommittedAt time.Time
}

// Commit persists req as the note's new latest state and broadcasts it to
// every attached connection except the originator's. Commits to the same
// note are persisted and broadcast in one order.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	start := time.Now()
	res, err := s.commit(ctx, req)
	switch {
	case err == nil:
		metrics.CommitsTotal.WithLabelValues("ok").Inc()
		metrics.CommitLatency.Observe(time.Since(start).Seconds())
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotJoined), errors.Is(err, store.ErrNotFound):
		metrics.CommitsTotal.WithLabelValues("rejected").Inc()
	case errors.Is(err, ErrInvalidPayload):
		metrics.CommitsTotal.WithLabelValues("invalid").Inc()
	case errors.Is(err, ErrRateLimited):
		metrics.CommitsTotal.WithLabelValues("rate_limited").Inc()
	default:
		metrics.CommitsTotal.WithLabelValues("save_failed").Inc()
	}
	return res, err
}

func (s *Service) commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if !messaging.ValidNoteID(req.NoteID) {
		return nil, store.ErrNotFound
	}
	if err := s.throttle(ctx, req.UserID, s.opt.CommitRule); err != nil {
		return nil, err
	}
	if err := notes.Validate(req.Content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if req.ConnID != "" {
		if noteID, ok := s.NoteOf(req.ConnID); !ok || noteID != req.NoteID {
			return nil, ErrNotJoined
		}
	}

	note, err := s.load(ctx, req.NoteID)
	if err != nil {
		return nil, err
	}
	if !note.Grant().CanWrite(req.UserID) {
		log.Printf("[collab] commit rejected note=%s user=%s: no write access", req.NoteID, req.UserID)
		return nil, ErrPermissionDenied
	}
	if req.CommitID == "" {
		req.CommitID = uuid.NewString()
	}
	content := notes.Normalize(req.Content)

	unlock := s.commits.Lock(req.NoteID)
	defer unlock()

	if err := s.persist(ctx, req.NoteID, content, req.UserID); err != nil {
		return nil, err
	}
	committedAt := time.Now()

	update := room.ContentUpdate{
		NoteID:       req.NoteID,
		CommitID:     req.CommitID,
		OriginUserID: req.UserID,
		OriginName:   req.DisplayName,
		OriginConnID: req.ConnID,
		Content:      content,
		CommittedAt:  committedAt,
	}
	delivered := 0
	if r := s.Rooms.Room(req.NoteID); r != nil {
		delivered = r.Broadcast(update)
	}
	s.publishUpdate(update)

	if s.Presence != nil {
		if err := s.Presence.Touch(ctx, req.NoteID, room.Member{UserID: req.UserID, DisplayName: req.DisplayName}); err != nil {
			log.Printf("[collab] presence touch note=%s user=%s: %v", req.NoteID, req.UserID, err)
		}
	}
	if s.Feed != nil {
		s.Feed.Publish(feed.Event{
			Kind:     feed.KindCommit,
			NoteID:   req.NoteID,
			UserID:   req.UserID,
			CommitID: req.CommitID,
			Bytes:    len(content.Delta) + len(content.Text),
			Server:   s.opt.ServerName,
		})
	}

	log.Printf("[collab] commit note=%s user=%s commit=%s delivered=%d", req.NoteID, req.UserID, req.CommitID, delivered)
	return &CommitResult{CommitID: req.CommitID, Delivered: delivered, CommittedAt: committedAt}, nil
}

// persist writes content with one retry after SaveRetryDelay.
func (s *Service) persist(ctx context.Context, noteID string, content notes.Content, editorID string) error {
	err := s.Store.Persist(ctx, noteID, content, editorID)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	log.Printf("[collab] persist note=%s failed, retrying: %v", noteID, err)

	if s.opt.SaveRetryDelay > 0 {
		t := time.NewTimer(s.opt.SaveRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v", ErrSaveFailed, ctx.Err())
		case <-t.C:
		}
	}
	if err := s.Store.Persist(ctx, noteID, content, editorID); err != nil {
		log.Printf("[collab] persist note=%s failed: %v", noteID, err)
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

func (s *Service) publishUpdate(u room.ContentUpdate) {
	if s.Relay == nil {
		return
	}
	data, err := messaging.EncodeRelay(messaging.UpdateRelay{
		Origin:       s.opt.ServerName,
		NoteID:       u.NoteID,
		CommitID:     u.CommitID,
		UserID:       u.OriginUserID,
		UserName:     u.OriginName,
		Content:      u.Content.Text,
		ContentDelta: u.Content.Delta,
		Ts:           u.CommittedAt.UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := s.Relay.PublishNoteUpdate(u.NoteID, data); err != nil {
		log.Printf("[collab] relay update note=%s: %v", u.NoteID, err)
	}
}

// relayHandler applies traffic from other server instances to the local
// room of noteID. Messages this server published are skipped.
func (s *Service) relayHandler(noteID string) func(kind string, data []byte) {
	return func(kind string, data []byte) {
		r := s.Rooms.Room(noteID)
		if r == nil {
			return
		}
		switch kind {
		case messaging.KindUpdate:
			u, err := messaging.DecodeUpdate(data)
			if err != nil {
				log.Printf("[collab] bad update relay note=%s: %v", noteID, err)
				return
			}
			if u.Origin == s.opt.ServerName {
				return
			}
			r.Broadcast(room.ContentUpdate{
				NoteID:       noteID,
				CommitID:     u.CommitID,
				OriginUserID: u.UserID,
				OriginName:   u.UserName,
				Content:      contentOf(u.Content, u.ContentDelta),
				CommittedAt:  time.UnixMilli(u.Ts),
			})
		case messaging.KindPresence:
			p, err := messaging.DecodePresence(data)
			if err != nil {
				log.Printf("[collab] bad presence relay note=%s: %v", noteID, err)
				return
			}
			if p.Origin == s.opt.ServerName {
				return
			}
			kind := room.PresenceKind(p.Kind)
			if kind != room.Joined && kind != room.Left {
				log.Printf("[collab] bad presence relay note=%s kind=%q", noteID, p.Kind)
				return
			}
			r.Announce(room.PresenceEvent{
				NoteID: noteID,
				Member: room.Member{UserID: p.UserID, DisplayName: p.FullName},
				Kind:   kind,
			})
		}
	}
}
