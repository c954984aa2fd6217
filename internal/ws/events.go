package ws

import (
	"fmt"

	"github.com/quicknotes/collab/internal/protocol"
	"github.com/quicknotes/collab/internal/room"
)

// EncodeEvent converts a room event into its server message.
func EncodeEvent(ev room.Event) ([]byte, error) {
	switch e := ev.(type) {
	case room.PresenceEvent:
		msgType := protocol.TypeUserJoined
		if e.Kind == room.Left {
			msgType = protocol.TypeUserLeft
		}
		return protocol.NewServerMessage(msgType, protocol.UserPresenceMsg{
			NoteID:   e.NoteID,
			UserID:   e.Member.UserID,
			FullName: e.Member.DisplayName,
		})
	case room.ContentUpdate:
		return protocol.NewServerMessage(protocol.TypeNoteUpdated, protocol.NoteUpdatedMsg{
			NoteID:       e.NoteID,
			CommitID:     e.CommitID,
			Content:      e.Content.Text,
			ContentDelta: e.Content.Delta,
			ModifiedBy:   e.OriginUserID,
			Ts:           e.CommittedAt.UnixMilli(),
		})
	}
	return nil, fmt.Errorf("ws: unsupported event %T", ev)
}

func userEntries(members []room.Member) []protocol.UserEntry {
	out := make([]protocol.UserEntry, len(members))
	for i, m := range members {
		out[i] = protocol.UserEntry{UserID: m.UserID, FullName: m.DisplayName}
	}
	return out
}
