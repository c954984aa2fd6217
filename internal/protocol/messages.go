// Package protocol defines the WebSocket message types and structures used for
// communication between editing agents and the server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinNote  = "join_note"
	TypeLeaveNote = "leave_note"
	TypeCommit    = "commit"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeNoteJoined     = "note_joined"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeNoteUpdated    = "note_updated"
	TypeCommitAck      = "commit_ack"
	TypeCommitRejected = "commit_rejected"
	TypeSaveFailed     = "save_failed"
	TypeJoinDenied     = "join_denied"
	TypeNoteLeft       = "note_left"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg, CommitRejectedMsg and JoinDeniedMsg.
const (
	CodeBadMessage       = "bad_message"
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeInvalidPayload   = "invalid_payload"
	CodeNotJoined        = "not_joined"
	CodeInternal         = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinNoteMsg attaches the connection to a note's room.
type JoinNoteMsg struct {
	Type   string `json:"type"`
	NoteID string `json:"note_id"`
}

// LeaveNoteMsg detaches the connection from a note's room.
type LeaveNoteMsg struct {
	Type   string `json:"type"`
	NoteID string `json:"note_id"`
}

// CommitMsg carries the full current state of a note. CommitID is chosen by
// the agent and echoed in the ack or rejection.
type CommitMsg struct {
	Type         string `json:"type"`
	NoteID       string `json:"note_id"`
	CommitID     string `json:"commit_id"`
	Content      string `json:"content"`
	ContentDelta string `json:"content_delta"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserEntry is one attendee in a presence list.
type UserEntry struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
}

// SessionCreatedMsg is sent when a connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// NoteJoinedMsg acknowledges a join with the presence snapshot taken before
// the join and the latest content.
type NoteJoinedMsg struct {
	Type         string      `json:"type"`
	NoteID       string      `json:"note_id"`
	Title        string      `json:"title"`
	ActiveUsers  []UserEntry `json:"active_users"`
	CanWrite     bool        `json:"can_write"`
	Content      string      `json:"content"`
	ContentDelta string      `json:"content_delta"`
	LastEditor   string      `json:"last_editor,omitempty"`
}

// UserPresenceMsg is sent as user_joined or user_left.
type UserPresenceMsg struct {
	Type     string `json:"type"`
	NoteID   string `json:"note_id"`
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
}

// NoteUpdatedMsg delivers a committed full-state snapshot from another user.
type NoteUpdatedMsg struct {
	Type         string `json:"type"`
	NoteID       string `json:"note_id"`
	CommitID     string `json:"commit_id"`
	Content      string `json:"content"`
	ContentDelta string `json:"content_delta"`
	ModifiedBy   string `json:"modified_by"`
	Ts           int64  `json:"ts"`
}

// CommitAckMsg confirms a commit was persisted and broadcast.
type CommitAckMsg struct {
	Type      string `json:"type"`
	NoteID    string `json:"note_id"`
	CommitID  string `json:"commit_id"`
	Delivered int    `json:"delivered"`
}

// CommitRejectedMsg reports a commit refused for permission or payload reasons.
type CommitRejectedMsg struct {
	Type     string `json:"type"`
	NoteID   string `json:"note_id"`
	CommitID string `json:"commit_id"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// SaveFailedMsg reports that the store could not persist a commit.
type SaveFailedMsg struct {
	Type     string `json:"type"`
	NoteID   string `json:"note_id"`
	CommitID string `json:"commit_id"`
	Message  string `json:"message"`
}

// JoinDeniedMsg reports a refused join.
type JoinDeniedMsg struct {
	Type    string `json:"type"`
	NoteID  string `json:"note_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NoteLeftMsg acknowledges a leave.
type NoteLeftMsg struct {
	Type   string `json:"type"`
	NoteID string `json:"note_id"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinNote:
		var m JoinNoteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveNote:
		var m LeaveNoteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCommit:
		var m CommitMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the agent-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var target interface{}
	switch env.Type {
	case TypeSessionCreated:
		target = &SessionCreatedMsg{}
	case TypeNoteJoined:
		target = &NoteJoinedMsg{}
	case TypeUserJoined, TypeUserLeft:
		target = &UserPresenceMsg{}
	case TypeNoteUpdated:
		target = &NoteUpdatedMsg{}
	case TypeCommitAck:
		target = &CommitAckMsg{}
	case TypeCommitRejected:
		target = &CommitRejectedMsg{}
	case TypeSaveFailed:
		target = &SaveFailedMsg{}
	case TypeJoinDenied:
		target = &JoinDeniedMsg{}
	case TypeNoteLeft:
		target = &NoteLeftMsg{}
	case TypeRateLimited:
		target = &RateLimitedMsg{}
	case TypeError:
		target = &ErrorMsg{}
	case TypePong:
		target = &PongMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err := json.Unmarshal(env.Raw, target); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, target, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return newMessage(msgType, payload)
}

// NewClientMessage encodes an agent-to-server message the same way.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return newMessage(msgType, payload)
}

func newMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
