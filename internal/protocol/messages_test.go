package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid commit message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Commit(t *testing.T) {
	input := []byte(`{"type":"commit","note_id":"n-1","commit_id":"c-9","content":"hi\n","content_delta":"{\"ops\":[{\"insert\":\"hi\\n\"}]}"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCommit {
		t.Fatalf("expected type %q, got %q", TypeCommit, msgType)
	}

	cm, ok := msg.(CommitMsg)
	if !ok {
		t.Fatalf("expected CommitMsg, got %T", msg)
	}
	if cm.NoteID != "n-1" || cm.CommitID != "c-9" {
		t.Errorf("unexpected ids: note=%q commit=%q", cm.NoteID, cm.CommitID)
	}
	if cm.Content != "hi\n" {
		t.Errorf("expected content %q, got %q", "hi\n", cm.Content)
	}
	if cm.ContentDelta != `{"ops":[{"insert":"hi\n"}]}` {
		t.Errorf("unexpected delta %q", cm.ContentDelta)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a note_joined server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NoteJoined(t *testing.T) {
	payload := NoteJoinedMsg{
		NoteID:      "n-1",
		ActiveUsers: []UserEntry{{UserID: "u1", FullName: "Ada"}, {UserID: "u2", FullName: "Grace"}},
		CanWrite:    true,
		Content:     "body",
	}

	data, err := NewServerMessage(TypeNoteJoined, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeNoteJoined {
		t.Errorf("expected type %q, got %v", TypeNoteJoined, result["type"])
	}
	if result["can_write"] != true {
		t.Errorf("expected can_write true, got %v", result["can_write"])
	}

	users, ok := result["active_users"].([]interface{})
	if !ok {
		t.Fatalf("expected active_users to be an array, got %T", result["active_users"])
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 active users, got %d", len(users))
	}
	first, _ := users[0].(map[string]interface{})
	if first["user_id"] != "u1" || first["full_name"] != "Ada" {
		t.Errorf("unexpected first user: %v", first)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_RejectsServerTypes(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"note_updated","note_id":"n"}`)); err == nil {
		t.Fatal("server-only type must not parse as a client message")
	}
}

// ---------------------------------------------------------------------------
// Test: Agent side parses what the server produces
// ---------------------------------------------------------------------------

func TestParseServerMessage_NoteUpdated(t *testing.T) {
	data, err := NewServerMessage(TypeNoteUpdated, NoteUpdatedMsg{
		NoteID:     "n-1",
		CommitID:   "c-1",
		Content:    "text",
		ModifiedBy: "u2",
		Ts:         1700000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeNoteUpdated {
		t.Fatalf("expected type %q, got %q", TypeNoteUpdated, msgType)
	}
	nu, ok := msg.(*NoteUpdatedMsg)
	if !ok {
		t.Fatalf("expected *NoteUpdatedMsg, got %T", msg)
	}
	if nu.ModifiedBy != "u2" || nu.Ts != 1700000000 || nu.Type != TypeNoteUpdated {
		t.Errorf("unexpected decoded message: %+v", nu)
	}
}

func TestParseServerMessage_PresenceKinds(t *testing.T) {
	for _, typ := range []string{TypeUserJoined, TypeUserLeft} {
		data, _ := NewServerMessage(typ, UserPresenceMsg{NoteID: "n", UserID: "u"})
		got, msg, err := ParseServerMessage(data)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if got != typ {
			t.Errorf("expected %q, got %q", typ, got)
		}
		if _, ok := msg.(*UserPresenceMsg); !ok {
			t.Errorf("%s: expected *UserPresenceMsg, got %T", typ, msg)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join_note", `{"type":"join_note","note_id":"n1"}`, TypeJoinNote},
		{"leave_note", `{"type":"leave_note","note_id":"n1"}`, TypeLeaveNote},
		{"commit", `{"type":"commit","note_id":"n1","content":"x"}`, TypeCommit},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
