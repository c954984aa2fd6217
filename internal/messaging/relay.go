package messaging

import (
	"encoding/json"
	"fmt"
)

// UpdateRelay is a committed note update forwarded between servers.
type UpdateRelay struct {
	Origin       string `json:"origin"` // publishing server name
	NoteID       string `json:"note_id"`
	CommitID     string `json:"commit_id"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	Content      string `json:"content"`
	ContentDelta string `json:"content_delta"`
	Ts           int64  `json:"ts"` // unix millis
}

// PresenceRelay is a joined/left event forwarded between servers.
type PresenceRelay struct {
	Origin   string `json:"origin"`
	NoteID   string `json:"note_id"`
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Kind     string `json:"kind"` // joined | left
}

// EncodeRelay marshals a relay payload.
func EncodeRelay(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode relay: %w", err)
	}
	return data, nil
}

// DecodeUpdate unmarshals an update relay.
func DecodeUpdate(data []byte) (UpdateRelay, error) {
	var u UpdateRelay
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("messaging: decode update: %w", err)
	}
	return u, nil
}

// DecodePresence unmarshals a presence relay.
func DecodePresence(data []byte) (PresenceRelay, error) {
	var p PresenceRelay
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("messaging: decode presence: %w", err)
	}
	return p, nil
}
