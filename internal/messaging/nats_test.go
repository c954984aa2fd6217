package messaging

import (
	"errors"
	"testing"
	"time"
)

func TestNoteSubject(t *testing.T) {
	if got := NoteSubject("abc", KindUpdate); got != "note.abc.update" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestValidNoteID(t *testing.T) {
	for id, want := range map[string]bool{
		"3f1c2a9e-5b7d-4a61-9f0e-1d2c3b4a5f6e": true,
		"":        false,
		"a.b":     false,
		"note*":   false,
		"x>":      false,
		"with sp": false,
	} {
		if got := ValidNoteID(id); got != want {
			t.Errorf("ValidNoteID(%q) = %v, want %v", id, got, want)
		}
	}
}

// newTestClient requires a NATS server on localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSubscribeNote_ReceivesKinds(t *testing.T) {
	c := newTestClient(t)
	got := make(chan string, 2)

	handler := func(kind string, _ []byte) { got <- kind }
	if err := c.SubscribeNote("test-note", handler); err != nil {
		t.Fatalf("SubscribeNote() error: %v", err)
	}
	if err := c.SubscribeNote("test-note", handler); err != nil || c.Subscribed() != 1 {
		t.Fatalf("second SubscribeNote should be a no-op: %v, %d subs", err, c.Subscribed())
	}
	c.PublishNoteUpdate("test-note", []byte(`{}`))
	c.PublishNotePresence("test-note", []byte(`{}`))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-got:
			seen[k] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for relay")
		}
	}
	if !seen[KindUpdate] || !seen[KindPresence] {
		t.Errorf("expected both kinds, got %v", seen)
	}

	if err := c.UnsubscribeNote("test-note"); err != nil {
		t.Fatalf("UnsubscribeNote() error: %v", err)
	}
	if c.Subscribed() != 0 {
		t.Errorf("expected no relayed notes, got %d", c.Subscribed())
	}
	if err := c.UnsubscribeNote("test-note"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("second unsubscribe should return ErrNotSubscribed, got %v", err)
	}
}

func TestDecodeUpdate(t *testing.T) {
	data, _ := EncodeRelay(UpdateRelay{Origin: "ws-1", NoteID: "n", Content: "x", Ts: 42})
	u, err := DecodeUpdate(data)
	if err != nil {
		t.Fatalf("DecodeUpdate() error: %v", err)
	}
	if u.Origin != "ws-1" || u.Ts != 42 {
		t.Errorf("unexpected relay %+v", u)
	}
	if _, err := DecodePresence([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}
