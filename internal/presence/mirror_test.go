package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quicknotes/collab/internal/room"
)

// newTestMirror connects to a local Redis on localhost:6379 and removes the
// keys used by these tests before and after each run.
func newTestMirror(t *testing.T, notes ...string) *Mirror {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, n := range notes {
			client.Del(ctx, usersKey(n), namesKey(n))
			client.SRem(ctx, notesKey, n)
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewMirror(client, time.Minute)
}

func TestTouchAndActive(t *testing.T) {
	m := newTestMirror(t, "test_note_a")
	ctx := context.Background()

	m.Touch(ctx, "test_note_a", room.Member{UserID: "u1", DisplayName: "Ada"})
	m.Touch(ctx, "test_note_a", room.Member{UserID: "u2", DisplayName: "Grace"})
	m.Touch(ctx, "test_note_a", room.Member{UserID: "u1", DisplayName: "Ada"})

	got, err := m.Active(ctx, "test_note_a")
	if err != nil {
		t.Fatalf("Active() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attendees, got %+v", got)
	}
	names := map[string]string{}
	for _, a := range got {
		names[a.UserID] = a.DisplayName
	}
	if names["u1"] != "Ada" || names["u2"] != "Grace" {
		t.Errorf("unexpected names: %v", names)
	}

	if err := m.Remove(ctx, "test_note_a", "u1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	got, _ = m.Active(ctx, "test_note_a")
	if len(got) != 1 || got[0].UserID != "u2" {
		t.Errorf("expected only u2 after remove, got %+v", got)
	}
}

func TestSweep_DropsExpired(t *testing.T) {
	m := newTestMirror(t, "test_note_b")
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Minute)
	m.now = func() time.Time { return past }
	m.Touch(ctx, "test_note_b", room.Member{UserID: "stale"})
	m.now = time.Now
	m.Touch(ctx, "test_note_b", room.Member{UserID: "fresh"})

	got, _ := m.Active(ctx, "test_note_b")
	if len(got) != 1 || got[0].UserID != "fresh" {
		t.Fatalf("expired entry should not be listed, got %+v", got)
	}

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n < 1 {
		t.Errorf("expected at least 1 removed entry, got %d", n)
	}
	card, _ := m.rdb.ZCard(ctx, usersKey("test_note_b")).Result()
	if card != 1 {
		t.Errorf("expected 1 remaining entry, got %d", card)
	}
}

func TestActive_UnknownNote(t *testing.T) {
	m := newTestMirror(t, "test_note_none")
	got, err := m.Active(context.Background(), "test_note_none")
	if err != nil {
		t.Fatalf("Active() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no attendees, got %+v", got)
	}
}
