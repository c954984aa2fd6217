package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

// fakeProducer fails the first failN sends, then records messages.
type fakeProducer struct {
	mu    sync.Mutex
	failN int
	calls int
	sent  []*sarama.ProducerMessage
}

func (f *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return 0, 0, errors.New("broker unavailable")
	}
	f.sent = append(f.sent, msg)
	return 0, int64(len(f.sent)), nil
}

func (f *fakeProducer) snapshot() (int, []*sarama.ProducerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]*sarama.ProducerMessage(nil), f.sent...)
}

func testOptions() Options {
	return Options{QueueSize: 8, Workers: 1, MaxInFlight: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDispatcher_SendsKeyedByNote(t *testing.T) {
	p := &fakeProducer{}
	d := NewDispatcher(p, "note-activity", testOptions())

	if err := d.Enqueue(context.Background(), Event{Kind: KindCommit, NoteID: "n1", UserID: "u1"}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	d.Close()

	_, sent := p.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	msg := sent[0]
	if msg.Topic != "note-activity" {
		t.Errorf("unexpected topic %q", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "n1" {
		t.Errorf("expected key n1, got %q", key)
	}
	raw, _ := msg.Value.Encode()
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("value is not an event: %v", err)
	}
	if ev.Kind != KindCommit || ev.Ts == 0 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	p := &fakeProducer{failN: 2}
	d := NewDispatcher(p, "t", testOptions())
	d.Enqueue(context.Background(), Event{Kind: KindCommit, NoteID: "n1"})
	d.Close()

	calls, sent := p.snapshot()
	if calls != 3 || len(sent) != 1 {
		t.Errorf("expected 3 attempts and 1 send, got calls=%d sent=%d", calls, len(sent))
	}
}

func TestDispatcher_DropsAfterMaxRetry(t *testing.T) {
	p := &fakeProducer{failN: 100}
	d := NewDispatcher(p, "t", testOptions())
	d.Enqueue(context.Background(), Event{Kind: KindCommit, NoteID: "n1"})
	d.Close()

	calls, sent := p.snapshot()
	if calls != 3 || len(sent) != 0 {
		t.Errorf("expected 3 attempts and no send, got calls=%d sent=%d", calls, len(sent))
	}
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(&fakeProducer{}, "t", testOptions())
	d.Close()
	if err := d.Enqueue(context.Background(), Event{NoteID: "n"}); err == nil {
		t.Error("expected error after close")
	}
	d.Publish(Event{NoteID: "n"}) // logs, must not panic
	d.Close()
}

func TestDispatcher_EnqueueRespectsContext(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProducer{release: block, started: make(chan struct{})}
	opt := testOptions()
	opt.QueueSize = 1
	d := NewDispatcher(p, "t", opt)

	// One event held by the worker, one filling the queue.
	d.Enqueue(context.Background(), Event{NoteID: "a"})
	<-p.started
	d.Enqueue(context.Background(), Event{NoteID: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, Event{NoteID: "c"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	close(block)
	d.Close()
}

type blockingProducer struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return 0, 0, nil
}
