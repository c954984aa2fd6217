// Package messaging relays note room traffic between collaboration servers
// over NATS. A server subscribes to a note while it holds a live room for it
// and ignores messages that carry its own origin.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects are note.<note_id>.<kind>.
const (
	SubjectNote  = "note"
	KindUpdate   = "update"   // committed content
	KindPresence = "presence" // joined / left
)

// ErrNotSubscribed is returned when unsubscribing a note that has no
// subscription.
var ErrNotSubscribed = errors.New("messaging: note not subscribed")

// NoteSubject returns the subject for kind on noteID.
func NoteSubject(noteID, kind string) string {
	return SubjectNote + "." + noteID + "." + kind
}

// ValidNoteID reports whether id can be embedded in a subject.
func ValidNoteID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// NATSConfig holds connection settings. Name is the client name shown by
// the NATS server; MaxReconnects -1 retries forever.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "collab",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient holds one connection and a subscription per relayed note.
type NATSClient struct {
	conn *nats.Conn

	mu    sync.Mutex
	notes map[string]*nats.Subscription // note id -> note.<id>.*
}

// NewNATSClient connects and fails if the first connection attempt does.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected err=%v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected url=%s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Printf("[nats] async error subject=%s: %v", subject, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected url=%s name=%s", nc.ConnectedUrl(), config.Name)

	return &NATSClient{conn: nc, notes: make(map[string]*nats.Subscription)}, nil
}

// SubscribeNote delivers every kind published for noteID to handler.
// Subscribing twice for the same note is a no-op.
func (c *NATSClient) SubscribeNote(noteID string, handler func(kind string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.notes[noteID]; ok {
		return nil
	}

	subject := NoteSubject(noteID, "*")
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		kind := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
		handler(kind, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	c.notes[noteID] = sub
	return nil
}

// UnsubscribeNote drops the subscription made by SubscribeNote.
func (c *NATSClient) UnsubscribeNote(noteID string) error {
	c.mu.Lock()
	sub, ok := c.notes[noteID]
	delete(c.notes, noteID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, noteID)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", noteID, err)
	}
	return nil
}

func (c *NATSClient) PublishNoteUpdate(noteID string, data []byte) error {
	return c.conn.Publish(NoteSubject(noteID, KindUpdate), data)
}

func (c *NATSClient) PublishNotePresence(noteID string, data []byte) error {
	return c.conn.Publish(NoteSubject(noteID, KindPresence), data)
}

// Subscribed returns how many notes are currently relayed.
func (c *NATSClient) Subscribed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notes)
}

// Close drains the connection, which flushes pending publishes and lets
// in-flight handlers finish before the subscriptions go away.
func (c *NATSClient) Close() {
	c.mu.Lock()
	c.notes = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
	}
}
