// Package feed publishes note activity (commits, shares, creations) to Kafka
// for downstream audit and search consumers. Publishing never blocks the
// commit path: events go through a bounded local queue drained by workers
// with capped exponential backoff, and are dropped when Kafka stays down.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/sync/semaphore"
)

// Event kinds.
const (
	KindCommit = "commit"
	KindCreate = "create"
	KindShare  = "share"
)

// Event is one activity record. Events for the same note share a partition
// key so consumers see them in order.
type Event struct {
	Kind     string `json:"kind"`
	NoteID   string `json:"note_id"`
	UserID   string `json:"user_id"`
	CommitID string `json:"commit_id,omitempty"`
	Target   string `json:"target,omitempty"` // share recipient
	Level    string `json:"level,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
	Server   string `json:"server"`
	Ts       int64  `json:"ts"` // unix millis
}

// Producer is the subset of sarama.SyncProducer the dispatcher uses.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// Options tunes the dispatcher.
type Options struct {
	QueueSize   int
	Workers     int
	MaxInFlight int64
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:   1024,
		Workers:     2,
		MaxInFlight: 4,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// NewProducer connects a sarama sync producer to brokers.
func NewProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	// SyncProducer requires Return.Successes.
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0 // retries are ours
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("feed: kafka producer: %w", err)
	}
	return p, nil
}

// Dispatcher queues events and sends them asynchronously.
type Dispatcher struct {
	producer Producer
	topic    string
	opt      Options
	sem      *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup

	sleep func(time.Duration)
}

// NewDispatcher starts opt.Workers workers sending to topic.
func NewDispatcher(producer Producer, topic string, opt Options) *Dispatcher {
	def := DefaultOptions()
	if opt.QueueSize <= 0 {
		opt.QueueSize = def.QueueSize
	}
	if opt.Workers <= 0 {
		opt.Workers = def.Workers
	}
	if opt.MaxInFlight <= 0 {
		opt.MaxInFlight = def.MaxInFlight
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = def.BaseBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = def.MaxBackoff
	}

	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		sem:      semaphore.NewWeighted(opt.MaxInFlight),
		queue:    make(chan Event, opt.QueueSize),
		sleep:    time.Sleep,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Enqueue queues ev, waiting for space until ctx is done. Events enqueued
// after Close are dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("feed: dispatcher closed")
	}
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	select {
	case d.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish queues ev without waiting more than a few milliseconds and logs
// a drop. It is the form used on request paths.
func (d *Dispatcher) Publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, ev); err != nil {
		log.Printf("[feed] drop event kind=%s note=%s: %v", ev.Kind, ev.NoteID, err)
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for ev := range d.queue {
		d.sendWithRetry(workerID, ev)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, ev Event) bool {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		_ = d.sem.Acquire(context.Background(), 1)
		err := d.sendOnce(ev)
		d.sem.Release(1)

		if err == nil {
			return true
		}
		if attempt == d.opt.MaxRetry {
			log.Printf("[feed] send failed, drop event kind=%s note=%s worker=%d: %v",
				ev.Kind, ev.NoteID, workerID, err)
			return false
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		d.sleep(backoff)
	}
	return false
}

func (d *Dispatcher) sendOnce(ev Event) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(ev.NoteID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
