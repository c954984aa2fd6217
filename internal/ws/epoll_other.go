//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// peekConn buffers reads so readiness can be detected with Peek without
// consuming frame bytes. id stands in for a file descriptor.
type peekConn struct {
	net.Conn
	br     *bufio.Reader
	id     int
	resume chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }

var nextPeekID int64 = 1 << 20

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll, so the server runs on macOS and Windows during development.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*peekConn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*peekConn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a peekable conn. The server must read through the wrapper.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{
		Conn:   conn,
		br:     bufio.NewReader(conn),
		id:     int(atomic.AddInt64(&nextPeekID, 1)),
		resume: make(chan struct{}, 1),
	}
}

// Add starts monitoring a conn returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return errors.New("ws: fallback poller needs a wrapped conn")
	}
	e.mu.Lock()
	e.conns[pc] = struct{}{}
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

// monitor reports pc ready whenever data (or an error) is pending, then waits
// for Resume before peeking again so it never races the frame reader.
func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)
		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-pc.resume:
		case <-e.done:
			return
		}
		if !e.tracked(pc) {
			return
		}
	}
}

func (e *Epoll) tracked(pc *peekConn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[pc]
	return ok
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	if pc, ok := conn.(*peekConn); ok {
		e.mu.Lock()
		delete(e.conns, pc)
		e.mu.Unlock()
		e.Resume(pc)
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// that are already ready.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[*peekConn]struct{})
	e.mu.Unlock()
	return nil
}

func socketFD(conn net.Conn) int {
	if pc, ok := conn.(*peekConn); ok {
		return pc.id
	}
	return -1
}
