//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds epoll_wait so the event loop notices Shutdown even
// when no socket is ready.
const waitTimeoutMs = 500

// readyEvents is the interest set: readable, hung up or peer half-closed.
// EPOLLONESHOT disarms the fd after one report; Resume re-arms it once the
// worker has consumed the frame, so an fd is never in two workers at once.
const readyEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Epoll parks idle connections in the kernel. Only sockets with data are
// handed to a worker, so an idle connection costs no goroutine.
type Epoll struct {
	fd int

	mu    sync.RWMutex
	conns map[int32]net.Conn // socket fd -> conn
	buf   []unix.EpollEvent  // Wait is only called from the event loop
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:    fd,
		conns: make(map[int32]net.Conn),
		buf:   make([]unix.EpollEvent, 256),
	}, nil
}

// Wrap returns conn unchanged; the kernel tracks readiness without reading.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no socket descriptor")
	}
	e.mu.Lock()
	e.conns[int32(fd)] = conn
	e.mu.Unlock()

	ev := unix.EpollEvent{Events: readyEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		e.mu.Lock()
		delete(e.conns, int32(fd))
		e.mu.Unlock()
		return err
	}
	return nil
}

// Resume re-arms conn after a worker has handled it. Connections removed in
// the meantime are ignored.
func (e *Epoll) Resume(conn net.Conn) {
	fd := socketFD(conn)
	e.mu.RLock()
	_, ok := e.conns[int32(fd)]
	e.mu.RUnlock()
	if !ok {
		return
	}
	ev := unix.EpollEvent{Events: readyEvents, Fd: int32(fd)}
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove stops watching conn. The socket is closed by the caller.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.conns, int32(fd))
	e.mu.Unlock()
	if fd < 0 {
		return nil
	}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait returns the connections that became ready, or none after the wait
// timeout.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.buf, waitTimeoutMs)
	if err != nil || n == 0 {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.buf[:n] {
		if conn, ok := e.conns[ev.Fd]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = make(map[int32]net.Conn)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD reads the descriptor through SyscallConn, which unlike File()
// does not dup it. It returns -1 for conns without a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}
