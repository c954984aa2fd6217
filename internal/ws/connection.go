package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quicknotes/collab/internal/room"
)

// Connection is one authenticated agent connection. It is the room.Sender
// the collaboration service fans events out to, so WriteMessage may be called
// from many goroutines at once.
type Connection struct {
	ID          string    // connection id (UUID), also the Redis session id
	UserID      string    // authenticated user
	DisplayName string    // shown to co-editors
	Conn        net.Conn  // underlying TCP connection
	Fd          int       // file descriptor for epoll lookups
	CreatedAt   time.Time // when the connection was established

	lastActive   int64         // unix nanos of the last frame read, atomic
	writeTimeout time.Duration // per-frame write deadline, zero disables
	writeMu      sync.Mutex    // serializes writes to this connection
}

// NewConnection wraps an upgraded net.Conn for userID.
func NewConnection(id, userID, displayName string, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		UserID:       userID,
		DisplayName:  displayName,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		lastActive:   now.UnixNano(),
		writeTimeout: writeTimeout,
	}
}

// ConnID implements room.Sender.
func (c *Connection) ConnID() string { return c.ID }

// Member returns the presence identity of the connection.
func (c *Connection) Member() room.Member {
	return room.Member{UserID: c.UserID, DisplayName: c.DisplayName}
}

// Deliver implements room.Sender by encoding ev as its wire message.
func (c *Connection) Deliver(ev room.Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns when a frame was last read from the connection.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection ids and
// file descriptors to their Connection.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes it. Returns false if the
// connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for fd, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for a net.Conn by its file descriptor.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
