package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrSendBufferFull   = errors.New("ws: send buffer full")
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// Application frames go through a bounded outbox drained by the
// connection's own writer goroutine.
type Connection struct {
	ID         string     // connection ID (UUID), issued by the server
	UserID     string     // authenticated user id, empty when anonymous
	RemoteAddr string     // client address as seen by the HTTP layer
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor, -1 when not a socket
	CreatedAt  time.Time  // when the connection was established
	lastSeen   int64      // unix nanos of the last frame read, atomic
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	outbox    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps conn with an outbox holding up to sendBuffer frames.
func NewConnection(id string, conn net.Conn, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		CreatedAt: now,
		outbox:    make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
	}
	c.touch(now)
	return c
}

// Enqueue queues a text frame for the writer goroutine without blocking.
// A full outbox means the client has stopped reading: the connection is
// closed and ErrSendBufferFull returned.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// writeLoop drains the outbox until the connection closes or a write
// fails, then reports why through onExit.
func (c *Connection) writeLoop(timeout time.Duration, onExit func(error)) {
	for {
		select {
		case <-c.closed:
			onExit(ErrConnectionClosed)
			return
		case data := <-c.outbox:
			if err := c.writeWithDeadline(data, timeout); err != nil {
				onExit(err)
				return
			}
		}
	}
}

// writeWithDeadline writes a text frame, bounding the write by timeout. The
// deadline is cleared afterwards so it does not leak into heartbeat pings.
func (c *Connection) writeWithDeadline(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// touch records activity at t.
func (c *Connection) touch(t time.Time) {
	atomic.StoreInt64(&c.lastSeen, t.UnixNano())
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// Close stops the writer and closes the underlying network connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if c.closed != nil {
			close(c.closed)
		}
	})
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. It returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
