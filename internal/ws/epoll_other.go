//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// pollInterval is how often the fallback reports each connection as ready.
const pollInterval = 50 * time.Millisecond

// Epoll is a development fallback for platforms without epoll. It reports
// every registered connection as ready on a fixed interval and lets the
// server's read deadline decide whether a frame is actually there. Nothing
// is read from the socket here, so frames are never split.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts polling conn.
func (e *Epoll) Add(conn *Connection) error {
	stop := make(chan struct{})
	e.mu.Lock()
	e.conns[conn] = stop
	e.mu.Unlock()

	go e.poll(conn, stop)
	return nil
}

func (e *Epoll) poll(conn *Connection, stop chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-e.done:
			return
		case <-ticker.C:
		}
		select {
		case e.readyCh <- conn:
		case <-stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops polling conn.
func (e *Epoll) Remove(conn *Connection) error {
	e.mu.Lock()
	stop, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(stop)
	}
	return nil
}

// Wait blocks until at least one connection is due and returns every
// connection currently queued as ready.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all polling.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(conn net.Conn) int {
	return -1
}
