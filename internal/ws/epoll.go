//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll reports which registered connections have data to read. The fd is
// taken from Connection.Fd, captured at upgrade, so a connection can still
// be unregistered after its socket has been closed.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int32]*Connection
	events []unix.EpollEvent
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int32]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add starts watching c for reads and hang-ups.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return syscall.EBADF
	}
	fd := int32(c.Fd)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     fd,
	}); err != nil {
		return err
	}
	e.byFd[fd] = c
	return nil
}

// Remove stops watching c. The kernel drops closed fds on its own, so
// EBADF and ENOENT from the syscall are not errors here.
func (e *Epoll) Remove(c *Connection) error {
	fd := int32(c.Fd)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byFd[fd] != c {
		return nil
	}
	delete(e.byFd, fd)

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	return err
}

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown;
// closing the epoll fd does not wake a blocked waiter.
const waitTimeoutMs = 250

// Wait returns the connections that became readable, or nil after the
// wait timeout.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]*Connection, 0, n)
	for _, ev := range e.events[:n] {
		if c, ok := e.byFd[ev.Fd]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

// Close closes the epoll fd.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFd = nil
	return unix.Close(e.fd)
}

// socketFD reads the fd behind conn without dup'ing it, or -1.
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
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
