// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tracking live sockets, reading frames through epoll and a
// bounded worker pool, and dispatching decoded messages to handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // data frames larger than this close the connection
	SendBuffer     int           // queued outbound frames per connection before it is dropped
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  16 << 10,
		SendBuffer:     256,
	}
}

// IdentifyFunc resolves the user id for an upgrade request. An empty id
// means the connection is anonymous.
type IdentifyFunc func(r *http.Request) (string, error)

// AdmitFunc decides whether a client address may open another connection.
// When it may not, retryAfter is sent in the Retry-After header.
type AdmitFunc func(ctx context.Context, addr string) (ok bool, retryAfter time.Duration)

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with epoll for readiness
// notifications, and hands ready connections to a bounded worker pool.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	router       *gin.Engine
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection) error        // runs before the connection is read from
	onDisconnect func(connID string)                 // called when a connection is removed
	identify     IdentifyFunc
	admit        AdmitFunc
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. onMessage is called from a worker goroutine whenever a complete
// WebSocket text frame is received.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		router:     gin.New(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	s.router.Use(gin.Recovery())
	s.router.GET("/ws", s.handleUpgrade)
	s.router.GET("/health", s.handleHealth)
	return s
}

// Router exposes the HTTP router so callers can mount extra endpoints
// (stats, metrics) before Start.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// SetIdentify registers the identity resolver used during upgrade.
func (s *Server) SetIdentify(fn IdentifyFunc) {
	s.identify = fn
}

// SetAdmit registers the per-address admission check run before upgrade.
func (s *Server) SetAdmit(fn AdmitFunc) {
	s.admit = fn
}

// SetOnConnect registers a callback invoked once a connection can be
// written to and before any of its frames are read. Returning an error
// closes the connection without a disconnect callback.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is removed (read error, heartbeat timeout or close frame).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start initializes epoll and the heartbeat, then serves HTTP until
// Shutdown. It blocks.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade resolves the caller's identity, upgrades the request with
// the gobwas zero-copy upgrader and registers the new connection.
func (s *Server) handleUpgrade(c *gin.Context) {
	if s.conns.Count() >= s.config.MaxConnections {
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	if s.admit != nil {
		if ok, retry := s.admit(c.Request.Context(), c.ClientIP()); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			c.String(http.StatusTooManyRequests, "too many connection attempts")
			return
		}
	}

	var userID string
	if s.identify != nil {
		id, err := s.identify(c.Request)
		if err != nil {
			// Bad tokens are not fatal; the socket continues anonymously.
			log.Printf("ws: identify failed from %s: %v (continuing anonymous)", c.ClientIP(), err)
		} else {
			userID = id
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	wc := NewConnection(uuid.NewString(), conn, s.config.SendBuffer)
	wc.UserID = userID
	wc.RemoteAddr = c.ClientIP()
	wc.Fd = socketFD(conn)

	if err := s.register(wc); err != nil {
		log.Printf("ws: register conn=%s failed: %v", wc.ID, err)
		return
	}
	log.Printf("ws: new connection conn=%s fd=%d user=%q (total=%d)", wc.ID, wc.Fd, userID, s.conns.Count())
}

// register tracks c and starts its writer, runs the connect callback, and
// only then starts reading. Frames from the client therefore never reach
// onMessage, and no disconnect is reported, before onConnect returns.
func (s *Server) register(c *Connection) error {
	s.track(c)

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.conns.Remove(c.ID)
			return fmt.Errorf("connect callback: %w", err)
		}
	}
	if s.conns.Get(c.ID) != c {
		return ErrConnectionClosed
	}

	if err := s.epoll.Add(c); err != nil {
		s.RemoveConnection(c)
		return fmt.Errorf("epoll add: %w", err)
	}
	return nil
}

// track adds c to the manager and starts its writer. The writer removes
// the connection when it stops.
func (s *Server) track(c *Connection) {
	s.conns.Add(c)
	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		if !errors.Is(err, ErrConnectionClosed) {
			log.Printf("ws: write failed conn=%s: %v", c.ID, err)
		}
		s.RemoveConnection(c)
	})
}

// handleHealth reports liveness, connection count and uptime. It is used
// by the load balancer for health checks.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// startEventLoop runs the epoll wait loop, handing each ready connection to
// a worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, c := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. wsutil.NextReader lets
// control frames through without blocking on a data frame that may never
// arrive. Read failures remove the connection.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID) != c {
		return
	}
	netConn := c.Conn

	// Level-triggered epoll may report the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch with nothing to read; the
		// heartbeat takes care of dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the manager and
// closes it. Concurrent removals of the same connection (read error racing
// the heartbeat) run the disconnect callback only once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage queues a text frame for the connection identified by
// connID. It never blocks on the socket; a connection whose outbox is full
// is dropped.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if err := c.Enqueue(data); err != nil {
		return fmt.Errorf("ws: conn %s: %w", connID, err)
	}
	return nil
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then closes every
// live connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c)
		}
		if s.conns.Remove(c.ID) && s.onDisconnect != nil {
			s.onDisconnect(c.ID)
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR reports whether err is an interrupted system call, which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
