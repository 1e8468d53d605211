// Package client provides a WebSocket load test client for the colmate
// chat server. It dials with gobwas/ws (the same library the server uses),
// records the connection id from the "connected" greeting and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoinQueue   = "join_queue"
	TypeLeaveQueue  = "leave_queue"
	TypeSendMessage = "send_message"
	TypeLeaveRoom   = "leave_room"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeQueued          = "queued"
	TypeMatched         = "matched"
	TypeMessageReceived = "message_received"
	TypePeerLeft        = "peer_left"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Profile is the wire profile sent with join_queue.
type Profile struct {
	Affiliation string   `json:"affiliation,omitempty"`
	Interests   []string `json:"interests"`
}

// Matched is the payload of a matched frame.
type Matched struct {
	RoomID          string   `json:"room_id"`
	PeerID          string   `json:"peer_id"`
	PeerProfile     Profile  `json:"peer_profile"`
	SharedInterests []string `json:"shared_interests"`
	Score           int      `json:"score"`
}

// Received is the payload of a message_received frame.
type Received struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the connected greeting
	MessagesReceived int
	MessagesSent     int
	RateLimited      int
	Errors           int
}

// Client is a single simulated user connection. Incoming frames are
// dispatched to handlers registered with On.
type Client struct {
	conn     net.Conn
	writeMu  sync.Mutex
	mu       sync.Mutex
	connID   string
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url (including an optional ?token= query) and starts the read
// loop. Use WaitConnected to block until the server greets the client.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop(start)
	return c, nil
}

// Send encodes msg as JSON and writes it as a text frame. It is
// goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// JoinQueue sends join_queue with the given profile.
func (c *Client) JoinQueue(p Profile) error {
	if p.Interests == nil {
		p.Interests = []string{}
	}
	return c.Send(map[string]interface{}{"type": TypeJoinQueue, "profile": p})
}

// SendMessage sends content into roomID.
func (c *Client) SendMessage(roomID, content string) error {
	return c.Send(map[string]string{"type": TypeSendMessage, "room_id": roomID, "content": content})
}

// LeaveRoom ends roomID.
func (c *Client) LeaveRoom(roomID string) error {
	return c.Send(map[string]string{"type": TypeLeaveRoom, "room_id": roomID})
}

// On registers the handler for a server message type, replacing any earlier
// one. Handlers run on the read loop goroutine and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitConnected blocks until the connected greeting arrives, the
// connection drops or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before greeting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionID returns the server-issued connection id, or "" before the
// greeting.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection and stops the read loop. It is safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop(start time.Time) {
	defer c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connection_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeConnected:
			if c.connID == "" {
				c.connID = envelope.ConnectionID
				c.metrics.ConnectLatency = time.Since(start)
				close(c.connected)
			}
		case TypeRateLimited:
			c.metrics.RateLimited++
		case TypeError:
			c.metrics.Errors++
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
