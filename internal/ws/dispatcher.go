package ws

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/colmate/chat-app/internal/metrics"
	"github.com/colmate/chat-app/internal/protocol"
)

// Error codes produced by the dispatcher itself, before a handler runs.
const (
	CodeInvalidMessage  = "invalid_message"
	CodeInvalidProfile  = "invalid_profile"
	CodeUnsupportedType = "unsupported_type"
	CodeRateLimited     = "rate_limited"
)

// rateLimitTimeout bounds the limiter round trip for one inbound frame.
const rateLimitTimeout = 500 * time.Millisecond

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinQueueMsg, protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// RateLimiter decides whether a connection may send another message of a
// given type, and if not, how long it should wait.
type RateLimiter interface {
	Allow(ctx context.Context, connID, msgType string) (bool, time.Duration)
}

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself, applies rate limits, and
// sends structured error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	limiter  RateLimiter
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// SetRateLimiter installs a limiter consulted before every handler.
func (d *MessageDispatcher) SetRateLimiter(l RateLimiter) {
	d.limiter = l
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		code := CodeInvalidMessage
		if msgType == protocol.TypeJoinQueue {
			code = CodeInvalidProfile
		}
		d.sendError(conn, code, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, CodeUnsupportedType, "unsupported message type")
		return
	}

	if d.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rateLimitTimeout)
		allowed, retryAfter := d.limiter.Allow(ctx, conn.ID, msgType)
		cancel()
		if !allowed {
			log.Printf("ws: rate limited type=%s conn=%s retry_after=%s", msgType, conn.ID, retryAfter)
			if msgType == protocol.TypeSendMessage {
				metrics.MessagesTotal.WithLabelValues(metrics.ResultRateLimited).Inc()
			}
			d.sendRateLimited(conn, retryAfter)
			return
		}
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.write(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

// sendRateLimited tells the client how many whole seconds to back off.
func (d *MessageDispatcher) sendRateLimited(conn *Connection, retryAfter time.Duration) {
	d.write(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retryAfter.Seconds())),
	})
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch(time.Now())
	d.write(conn, protocol.TypePong, protocol.PongMsg{})
}

func (d *MessageDispatcher) write(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", msgType, conn.ID, err)
		return
	}

	if err := conn.Enqueue(data); err != nil {
		log.Printf("ws: failed to send %s message conn=%s: %v", msgType, conn.ID, err)
	}
}
