// Package gateway bridges transport events to the waiting queue, the room
// registry and the message router.
//
// All queue and room state is owned by a single goroutine (Run). Every
// public operation is submitted to that goroutine as a closure and runs to
// completion before the next one starts, so a join, send, leave or
// disconnect never observes another half-applied. Side effects that leave
// the process (presence mirroring, archiving) are handed off to their own
// workers and never block the loop.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/colmate/chat-app/internal/chat"
	"github.com/colmate/chat-app/internal/matching"
	"github.com/colmate/chat-app/internal/metrics"
	"github.com/colmate/chat-app/internal/room"
)

// Notifier hands an encoded server frame to one connection. It is called
// from the event loop and must not block on the network; ws.Server queues
// the frame on the connection's own writer.
type Notifier interface {
	SendMessage(connID string, data []byte) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(connID string, data []byte) error

// SendMessage calls f(connID, data).
func (f NotifierFunc) SendMessage(connID string, data []byte) error {
	return f(connID, data)
}

// RoomEvents receives room lifecycle notifications. Implementations must
// not block.
type RoomEvents interface {
	RoomOpened(r *room.Room)
	RoomClosed(r *room.Room, reason string)
}

// Config holds gateway policy.
type Config struct {
	// AllowAnonymousSend lets connections without a user id send messages,
	// attributed to their connection id.
	AllowAnonymousSend bool
	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int
	// PresenceBuffer is the capacity of the presence mirror channel.
	PresenceBuffer int
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		AllowAnonymousSend: true,
		EventBuffer:        1024,
		PresenceBuffer:     4096,
	}
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithQueue replaces the default waiting queue.
func WithQueue(q *matching.Queue) Option {
	return func(g *Gateway) { g.queue = q }
}

// WithRegistry replaces the default room registry.
func WithRegistry(r *room.Registry) Option {
	return func(g *Gateway) { g.rooms = r }
}

// WithArchiver sets the sink for delivered messages.
func WithArchiver(a chat.Archiver) Option {
	return func(g *Gateway) { g.archiver = a }
}

// WithRoomEvents sets the sink for room lifecycle events.
func WithRoomEvents(e RoomEvents) Option {
	return func(g *Gateway) { g.roomEvents = e }
}

// WithPresence mirrors connection status to p.
func WithPresence(p Presence) Option {
	return func(g *Gateway) { g.presenceStore = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// conn is the gateway's view of one registered connection. Queue and room
// membership are not stored here; the queue and registry are the only
// source of truth for them.
type conn struct {
	id          string
	userID      string
	connectedAt time.Time
}

// tombstoneTTL is how long a disconnected id stays refused by Connect.
const tombstoneTTL = time.Minute

type tombstone struct {
	connID string
	at     time.Time
}

// Gateway is the single writer for matchmaking and room state.
type Gateway struct {
	config   Config
	notifier Notifier

	conns  map[string]*conn
	queue  *matching.Queue

	// Recently disconnected ids, oldest first. A Connect that arrives
	// after its own Disconnect is refused instead of leaving a ghost.
	gone      map[string]struct{}
	graveyard []tombstone

	rooms  *room.Registry
	router *chat.Router

	archiver      chat.Archiver
	roomEvents    RoomEvents
	presenceStore Presence
	presence      *presenceMirror

	now     func() time.Time
	events  chan func()
	stopped chan struct{}
}

// New creates a gateway that writes frames through notifier. Call Run to
// start processing events.
func New(config Config, notifier Notifier, opts ...Option) *Gateway {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	if config.PresenceBuffer <= 0 {
		config.PresenceBuffer = DefaultConfig().PresenceBuffer
	}

	g := &Gateway{
		config:   config,
		notifier: notifier,
		conns:    make(map[string]*conn),
		gone:     make(map[string]struct{}),
		now:      time.Now,
		events:   make(chan func(), config.EventBuffer),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.queue == nil {
		g.queue = matching.NewQueue(matching.WithClock(g.now))
	}
	if g.rooms == nil {
		g.rooms = room.NewRegistry()
	}
	g.router = chat.NewRouter(g.rooms, g, g.archiver)
	g.presence = newPresenceMirror(g.presenceStore, config.PresenceBuffer)
	return g
}

// Run processes events until ctx is cancelled. It must be called exactly
// once; operations submitted after Run returns fail with ErrClosed.
func (g *Gateway) Run(ctx context.Context) {
	defer close(g.stopped)

	go g.presence.run(ctx)

	log.Printf("[gateway] event loop started (buffer=%d, anonymous_send=%v)",
		g.config.EventBuffer, g.config.AllowAnonymousSend)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[gateway] event loop stopped: %v", ctx.Err())
			return
		case fn := <-g.events:
			fn()
		}
	}
}

// call runs fn on the event loop and waits for its result.
func (g *Gateway) call(fn func() error) error {
	res := make(chan error, 1)
	select {
	case g.events <- func() { res <- fn() }:
	case <-g.stopped:
		return ErrClosed
	}

	select {
	case err := <-res:
		return err
	case <-g.stopped:
		return ErrClosed
	}
}

// Stats is a point-in-time snapshot of gateway state.
type Stats struct {
	Connections int `json:"connections"`
	Queued      int `json:"queued"`
	Rooms       int `json:"rooms"`
}

// Stats returns the current connection, queue and room counts.
func (g *Gateway) Stats() (Stats, error) {
	var s Stats
	err := g.call(func() error {
		s = Stats{
			Connections: len(g.conns),
			Queued:      g.queue.Len(),
			Rooms:       g.rooms.Len(),
		}
		return nil
	})
	return s, err
}

// bury records that connID has disconnected. Called from the event loop.
func (g *Gateway) bury(connID string) {
	g.pruneTombstones()
	if _, ok := g.gone[connID]; ok {
		return
	}
	g.gone[connID] = struct{}{}
	g.graveyard = append(g.graveyard, tombstone{connID: connID, at: g.now()})
}

// buried reports whether connID disconnected within tombstoneTTL.
func (g *Gateway) buried(connID string) bool {
	g.pruneTombstones()
	_, ok := g.gone[connID]
	return ok
}

func (g *Gateway) pruneTombstones() {
	cutoff := g.now().Add(-tombstoneTTL)
	n := 0
	for n < len(g.graveyard) && g.graveyard[n].at.Before(cutoff) {
		delete(g.gone, g.graveyard[n].connID)
		n++
	}
	if n > 0 {
		g.graveyard = g.graveyard[n:]
	}
}

// syncGauges publishes queue and room sizes. Called from the event loop.
func (g *Gateway) syncGauges() {
	metrics.MatchQueueSize.Set(float64(g.queue.Len()))
	metrics.ActiveRooms.Set(float64(g.rooms.Len()))
}
