package gateway

import (
	"fmt"
	"log"
	"time"

	"github.com/colmate/chat-app/internal/chat"
	"github.com/colmate/chat-app/internal/matching"
	"github.com/colmate/chat-app/internal/metrics"
	"github.com/colmate/chat-app/internal/profile"
	"github.com/colmate/chat-app/internal/protocol"
	"github.com/colmate/chat-app/internal/room"
	"github.com/colmate/chat-app/internal/session"
)

// Connect registers a connection and greets it. userID is empty for
// anonymous connections. An id that has already disconnected is refused
// with ErrConnectionGone.
func (g *Gateway) Connect(connID, userID string) error {
	return g.call(func() error {
		if _, ok := g.conns[connID]; ok {
			return ErrDuplicateConn
		}
		if g.buried(connID) {
			return ErrConnectionGone
		}
		g.conns[connID] = &conn{id: connID, userID: userID, connectedAt: g.now()}
		metrics.ConnectionsTotal.Set(float64(len(g.conns)))
		g.presence.track(connID, userID)

		g.send(connID, protocol.TypeConnected, protocol.ConnectedMsg{
			ConnectionID: connID,
			UserID:       userID,
		})
		log.Printf("[gateway] connected conn=%s user=%q (total=%d)", connID, userID, len(g.conns))
		return nil
	})
}

// JoinQueue puts the connection in the waiting queue. If a peer is found
// immediately, a room is opened and both sides receive "matched";
// otherwise the caller receives "queued".
func (g *Gateway) JoinQueue(connID string, p profile.Profile) error {
	p = profile.Normalize(p)
	if err := profile.Validate(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	return g.call(func() error {
		if _, ok := g.conns[connID]; !ok {
			return ErrUnknownConnection
		}
		if _, inRoom := g.rooms.ByMember(connID); inRoom {
			return ErrInRoom
		}

		match, err := g.queue.Join(connID, p)
		if err != nil {
			return err
		}
		if match == nil {
			g.presence.status(connID, session.StatusQueued, "")
			g.send(connID, protocol.TypeQueued, protocol.QueuedMsg{QueueSize: g.queue.Len()})
			g.syncGauges()
			log.Printf("[gateway] queued conn=%s interests=%v (queue=%d)", connID, p.Interests, g.queue.Len())
			return nil
		}

		return g.openRoom(match)
	})
}

// openRoom turns a match into a live room and notifies both sides.
func (g *Gateway) openRoom(m *matching.Match) error {
	a, b := g.member(m.Self), g.member(m.Peer)
	rm, err := g.rooms.Create(a, b, m.Score, m.SharedInterests)
	if err != nil {
		// Queued connections are never room members; reaching this means
		// that invariant is broken.
		log.Printf("[gateway] room create for %s/%s failed: %v", a.ConnID, b.ConnID, err)
		return fmt.Errorf("gateway: open room: %w", err)
	}

	kind := metrics.KindScored
	if m.Fallback {
		kind = metrics.KindFallback
	}
	metrics.MatchesTotal.WithLabelValues(kind).Inc()
	metrics.MatchScore.Observe(float64(m.Score))
	metrics.MatchDuration.Observe(g.now().Sub(m.Peer.JoinedAt).Seconds())
	g.syncGauges()

	for _, id := range rm.Members() {
		peer, _ := rm.Peer(id)
		g.presence.status(id, session.StatusChatting, rm.ID)
		g.send(id, protocol.TypeMatched, protocol.MatchedMsg{
			RoomID:          rm.ID,
			PeerID:          peer.ConnID,
			PeerProfile:     wireProfile(peer.Profile),
			SharedInterests: nonNil(rm.SharedInterests),
			Score:           rm.Score,
		})
	}

	if g.roomEvents != nil {
		g.roomEvents.RoomOpened(rm)
	}
	log.Printf("[gateway] matched room=%s match=%s score=%d fallback=%v", rm.ID, rm.MatchID, rm.Score, m.Fallback)
	return nil
}

func (g *Gateway) member(e matching.QueueEntry) room.Member {
	m := room.Member{ConnID: e.ConnID, Profile: e.Profile}
	if c, ok := g.conns[e.ConnID]; ok {
		m.UserID = c.userID
	}
	return m
}

// LeaveQueue removes the connection from the waiting queue. Leaving when
// not queued is a no-op.
func (g *Gateway) LeaveQueue(connID string) error {
	return g.call(func() error {
		if _, ok := g.conns[connID]; !ok {
			return ErrUnknownConnection
		}
		if g.queue.Leave(connID) {
			g.presence.idle(connID)
			g.syncGauges()
			log.Printf("[gateway] left queue conn=%s (queue=%d)", connID, g.queue.Len())
		}
		return nil
	})
}

// SendMessage routes content from the connection into its room. The sender
// identity is the connection's user id, or its connection id when
// anonymous sending is allowed.
func (g *Gateway) SendMessage(connID, roomID, content string) (*chat.Message, error) {
	var msg *chat.Message
	err := g.call(func() error {
		c, ok := g.conns[connID]
		if !ok {
			return ErrUnknownConnection
		}

		senderID := c.userID
		if senderID == "" {
			if !g.config.AllowAnonymousSend {
				return ErrAuthRequired
			}
			senderID = connID
		}

		start := time.Now()
		m, err := g.router.Route(connID, senderID, roomID, content)
		if err != nil {
			return err
		}
		metrics.MessageLatency.Observe(time.Since(start).Seconds())
		msg = m
		return nil
	})

	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(metrics.ResultDelivered).Inc()
	return msg, nil
}

// LeaveRoom ends the connection's room. The peer receives peer_left with
// reason "left".
func (g *Gateway) LeaveRoom(connID, roomID string) error {
	return g.call(func() error {
		if _, ok := g.conns[connID]; !ok {
			return ErrUnknownConnection
		}
		rm, ok := g.rooms.ByMember(connID)
		if !ok {
			return chat.ErrNotInRoom
		}
		if rm.ID != roomID {
			return chat.ErrRoomMismatch
		}

		g.closeRoom(rm.ID, connID, protocol.ReasonLeft)
		g.presence.idle(connID)
		return nil
	})
}

// Disconnect releases everything the connection holds: its queue entry or
// its room, never both. The id is remembered so a late Connect for it is
// refused; disconnecting an unknown id only leaves that record.
func (g *Gateway) Disconnect(connID string) error {
	return g.call(func() error {
		g.bury(connID)
		if _, ok := g.conns[connID]; !ok {
			return nil
		}

		switch rm, inRoom := g.rooms.ByMember(connID); {
		case inRoom:
			g.closeRoom(rm.ID, connID, protocol.ReasonDisconnected)
		case g.queue.Leave(connID):
			log.Printf("[gateway] disconnected conn=%s removed from queue", connID)
		}

		delete(g.conns, connID)
		metrics.ConnectionsTotal.Set(float64(len(g.conns)))
		g.syncGauges()
		g.presence.forget(connID)
		log.Printf("[gateway] disconnected conn=%s (total=%d)", connID, len(g.conns))
		return nil
	})
}

// closeRoom ends the room and tells the surviving member why. Ending a
// room that is already gone is a no-op.
func (g *Gateway) closeRoom(roomID, leaver, reason string) {
	rm, ok := g.rooms.End(roomID)
	if !ok {
		return
	}

	if peer, ok := rm.Peer(leaver); ok {
		g.presence.idle(peer.ConnID)
		g.send(peer.ConnID, protocol.TypePeerLeft, protocol.PeerLeftMsg{
			RoomID: rm.ID,
			Reason: reason,
		})
	}

	metrics.RoomsClosedTotal.WithLabelValues(reason).Inc()
	g.syncGauges()
	if g.roomEvents != nil {
		g.roomEvents.RoomClosed(rm, reason)
	}
	log.Printf("[gateway] room closed room=%s by=%s reason=%s", rm.ID, leaver, reason)
}

// Deliver implements chat.Deliverer by writing a message_received frame.
func (g *Gateway) Deliver(connID string, msg *chat.Message) error {
	data, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Sender:    msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	return g.notifier.SendMessage(connID, data)
}

// Reject writes an error frame for err to the connection. It is safe to
// call from any goroutine.
func (g *Gateway) Reject(connID string, err error) {
	code := ErrorCode(err)
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: ErrorText(code),
	})
}

// send encodes and writes a server frame, logging failures. A failed write
// never aborts the operation that produced it.
func (g *Gateway) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] encode %s for %s failed: %v", msgType, connID, err)
		return
	}
	if err := g.notifier.SendMessage(connID, data); err != nil {
		log.Printf("[gateway] send %s to %s failed: %v", msgType, connID, err)
	}
}

func wireProfile(p profile.Profile) protocol.Profile {
	return protocol.Profile{
		Affiliation: p.Affiliation,
		Interests:   nonNil(p.Interests),
	}
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
