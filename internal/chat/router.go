package chat

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/colmate/chat-app/internal/room"
)

var (
	ErrNotInRoom    = errors.New("chat: sender is not in a room")
	ErrRoomMismatch = errors.New("chat: sender is not a member of that room")
)

// Deliverer writes a message to one connection.
type Deliverer interface {
	Deliver(connID string, msg *Message) error
}

// Archiver records delivered messages. Archive must not block: durability
// is best-effort and never holds up delivery.
type Archiver interface {
	Archive(msg *Message)
}

// Router validates a send against the sender's room membership and fans the
// message out to every member of the room, sender included. It owns no
// state beyond its collaborators and reads membership from the registry.
type Router struct {
	rooms   *room.Registry
	deliver Deliverer
	archive Archiver
	now     func() time.Time
	newID   func() string
}

// NewRouter creates a router over the given room registry. archive may be
// nil, in which case messages are only delivered.
func NewRouter(rooms *room.Registry, deliver Deliverer, archive Archiver) *Router {
	return &Router{
		rooms:   rooms,
		deliver: deliver,
		archive: archive,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Route delivers content from senderConn to the members of roomID. senderID
// is the attributed identity (user id, or the connection id for anonymous
// senders). Rejected sends have no side effects.
func (r *Router) Route(senderConn, senderID, roomID, content string) (*Message, error) {
	if err := ValidateMessage(content); err != nil {
		return nil, err
	}

	rm, ok := r.rooms.ByMember(senderConn)
	if !ok {
		return nil, ErrNotInRoom
	}
	if rm.ID != roomID {
		return nil, ErrRoomMismatch
	}

	msg := &Message{
		ID:         r.newID(),
		RoomID:     rm.ID,
		MatchID:    rm.MatchID,
		SenderConn: senderConn,
		SenderID:   senderID,
		Content:    content,
		CreatedAt:  rm.NextMessageTime(r.now()),
	}

	if r.archive != nil {
		r.archive.Archive(msg)
	}

	for _, member := range rm.Members() {
		if err := r.deliver.Deliver(member, msg); err != nil {
			log.Printf("[router] deliver room=%s to=%s failed: %v", rm.ID, member, err)
		}
	}
	return msg, nil
}
