// Package archive carries delivered messages and room lifecycle records from
// the gateway to durable storage. The gateway side publishes to NATS without
// ever blocking the event loop; the archiver side consumes and writes to the
// store.
package archive

import (
	"time"

	"github.com/colmate/chat-app/internal/chat"
	"github.com/colmate/chat-app/internal/room"
)

// MessageEvent is an archived chat message.
type MessageEvent struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	MatchID   string    `json:"match_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Member identifies one side of a room.
type Member struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id,omitempty"`
}

// RoomEvent records a room being opened or closed. ClosedAt and Reason are
// set only on close.
type RoomEvent struct {
	MatchID         string     `json:"match_id"`
	RoomID          string     `json:"room_id"`
	Members         []Member   `json:"members"`
	Score           int        `json:"score"`
	SharedInterests []string   `json:"shared_interests"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

func messageEvent(msg *chat.Message) MessageEvent {
	return MessageEvent{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		MatchID:   msg.MatchID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

func roomEvent(r *room.Room) RoomEvent {
	members := make([]Member, 0, 2)
	for _, m := range []room.Member{r.MemberA, r.MemberB} {
		members = append(members, Member{ConnID: m.ConnID, UserID: m.UserID})
	}
	shared := append([]string{}, r.SharedInterests...)
	return RoomEvent{
		MatchID:         r.MatchID,
		RoomID:          r.ID,
		Members:         members,
		Score:           r.Score,
		SharedInterests: shared,
		OpenedAt:        r.CreatedAt,
	}
}
