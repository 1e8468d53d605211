// Package chat routes messages between the two members of a live room and
// hands each delivered message to the archive.
package chat

import "time"

// Message is a single chat message. The router keeps no history: a Message
// lives only for delivery and archiving.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	MatchID    string    `json:"match_id"`
	SenderConn string    `json:"sender_conn"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
