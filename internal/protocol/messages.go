// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

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

// Reasons carried by peer_left.
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
)

var validate = validator.New()

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// Profile is the wire form of a matching profile.
type Profile struct {
	Affiliation string   `json:"affiliation,omitempty" validate:"max=128"`
	Interests   []string `json:"interests" validate:"max=20,dive,max=64"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg is sent by the client to enter the waiting queue.
type JoinQueueMsg struct {
	Type    string  `json:"type"`
	Profile Profile `json:"profile"`
}

// LeaveQueueMsg is sent by the client to leave the waiting queue.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg is a chat message sent by the client into its room.
type SendMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id" validate:"required,max=256"`
	Content string `json:"content"`
}

// LeaveRoomMsg is sent by the client to end its current room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id" validate:"required,max=256"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is registered.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
}

// QueuedMsg confirms the client is waiting for a match.
type QueuedMsg struct {
	Type      string `json:"type"`
	QueueSize int    `json:"queue_size"`
}

// MatchedMsg is sent to each side of a new room. PeerProfile is always the
// other member's profile.
type MatchedMsg struct {
	Type            string   `json:"type"`
	RoomID          string   `json:"room_id"`
	PeerID          string   `json:"peer_id"`
	PeerProfile     Profile  `json:"peer_profile"`
	SharedInterests []string `json:"shared_interests"`
	Score           int      `json:"score"`
}

// MessageReceivedMsg is a chat message delivered to every room member,
// including the sender.
type MessageReceivedMsg struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PeerLeftMsg is sent to the remaining member when the other side leaves
// or disconnects.
type PeerLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for unknown
// or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: invalid %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
