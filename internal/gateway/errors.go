package gateway

import (
	"errors"

	"github.com/colmate/chat-app/internal/chat"
	"github.com/colmate/chat-app/internal/matching"
)

var (
	ErrClosed            = errors.New("gateway: closed")
	ErrUnknownConnection = errors.New("gateway: unknown connection")
	ErrDuplicateConn     = errors.New("gateway: connection already registered")
	ErrConnectionGone    = errors.New("gateway: connection already disconnected")
	ErrInRoom            = errors.New("gateway: connection is in a room")
	ErrInvalidProfile    = errors.New("gateway: invalid profile")
	ErrAuthRequired      = errors.New("gateway: sending requires an authenticated identity")
)

// Wire error codes.
const (
	CodeInvalidProfile = "invalid_profile"
	CodeInvalidMessage = "invalid_message"
	CodeAlreadyQueued  = "already_queued"
	CodeInRoom         = "in_room"
	CodeNotInRoom      = "not_in_room"
	CodeRoomMismatch   = "room_mismatch"
	CodeAuthRequired   = "auth_required"
	CodeRateLimited    = "rate_limited"
	CodeNotConnected   = "not_connected"
	CodeDuplicateConn  = "duplicate_connection"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

var codeMessages = map[string]string{
	CodeInvalidProfile: "profile is invalid",
	CodeInvalidMessage: "message content is invalid",
	CodeAlreadyQueued:  "already waiting for a match",
	CodeInRoom:         "already in a room",
	CodeNotInRoom:      "not in a room",
	CodeRoomMismatch:   "not a member of that room",
	CodeAuthRequired:   "sign in to send messages",
	CodeRateLimited:    "too many requests",
	CodeNotConnected:   "connection is not registered",
	CodeDuplicateConn:  "connection is already registered",
	CodeUnavailable:    "server is shutting down",
	CodeInternal:       "internal error",
}

// ErrorCode maps an operation error to its wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidProfile):
		return CodeInvalidProfile
	case chat.IsValidationError(err):
		return CodeInvalidMessage
	case errors.Is(err, matching.ErrAlreadyQueued):
		return CodeAlreadyQueued
	case errors.Is(err, ErrInRoom):
		return CodeInRoom
	case errors.Is(err, chat.ErrNotInRoom):
		return CodeNotInRoom
	case errors.Is(err, chat.ErrRoomMismatch):
		return CodeRoomMismatch
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrUnknownConnection), errors.Is(err, ErrConnectionGone):
		return CodeNotConnected
	case errors.Is(err, ErrDuplicateConn):
		return CodeDuplicateConn
	case errors.Is(err, ErrClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ErrorText returns the client-facing text for a wire error code.
func ErrorText(code string) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return codeMessages[CodeInternal]
}
