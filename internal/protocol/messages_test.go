package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage_JoinQueue(t *testing.T) {
	input := []byte(`{"type":"join_queue","profile":{"affiliation":"MIT","interests":["Music","Art"]}}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	require.Equal(t, TypeJoinQueue, msgType)

	jq, ok := msg.(JoinQueueMsg)
	require.True(t, ok, "expected JoinQueueMsg, got %T", msg)
	assert.Equal(t, "MIT", jq.Profile.Affiliation)
	assert.Equal(t, []string{"Music", "Art"}, jq.Profile.Interests)
}

func TestParseClientMessage_JoinQueueWithoutProfile(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"join_queue"}`))
	require.NoError(t, err)
	require.Equal(t, TypeJoinQueue, msgType)

	jq := msg.(JoinQueueMsg)
	assert.Empty(t, jq.Profile.Interests)
}

func TestParseClientMessage_JoinQueueTooManyInterests(t *testing.T) {
	tags := make([]string, 21)
	for i := range tags {
		tags[i] = fmt.Sprintf("%q", fmt.Sprintf("tag-%d", i))
	}
	input := []byte(`{"type":"join_queue","profile":{"interests":[` + strings.Join(tags, ",") + `]}}`)

	msgType, msg, err := ParseClientMessage(input)
	require.Error(t, err)
	assert.Equal(t, TypeJoinQueue, msgType)
	assert.Nil(t, msg)
}

func TestParseClientMessage_JoinQueueInterestTooLong(t *testing.T) {
	input := []byte(`{"type":"join_queue","profile":{"interests":["` + strings.Repeat("x", 65) + `"]}}`)

	_, _, err := ParseClientMessage(input)
	assert.Error(t, err)
}

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"a#b","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	require.Equal(t, TypeSendMessage, msgType)

	sm, ok := msg.(SendMessageMsg)
	require.True(t, ok, "expected SendMessageMsg, got %T", msg)
	assert.Equal(t, "a#b", sm.RoomID)
	assert.Equal(t, "Hello!", sm.Content)
}

func TestParseClientMessage_SendMessageRequiresRoom(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"send_message","content":"hi"}`))
	assert.Error(t, err)
}

func TestParseClientMessage_LeaveRoomRequiresRoom(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"leave_room"}`))
	assert.Error(t, err)
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"unknown_type","data":"something"}`))

	require.Error(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, "unknown_type", msgType)
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join_queue", `{"type":"join_queue","profile":{"interests":["music"]}}`, TypeJoinQueue},
		{"leave_queue", `{"type":"leave_queue"}`, TypeLeaveQueue},
		{"send_message", `{"type":"send_message","room_id":"a#b","content":"hi"}`, TypeSendMessage},
		{"leave_room", `{"type":"leave_room","room_id":"a#b"}`, TypeLeaveRoom},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, msgType)
			assert.NotNil(t, msg)
		})
	}
}

func TestNewServerMessage_Matched(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{
		RoomID:          "a#b",
		PeerID:          "b",
		PeerProfile:     Profile{Affiliation: "MIT", Interests: []string{"music"}},
		SharedInterests: []string{"music"},
		Score:           2,
	})
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, TypeMatched, result["type"])
	assert.Equal(t, "a#b", result["room_id"])
	assert.Equal(t, "b", result["peer_id"])
	assert.Equal(t, float64(2), result["score"])

	peer, ok := result["peer_profile"].(map[string]interface{})
	require.True(t, ok, "peer_profile should be an object, got %T", result["peer_profile"])
	assert.Equal(t, "MIT", peer["affiliation"])
}

func TestNewServerMessage_MessageReceived(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeMessageReceived, MessageReceivedMsg{
		ID:        "m1",
		RoomID:    "a#b",
		Sender:    "a",
		Content:   "hi",
		CreatedAt: at,
	})
	require.NoError(t, err)

	var decoded MessageReceivedMsg
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeMessageReceived, decoded.Type)
	assert.Equal(t, "hi", decoded.Content)
	assert.True(t, at.Equal(decoded.CreatedAt))
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypePeerLeft, PeerLeftMsg{Type: "bogus", RoomID: "a#b", Reason: ReasonLeft})
	require.NoError(t, err)

	var decoded PeerLeftMsg
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypePeerLeft, decoded.Type)
	assert.Equal(t, ReasonLeft, decoded.Reason)
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(`{"data":"no type field"}`), &env))
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(`{invalid json}`), &env))
}
