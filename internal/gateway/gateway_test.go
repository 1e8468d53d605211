package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colmate/chat-app/internal/chat"
	"github.com/colmate/chat-app/internal/matching"
	"github.com/colmate/chat-app/internal/profile"
	"github.com/colmate/chat-app/internal/protocol"
	"github.com/colmate/chat-app/internal/room"
	"github.com/colmate/chat-app/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   map[string]bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		frames: make(map[string][][]byte),
		fail:   make(map[string]bool),
	}
}

func (n *recordingNotifier) SendMessage(connID string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[connID] {
		return errors.New("write: broken pipe")
	}
	n.frames[connID] = append(n.frames[connID], data)
	return nil
}

// ofType returns the decoded frames of msgType sent to connID, in order.
func (n *recordingNotifier) ofType(t *testing.T, connID, msgType string) []map[string]interface{} {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []map[string]interface{}
	for _, data := range n.frames[connID] {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// lastAs decodes the most recent frame of msgType sent to connID into v.
func (n *recordingNotifier) lastAs(t *testing.T, connID, msgType string, v interface{}) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := len(n.frames[connID]) - 1; i >= 0; i-- {
		data := n.frames[connID][i]
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == msgType {
			require.NoError(t, json.Unmarshal(data, v))
			return
		}
	}
	t.Fatalf("no %s frame sent to %s", msgType, connID)
}

type recordingRoomEvents struct {
	opened []*room.Room
	closed []string // reasons
}

func (r *recordingRoomEvents) RoomOpened(rm *room.Room) { r.opened = append(r.opened, rm) }
func (r *recordingRoomEvents) RoomClosed(rm *room.Room, reason string) {
	r.closed = append(r.closed, reason)
}

type recordingArchiver struct {
	mu   sync.Mutex
	msgs []*chat.Message
}

func (a *recordingArchiver) Archive(msg *chat.Message) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
}

type fakePresence struct {
	mu     sync.Mutex
	status map[string]string
	rooms  map[string]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{status: make(map[string]string), rooms: make(map[string]string)}
}

func (p *fakePresence) Track(_ context.Context, connID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[connID] = session.StatusIdle
	return nil
}

func (p *fakePresence) SetStatus(_ context.Context, connID, status, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[connID] = status
	p.rooms[connID] = roomID
	return nil
}

func (p *fakePresence) Forget(_ context.Context, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.status, connID)
	delete(p.rooms, connID)
	return nil
}

func (p *fakePresence) get(connID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.status[connID]
	return s, ok
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func startGateway(t *testing.T, config Config, opts ...Option) (*Gateway, *recordingNotifier) {
	t.Helper()
	notifier := newRecordingNotifier()

	queue := matching.NewQueue(matching.WithPicker(func(int) int { return 0 }))
	opts = append([]Option{WithQueue(queue)}, opts...)
	g := New(config, notifier, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-g.stopped
	})
	return g, notifier
}

func connect(t *testing.T, g *Gateway, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, g.Connect(id, ""))
	}
}

func interests(tags ...string) profile.Profile {
	return profile.Profile{Interests: tags}
}

// pair connects a and b and matches them on a shared interest.
func pair(t *testing.T, g *Gateway, a, b string) string {
	t.Helper()
	connect(t, g, a, b)
	require.NoError(t, g.JoinQueue(a, interests("Music", "Art")))
	require.NoError(t, g.JoinQueue(b, interests("Music")))
	return room.ID(a, b)
}

// checkInvariants asserts that no connection is both queued and in a room.
func checkInvariants(t *testing.T, g *Gateway) {
	t.Helper()
	require.NoError(t, g.call(func() error {
		for id := range g.conns {
			_, inRoom := g.rooms.ByMember(id)
			if inRoom && g.queue.Contains(id) {
				return fmt.Errorf("%s is queued and in a room", id)
			}
		}
		for _, e := range g.queue.Entries() {
			if _, ok := g.conns[e.ConnID]; !ok {
				return fmt.Errorf("queued %s is not connected", e.ConnID)
			}
		}
		return nil
	}))
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

func TestConnect_SendsConnected(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())

	require.NoError(t, g.Connect("a", "user-1"))

	var msg protocol.ConnectedMsg
	n.lastAs(t, "a", protocol.TypeConnected, &msg)
	assert.Equal(t, "a", msg.ConnectionID)
	assert.Equal(t, "user-1", msg.UserID)

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)
}

func TestConnect_Duplicate(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())

	require.NoError(t, g.Connect("a", ""))
	assert.ErrorIs(t, g.Connect("a", ""), ErrDuplicateConn)
}

// ---------------------------------------------------------------------------
// JoinQueue
// ---------------------------------------------------------------------------

func TestJoinQueue_LoneEntryIsQueued(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	connect(t, g, "a")

	require.NoError(t, g.JoinQueue("a", interests("Gaming")))

	var msg protocol.QueuedMsg
	n.lastAs(t, "a", protocol.TypeQueued, &msg)
	assert.Equal(t, 1, msg.QueueSize)

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 0, stats.Rooms)
}

func TestJoinQueue_MatchNotifiesBothWithPeerProfile(t *testing.T) {
	events := &recordingRoomEvents{}
	g, n := startGateway(t, DefaultConfig(), WithRoomEvents(events))
	connect(t, g, "a", "b")

	require.NoError(t, g.JoinQueue("a", profile.Profile{Affiliation: "MIT", Interests: []string{"Music", "Art"}}))
	require.NoError(t, g.JoinQueue("b", profile.Profile{Affiliation: "CMU", Interests: []string{"Music"}}))

	wantRoom := room.ID("a", "b")

	var forA, forB protocol.MatchedMsg
	n.lastAs(t, "a", protocol.TypeMatched, &forA)
	n.lastAs(t, "b", protocol.TypeMatched, &forB)

	assert.Equal(t, wantRoom, forA.RoomID)
	assert.Equal(t, wantRoom, forB.RoomID)
	assert.Equal(t, "b", forA.PeerID)
	assert.Equal(t, "a", forB.PeerID)
	assert.Equal(t, "CMU", forA.PeerProfile.Affiliation)
	assert.Equal(t, "MIT", forB.PeerProfile.Affiliation)
	assert.Equal(t, []string{"Music"}, forA.SharedInterests)
	assert.Equal(t, 1, forA.Score)
	assert.Equal(t, 1, forB.Score)

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 1, stats.Rooms)

	require.Len(t, events.opened, 1)
	assert.Equal(t, wantRoom, events.opened[0].ID)
	assert.NotEmpty(t, events.opened[0].MatchID)
}

func TestJoinQueue_NormalizesProfile(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	connect(t, g, "a", "b")

	require.NoError(t, g.JoinQueue("a", interests(" Music ", "Music", "")))
	require.NoError(t, g.JoinQueue("b", interests("Music")))

	var msg protocol.MatchedMsg
	n.lastAs(t, "b", protocol.TypeMatched, &msg)
	assert.Equal(t, []string{"Music"}, msg.PeerProfile.Interests)
}

func TestJoinQueue_AlreadyQueued(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	connect(t, g, "a")
	require.NoError(t, g.JoinQueue("a", interests("Gaming")))

	err := g.JoinQueue("a", interests("Gaming"))
	assert.ErrorIs(t, err, matching.ErrAlreadyQueued)
	assert.Equal(t, CodeAlreadyQueued, ErrorCode(err))
}

func TestJoinQueue_InRoom(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	pair(t, g, "a", "b")

	err := g.JoinQueue("a", interests("Music"))
	assert.ErrorIs(t, err, ErrInRoom)

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
}

func TestJoinQueue_InvalidProfile(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	connect(t, g, "a")

	tags := make([]string, profile.MaxInterests+1)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%d", i)
	}

	err := g.JoinQueue("a", interests(tags...))
	assert.ErrorIs(t, err, ErrInvalidProfile)
	assert.Empty(t, n.ofType(t, "a", protocol.TypeQueued))
}

func TestJoinQueue_UnknownConnection(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())

	assert.ErrorIs(t, g.JoinQueue("ghost", interests("Music")), ErrUnknownConnection)
}

// ---------------------------------------------------------------------------
// LeaveQueue
// ---------------------------------------------------------------------------

func TestLeaveQueue(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	connect(t, g, "a")
	require.NoError(t, g.JoinQueue("a", interests("Gaming")))

	require.NoError(t, g.LeaveQueue("a"))

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
}

func TestLeaveQueue_NotQueuedIsNoop(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	connect(t, g, "a")

	assert.NoError(t, g.LeaveQueue("a"))
	assert.NoError(t, g.LeaveQueue("a"))
}

// ---------------------------------------------------------------------------
// SendMessage
// ---------------------------------------------------------------------------

func TestSendMessage_BothMembersReceiveOnce(t *testing.T) {
	archiver := &recordingArchiver{}
	g, n := startGateway(t, DefaultConfig(), WithArchiver(archiver))
	roomID := pair(t, g, "a", "b")

	msg, err := g.SendMessage("a", roomID, "hi")
	require.NoError(t, err)
	require.NotNil(t, msg)

	for _, id := range []string{"a", "b"} {
		frames := n.ofType(t, id, protocol.TypeMessageReceived)
		require.Len(t, frames, 1, "conn %s", id)
		assert.Equal(t, "hi", frames[0]["content"])
		assert.Equal(t, "a", frames[0]["sender"])
		assert.Equal(t, msg.ID, frames[0]["id"])
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	require.Len(t, archiver.msgs, 1)
	assert.Equal(t, roomID, archiver.msgs[0].RoomID)
}

func TestSendMessage_CreatedAtAscending(t *testing.T) {
	frozen := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	g, n := startGateway(t, DefaultConfig(), WithClock(func() time.Time { return frozen }))
	roomID := pair(t, g, "a", "b")

	_, err := g.SendMessage("a", roomID, "first")
	require.NoError(t, err)
	_, err = g.SendMessage("b", roomID, "second")
	require.NoError(t, err)

	var got []protocol.MessageReceivedMsg
	n.mu.Lock()
	for _, data := range n.frames["b"] {
		var m protocol.MessageReceivedMsg
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == protocol.TypeMessageReceived {
			got = append(got, m)
		}
	}
	n.mu.Unlock()

	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
	assert.True(t, got[1].CreatedAt.After(got[0].CreatedAt))
}

func TestSendMessage_UsesUserIDWhenAuthenticated(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	require.NoError(t, g.Connect("a", "user-a"))
	require.NoError(t, g.Connect("b", ""))
	require.NoError(t, g.JoinQueue("a", interests("Music")))
	require.NoError(t, g.JoinQueue("b", interests("Music")))

	_, err := g.SendMessage("a", room.ID("a", "b"), "hello")
	require.NoError(t, err)

	var msg protocol.MessageReceivedMsg
	n.lastAs(t, "b", protocol.TypeMessageReceived, &msg)
	assert.Equal(t, "user-a", msg.Sender)
}

func TestSendMessage_AnonymousRejectedWhenDisallowed(t *testing.T) {
	config := DefaultConfig()
	config.AllowAnonymousSend = false
	g, n := startGateway(t, config)
	roomID := pair(t, g, "a", "b")

	_, err := g.SendMessage("a", roomID, "hi")
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, CodeAuthRequired, ErrorCode(err))
	assert.Empty(t, n.ofType(t, "b", protocol.TypeMessageReceived))
}

func TestSendMessage_RoomMismatchDoesNotBroadcast(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	pair(t, g, "a", "b")
	otherRoom := pair(t, g, "c", "d")

	_, err := g.SendMessage("a", otherRoom, "sneaky")
	assert.ErrorIs(t, err, chat.ErrRoomMismatch)

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Empty(t, n.ofType(t, id, protocol.TypeMessageReceived), "conn %s", id)
	}
}

func TestSendMessage_NotInRoom(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	connect(t, g, "a")

	_, err := g.SendMessage("a", "a#b", "hi")
	assert.ErrorIs(t, err, chat.ErrNotInRoom)
	assert.Equal(t, CodeNotInRoom, ErrorCode(err))
}

func TestSendMessage_EmptyContent(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	roomID := pair(t, g, "a", "b")

	_, err := g.SendMessage("a", roomID, "")
	assert.Equal(t, CodeInvalidMessage, ErrorCode(err))
}

func TestSendMessage_DeliveryFailureStillReachesSender(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	roomID := pair(t, g, "a", "b")

	n.mu.Lock()
	n.fail["b"] = true
	n.mu.Unlock()

	_, err := g.SendMessage("a", roomID, "hi")
	require.NoError(t, err)
	assert.Len(t, n.ofType(t, "a", protocol.TypeMessageReceived), 1)
}

// ---------------------------------------------------------------------------
// LeaveRoom / Disconnect
// ---------------------------------------------------------------------------

func TestLeaveRoom_NotifiesPeer(t *testing.T) {
	events := &recordingRoomEvents{}
	g, n := startGateway(t, DefaultConfig(), WithRoomEvents(events))
	roomID := pair(t, g, "a", "b")

	require.NoError(t, g.LeaveRoom("a", roomID))

	var msg protocol.PeerLeftMsg
	n.lastAs(t, "b", protocol.TypePeerLeft, &msg)
	assert.Equal(t, roomID, msg.RoomID)
	assert.Equal(t, protocol.ReasonLeft, msg.Reason)
	assert.Empty(t, n.ofType(t, "a", protocol.TypePeerLeft))

	assert.Equal(t, []string{protocol.ReasonLeft}, events.closed)

	// Both sides are free to queue again.
	require.NoError(t, g.JoinQueue("a", interests("Gaming")))
	require.NoError(t, g.JoinQueue("b", interests("Gaming")))
}

func TestLeaveRoom_Errors(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	roomID := pair(t, g, "a", "b")
	connect(t, g, "c")

	assert.ErrorIs(t, g.LeaveRoom("c", roomID), chat.ErrNotInRoom)
	assert.ErrorIs(t, g.LeaveRoom("a", "x#y"), chat.ErrRoomMismatch)

	require.NoError(t, g.LeaveRoom("a", roomID))
	assert.ErrorIs(t, g.LeaveRoom("a", roomID), chat.ErrNotInRoom)
	assert.ErrorIs(t, g.LeaveRoom("b", roomID), chat.ErrNotInRoom)
}

func TestDisconnect_InRoomNotifiesPeer(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	roomID := pair(t, g, "a", "b")

	require.NoError(t, g.Disconnect("a"))

	var msg protocol.PeerLeftMsg
	n.lastAs(t, "b", protocol.TypePeerLeft, &msg)
	assert.Equal(t, roomID, msg.RoomID)
	assert.Equal(t, protocol.ReasonDisconnected, msg.Reason)

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 1, Queued: 0, Rooms: 0}, stats)

	_, err = g.SendMessage("b", roomID, "anyone?")
	assert.ErrorIs(t, err, chat.ErrNotInRoom)
}

func TestDisconnect_WhileQueued(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	connect(t, g, "a")
	require.NoError(t, g.JoinQueue("a", interests("Gaming")))

	require.NoError(t, g.Disconnect("a"))

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestDisconnect_Idempotent(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	pair(t, g, "a", "b")

	require.NoError(t, g.Disconnect("a"))
	require.NoError(t, g.Disconnect("a"))
	require.NoError(t, g.Disconnect("ghost"))

	assert.Len(t, n.ofType(t, "b", protocol.TypePeerLeft), 1)
}

func TestConnect_AfterOwnDisconnectIsRefused(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())

	// The transport reported the close before the registration landed.
	require.NoError(t, g.Disconnect("x"))
	assert.ErrorIs(t, g.Connect("x", ""), ErrConnectionGone)

	stats, err := g.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Connections)
	assert.Empty(t, n.ofType(t, "x", protocol.TypeConnected))
}

func TestConnect_DisconnectedIDIsNotReused(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	connect(t, g, "a")
	require.NoError(t, g.Disconnect("a"))

	assert.ErrorIs(t, g.Connect("a", ""), ErrConnectionGone)
	assert.ErrorIs(t, g.JoinQueue("a", interests("Music")), ErrUnknownConnection)
}

func TestConnect_TombstoneExpires(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	g, _ := startGateway(t, DefaultConfig(), WithClock(clock))

	require.NoError(t, g.Disconnect("x"))
	assert.ErrorIs(t, g.Connect("x", ""), ErrConnectionGone)

	mu.Lock()
	now = now.Add(tombstoneTTL + time.Second)
	mu.Unlock()

	require.NoError(t, g.Connect("x", ""))
	require.NoError(t, g.call(func() error {
		assert.Empty(t, g.gone)
		assert.Empty(t, g.graveyard)
		return nil
	}))
}

// ---------------------------------------------------------------------------
// Presence, errors, lifecycle
// ---------------------------------------------------------------------------

func TestPresence_Mirrored(t *testing.T) {
	presence := newFakePresence()
	g, _ := startGateway(t, DefaultConfig(), WithPresence(presence))
	pair(t, g, "a", "b")
	connect(t, g, "c")
	require.NoError(t, g.JoinQueue("c", interests("Gaming")))

	assert.Eventually(t, func() bool {
		a, _ := presence.get("a")
		b, _ := presence.get("b")
		c, _ := presence.get("c")
		return a == session.StatusChatting && b == session.StatusChatting && c == session.StatusQueued
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Disconnect("a"))

	assert.Eventually(t, func() bool {
		_, aTracked := presence.get("a")
		b, _ := presence.get("b")
		return !aTracked && b == session.StatusIdle
	}, time.Second, 5*time.Millisecond)
}

func TestReject_WritesErrorFrame(t *testing.T) {
	g, n := startGateway(t, DefaultConfig())
	connect(t, g, "a")

	g.Reject("a", matching.ErrAlreadyQueued)

	var msg protocol.ErrorMsg
	n.lastAs(t, "a", protocol.TypeError, &msg)
	assert.Equal(t, CodeAlreadyQueued, msg.Code)
	assert.NotEmpty(t, msg.Message)
}

func TestClosedGatewayRejectsCalls(t *testing.T) {
	g := New(DefaultConfig(), newRecordingNotifier())
	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)
	cancel()
	<-g.stopped

	assert.ErrorIs(t, g.Connect("a", ""), ErrClosed)
	_, err := g.Stats()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	g, _ := startGateway(t, DefaultConfig())
	rng := rand.New(rand.NewPCG(7, 11))
	tags := []string{"Music", "Art", "Gaming", "Hiking"}

	// Disconnected ids are never reused, so each slot reconnects under a
	// new generation.
	gens := make([]int, 12)
	connected := map[string]bool{}

	for step := 0; step < 500; step++ {
		slot := rng.IntN(len(gens))
		id := fmt.Sprintf("conn-%02d-%d", slot, gens[slot])
		if !connected[id] {
			require.NoError(t, g.Connect(id, ""))
			connected[id] = true
			continue
		}

		switch rng.IntN(5) {
		case 0:
			_ = g.JoinQueue(id, interests(tags[rng.IntN(len(tags))]))
		case 1:
			require.NoError(t, g.LeaveQueue(id))
		case 2:
			_, _ = g.SendMessage(id, "", "hi")
		case 3:
			var roomID string
			require.NoError(t, g.call(func() error {
				if rm, ok := g.rooms.ByMember(id); ok {
					roomID = rm.ID
				}
				return nil
			}))
			if roomID != "" {
				require.NoError(t, g.LeaveRoom(id, roomID))
			}
		case 4:
			require.NoError(t, g.Disconnect(id))
			delete(connected, id)
			gens[slot]++
		}
		checkInvariants(t, g)
	}
}
