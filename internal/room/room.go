// Package room tracks live one-on-one sessions created by the matcher:
// who is in which room, and the per-room clock used to order messages.
package room

import (
	"sort"
	"strings"
	"time"

	"github.com/colmate/chat-app/internal/profile"
)

// idSeparator joins the two member ids. Connection ids are UUIDs, so the
// separator never appears inside a member id.
const idSeparator = "#"

// ID derives the room id from the two member ids. The ids are sorted first
// so either member computes the same value.
func ID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, idSeparator)
}

// SplitID recovers the two member ids from a room id, in sorted order.
func SplitID(roomID string) (string, string, bool) {
	a, b, ok := strings.Cut(roomID, idSeparator)
	if !ok || a == "" || b == "" || strings.Contains(b, idSeparator) {
		return "", "", false
	}
	return a, b, true
}

// Member is one side of a room.
type Member struct {
	ConnID  string
	UserID  string // empty for anonymous connections
	Profile profile.Profile
}

// Room is a live session between exactly two distinct connections.
type Room struct {
	ID              string
	MatchID         string // unique per pairing, used for durable records
	MemberA         Member
	MemberB         Member
	Score           int
	SharedInterests []string
	CreatedAt       time.Time

	lastMessageAt time.Time
}

// IsMember reports whether the connection is part of this room.
func (r *Room) IsMember(connID string) bool {
	return connID == r.MemberA.ConnID || connID == r.MemberB.ConnID
}

// Peer returns the other member. ok is false for a non-member.
func (r *Room) Peer(connID string) (Member, bool) {
	switch connID {
	case r.MemberA.ConnID:
		return r.MemberB, true
	case r.MemberB.ConnID:
		return r.MemberA, true
	}
	return Member{}, false
}

// Self returns the member record for the connection.
func (r *Room) Self(connID string) (Member, bool) {
	switch connID {
	case r.MemberA.ConnID:
		return r.MemberA, true
	case r.MemberB.ConnID:
		return r.MemberB, true
	}
	return Member{}, false
}

// Members returns both connection ids.
func (r *Room) Members() []string {
	return []string{r.MemberA.ConnID, r.MemberB.ConnID}
}

// NextMessageTime stamps a message sent at now, keeping timestamps strictly
// increasing within the room even when the wall clock stalls or steps back.
func (r *Room) NextMessageTime(now time.Time) time.Time {
	if !now.After(r.lastMessageAt) {
		now = r.lastMessageAt.Add(time.Microsecond)
	}
	r.lastMessageAt = now
	return now
}
