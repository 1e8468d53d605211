package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSameMember    = errors.New("room: members must be distinct")
	ErrAlreadyInRoom = errors.New("room: connection already in a room")
)

// Registry holds every live room, indexed by room id and by member. Like
// the waiting queue it has a single writer, the gateway event loop, and is
// not safe for concurrent use.
type Registry struct {
	byID     map[string]*Room
	byMember map[string]*Room
	now      func() time.Time
	newID    func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Room),
		byMember: make(map[string]*Room),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create opens a room for two connections. Neither may already be a member
// of another room.
func (reg *Registry) Create(a, b Member, score int, shared []string) (*Room, error) {
	if a.ConnID == b.ConnID {
		return nil, ErrSameMember
	}
	for _, id := range []string{a.ConnID, b.ConnID} {
		if existing, ok := reg.byMember[id]; ok {
			return nil, fmt.Errorf("%w: %s in %s", ErrAlreadyInRoom, id, existing.ID)
		}
	}

	a.Profile = a.Profile.Clone()
	b.Profile = b.Profile.Clone()

	r := &Room{
		ID:              ID(a.ConnID, b.ConnID),
		MatchID:         reg.newID(),
		MemberA:         a,
		MemberB:         b,
		Score:           score,
		SharedInterests: append([]string(nil), shared...),
		CreatedAt:       reg.now(),
	}

	reg.byID[r.ID] = r
	reg.byMember[a.ConnID] = r
	reg.byMember[b.ConnID] = r
	return r, nil
}

// End removes the room and returns it. Ending an unknown or already ended
// room is a no-op that returns false.
func (reg *Registry) End(roomID string) (*Room, bool) {
	r, ok := reg.byID[roomID]
	if !ok {
		return nil, false
	}
	delete(reg.byID, roomID)
	for _, id := range r.Members() {
		if reg.byMember[id] == r {
			delete(reg.byMember, id)
		}
	}
	return r, true
}

// Get returns the live room with the given id.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	r, ok := reg.byID[roomID]
	return r, ok
}

// ByMember returns the live room the connection belongs to.
func (reg *Registry) ByMember(connID string) (*Room, bool) {
	r, ok := reg.byMember[connID]
	return r, ok
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	return len(reg.byID)
}
