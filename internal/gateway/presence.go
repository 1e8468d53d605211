package gateway

import (
	"context"
	"log"
	"time"

	"github.com/colmate/chat-app/internal/session"
)

const presenceTimeout = 3 * time.Second

// Presence mirrors connection status to an external store so other
// processes can observe who is idle, queued or chatting.
type Presence interface {
	Track(ctx context.Context, connID, userID string) error
	SetStatus(ctx context.Context, connID, status, roomID string) error
	Forget(ctx context.Context, connID string) error
}

type presenceUpdate struct {
	connID string
	op     string
	apply  func(ctx context.Context, p Presence) error
}

// presenceMirror applies presence updates on its own goroutine, in the
// order the event loop produced them. When the buffer is full the update is
// dropped; the mirror is advisory and the TTL on the store heals it.
type presenceMirror struct {
	store   Presence
	updates chan presenceUpdate
}

func newPresenceMirror(store Presence, buffer int) *presenceMirror {
	return &presenceMirror{
		store:   store,
		updates: make(chan presenceUpdate, buffer),
	}
}

func (m *presenceMirror) enqueue(u presenceUpdate) {
	if m.store == nil {
		return
	}
	select {
	case m.updates <- u:
	default:
		log.Printf("[gateway] presence buffer full, dropping %s for %s", u.op, u.connID)
	}
}

func (m *presenceMirror) track(connID, userID string) {
	m.enqueue(presenceUpdate{connID: connID, op: "track", apply: func(ctx context.Context, p Presence) error {
		return p.Track(ctx, connID, userID)
	}})
}

func (m *presenceMirror) status(connID, status, roomID string) {
	m.enqueue(presenceUpdate{connID: connID, op: "status:" + status, apply: func(ctx context.Context, p Presence) error {
		return p.SetStatus(ctx, connID, status, roomID)
	}})
}

func (m *presenceMirror) idle(connID string) {
	m.status(connID, session.StatusIdle, "")
}

func (m *presenceMirror) forget(connID string) {
	m.enqueue(presenceUpdate{connID: connID, op: "forget", apply: func(ctx context.Context, p Presence) error {
		return p.Forget(ctx, connID)
	}})
}

func (m *presenceMirror) run(ctx context.Context) {
	if m.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.updates:
			opCtx, cancel := context.WithTimeout(ctx, presenceTimeout)
			if err := u.apply(opCtx, m.store); err != nil {
				log.Printf("[gateway] presence %s for %s failed: %v", u.op, u.connID, err)
			}
			cancel()
		}
	}
}
