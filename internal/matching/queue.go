// Package matching implements the waiting queue: the registry of
// connections looking for a partner and the pairing decision taken each
// time a connection joins.
package matching

import (
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/colmate/chat-app/internal/profile"
)

var ErrAlreadyQueued = errors.New("matching: connection already queued")

// QueueEntry is a connection waiting for a match. Entries are owned by the
// Queue; callers only ever see copies.
type QueueEntry struct {
	ConnID   string
	Profile  profile.Profile
	JoinedAt time.Time
	seq      uint64 // join order, breaks JoinedAt ties
}

// Queue is the waiting queue. It is not safe for concurrent use: the
// gateway's event loop is its only writer, which is what makes Join's
// read-score-remove sequence atomic.
type Queue struct {
	entries map[string]*QueueEntry
	seq     uint64
	pick    func(n int) int
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithPicker replaces the uniform random choice among eligible candidates.
// pick(n) must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(q *Queue) { q.pick = pick }
}

// WithClock overrides the time source used for JoinedAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates an empty waiting queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		entries: make(map[string]*QueueEntry),
		pick:    rand.IntN,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Join queues the connection and immediately attempts to pair it. On a
// match both entries are removed and the match is returned; otherwise the
// entry stays queued and Join returns nil.
func (q *Queue) Join(connID string, p profile.Profile) (*Match, error) {
	if _, ok := q.entries[connID]; ok {
		return nil, ErrAlreadyQueued
	}

	q.seq++
	entry := &QueueEntry{
		ConnID:   connID,
		Profile:  p.Clone(),
		JoinedAt: q.now(),
		seq:      q.seq,
	}
	q.entries[connID] = entry

	match := q.pair(entry)
	if match == nil {
		return nil, nil
	}

	delete(q.entries, match.Self.ConnID)
	delete(q.entries, match.Peer.ConnID)
	return match, nil
}

// Leave removes the connection from the queue. It reports whether the
// connection was queued; leaving when not queued is a no-op.
func (q *Queue) Leave(connID string) bool {
	if _, ok := q.entries[connID]; !ok {
		return false
	}
	delete(q.entries, connID)
	return true
}

// Contains reports whether the connection is currently queued.
func (q *Queue) Contains(connID string) bool {
	_, ok := q.entries[connID]
	return ok
}

// Get returns a copy of the connection's queue entry.
func (q *Queue) Get(connID string) (QueueEntry, bool) {
	e, ok := q.entries[connID]
	if !ok {
		return QueueEntry{}, false
	}
	return *e, true
}

// Len returns the number of queued connections.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Entries returns copies of all queued entries, oldest first.
func (q *Queue) Entries() []QueueEntry {
	ordered := q.ordered()
	out := make([]QueueEntry, len(ordered))
	for i, e := range ordered {
		out[i] = *e
	}
	return out
}

// ordered returns the entries in enumeration order: JoinedAt ascending,
// then join sequence.
func (q *Queue) ordered() []*QueueEntry {
	out := make([]*QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}
