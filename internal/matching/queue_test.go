package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colmate/chat-app/internal/profile"
)

// tickingClock returns a clock that advances one second per call so join
// order is reflected in JoinedAt.
func tickingClock() func() time.Time {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

// recordingPicker always picks index 0 and records the pool sizes it saw.
type recordingPicker struct {
	sizes []int
	index int
}

func (p *recordingPicker) pick(n int) int {
	p.sizes = append(p.sizes, n)
	if p.index >= n {
		return n - 1
	}
	return p.index
}

func newTestQueue(t *testing.T) (*Queue, *recordingPicker) {
	t.Helper()
	picker := &recordingPicker{}
	return NewQueue(WithPicker(picker.pick), WithClock(tickingClock())), picker
}

func interests(tags ...string) profile.Profile {
	return profile.Profile{Interests: tags}
}

// seed queues entries directly, oldest first. Joining through the API would
// pair any two entries with each other.
func seed(q *Queue, profiles map[string]profile.Profile, order ...string) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range order {
		q.seq++
		q.entries[id] = &QueueEntry{
			ConnID:   id,
			Profile:  profiles[id],
			JoinedAt: at.Add(time.Duration(i) * time.Second),
			seq:      q.seq,
		}
	}
}

func TestJoin_LoneEntryStaysQueued(t *testing.T) {
	q, picker := newTestQueue(t)

	match, err := q.Join("alice", interests("Gaming"))
	require.NoError(t, err)

	assert.Nil(t, match)
	assert.True(t, q.Contains("alice"))
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, picker.sizes, "a queue of one must never attempt a pick")
}

func TestJoin_PairsOnSharedInterest(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Join("alice", interests("Music", "Art"))
	require.NoError(t, err)
	match, err := q.Join("bob", interests("Music"))
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, "bob", match.Self.ConnID)
	assert.Equal(t, "alice", match.Peer.ConnID)
	assert.Equal(t, 1, match.Score)
	assert.Equal(t, []string{"Music"}, match.SharedInterests)
	assert.False(t, match.Fallback, "a positive score must never fall back to random selection")
}

func TestJoin_RemovesBothEntriesOnMatch(t *testing.T) {
	q, _ := newTestQueue(t)

	seed(q, map[string]profile.Profile{
		"alice": interests("Music"),
		"carol": interests("Chess"),
	}, "alice", "carol")
	match, err := q.Join("bob", interests("Music"))
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.False(t, q.Contains("alice"))
	assert.False(t, q.Contains("bob"))
	assert.True(t, q.Contains("carol"))
	assert.Equal(t, 1, q.Len())
}

func TestJoin_AlreadyQueued(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Join("alice", interests("Gaming"))
	require.NoError(t, err)
	_, err = q.Join("alice", interests("Music"))

	assert.ErrorIs(t, err, ErrAlreadyQueued)
	assert.Equal(t, 1, q.Len())
}

func TestJoin_PrefersHigherScore(t *testing.T) {
	q, _ := newTestQueue(t)

	seed(q, map[string]profile.Profile{
		"low":  interests("music"),
		"high": interests("music", "art", "chess"),
	}, "low", "high")
	match, err := q.Join("new", interests("music", "art", "chess"))
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, "high", match.Peer.ConnID)
	assert.Equal(t, 3, match.Score)
}

func TestJoin_ZeroScorePairsViaFallback(t *testing.T) {
	q, picker := newTestQueue(t)

	_, _ = q.Join("alice", profile.Profile{Affiliation: "MIT"})
	match, err := q.Join("bob", profile.Profile{Affiliation: "Stanford"})
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, "alice", match.Peer.ConnID)
	assert.True(t, match.Fallback)
	assert.Equal(t, []int{1}, picker.sizes)
	assert.Equal(t, 0, q.Len())
}

func TestJoin_TieBreakAmongEqualScores(t *testing.T) {
	q, picker := newTestQueue(t)

	// Joining through the API would pair these with each other, so seed the
	// waiting entries directly.
	for i := 0; i < 3; i++ {
		q.entries[fmt.Sprintf("waiting-%d", i)] = &QueueEntry{
			ConnID:   fmt.Sprintf("waiting-%d", i),
			Profile:  interests("music", fmt.Sprintf("only-%d", i)),
			JoinedAt: time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
			seq:      uint64(i + 1),
		}
	}
	q.seq = 3

	match, err := q.Join("new", interests("music"))
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, []int{3}, picker.sizes)
	assert.Equal(t, "waiting-0", match.Peer.ConnID, "index 0 of equal scores is the oldest entry")
}

func TestJoin_TruncatesPositivePoolToTopCandidates(t *testing.T) {
	q, picker := newTestQueue(t)

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("waiting-%d", i)
		q.entries[id] = &QueueEntry{
			ConnID:   id,
			Profile:  interests("music", fmt.Sprintf("only-%d", i)),
			JoinedAt: time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
			seq:      uint64(i + 1),
		}
	}
	q.seq = 8

	picker.index = 4
	match, err := q.Join("new", interests("music"))
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, []int{TopCandidates}, picker.sizes)
	assert.Equal(t, "waiting-4", match.Peer.ConnID)
	assert.False(t, match.Fallback)
}

func TestJoin_FallbackPoolIsOldestTen(t *testing.T) {
	q, picker := newTestQueue(t)

	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("waiting-%02d", i)
		q.entries[id] = &QueueEntry{
			ConnID:   id,
			Profile:  interests(fmt.Sprintf("only-%d", i)),
			JoinedAt: time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
			seq:      uint64(i + 1),
		}
	}
	q.seq = 15

	picker.index = 100 // clamp to the last index of the pool
	match, err := q.Join("new", interests("gaming"))
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, []int{FallbackPool}, picker.sizes)
	assert.Equal(t, "waiting-09", match.Peer.ConnID)
	assert.True(t, match.Fallback)
	assert.Equal(t, 0, match.Score)
	assert.Nil(t, match.SharedInterests)
}

func TestJoin_AffiliationAloneIsPositive(t *testing.T) {
	q, _ := newTestQueue(t)

	_, _ = q.Join("alice", profile.Profile{Affiliation: "MIT", Interests: []string{"chess"}})
	match, err := q.Join("bob", profile.Profile{Affiliation: "MIT", Interests: []string{"go"}})
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, 1, match.Score)
	assert.False(t, match.Fallback)
}

func TestLeave_NotQueuedIsNoop(t *testing.T) {
	q, _ := newTestQueue(t)
	_, _ = q.Join("alice", interests("Gaming"))

	assert.False(t, q.Leave("nobody"))
	assert.Equal(t, 1, q.Len())

	assert.True(t, q.Leave("alice"))
	assert.False(t, q.Leave("alice"))
	assert.Equal(t, 0, q.Len())
}

func TestLeave_ThenJoinNeverPairsWithLeaver(t *testing.T) {
	q, _ := newTestQueue(t)

	_, _ = q.Join("alice", interests("Music"))
	q.Leave("alice")
	match, err := q.Join("bob", interests("Music"))
	require.NoError(t, err)

	assert.Nil(t, match)
	assert.True(t, q.Contains("bob"))
}

func TestEntries_OldestFirst(t *testing.T) {
	q, _ := newTestQueue(t)

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q.entries["late"] = &QueueEntry{ConnID: "late", JoinedAt: at.Add(time.Minute), seq: 1}
	q.entries["tie-b"] = &QueueEntry{ConnID: "tie-b", JoinedAt: at, seq: 3}
	q.entries["tie-a"] = &QueueEntry{ConnID: "tie-a", JoinedAt: at, seq: 2}

	entries := q.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "tie-a", entries[0].ConnID)
	assert.Equal(t, "tie-b", entries[1].ConnID)
	assert.Equal(t, "late", entries[2].ConnID)
}

func TestJoin_ProfileIsCopied(t *testing.T) {
	q, _ := newTestQueue(t)

	p := interests("music")
	_, _ = q.Join("alice", p)
	p.Interests[0] = "art"

	entry, ok := q.Get("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"music"}, entry.Profile.Interests)
}
