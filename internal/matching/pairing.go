package matching

import (
	"sort"

	"github.com/samber/lo"

	"github.com/colmate/chat-app/internal/profile"
)

const (
	// TopCandidates bounds the pool of positive-score candidates the random
	// pick is drawn from.
	TopCandidates = 5

	// FallbackPool bounds the pool drawn from when nobody shares anything
	// with the new entry. Availability wins over relevance here.
	FallbackPool = 10
)

// Match is the result of a successful pairing decision.
type Match struct {
	Self            QueueEntry // the entry whose join triggered the match
	Peer            QueueEntry
	Score           int
	SharedInterests []string
	Fallback        bool // true when picked from the zero-score pool
}

type candidate struct {
	entry *QueueEntry
	score int
}

// pair runs the pairing algorithm for a freshly inserted entry. Ties in
// score keep enumeration order, so the oldest waiting entry ranks first.
func (q *Queue) pair(self *QueueEntry) *Match {
	candidates := lo.FilterMap(q.ordered(), func(other *QueueEntry, _ int) (candidate, bool) {
		if other.ConnID == self.ConnID {
			return candidate{}, false
		}
		return candidate{entry: other, score: profile.Score(self.Profile, other.Profile)}, true
	})
	if len(candidates) == 0 {
		return nil
	}

	ranked := make([]candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	positive := lo.Filter(ranked, func(c candidate, _ int) bool { return c.score > 0 })
	if len(positive) > TopCandidates {
		positive = positive[:TopCandidates]
	}

	var (
		chosen   candidate
		fallback bool
	)
	if len(positive) > 0 {
		chosen = positive[q.pick(len(positive))]
	} else {
		pool := candidates
		if len(pool) > FallbackPool {
			pool = pool[:FallbackPool]
		}
		chosen = pool[q.pick(len(pool))]
		fallback = true
	}

	return &Match{
		Self:            *self,
		Peer:            *chosen.entry,
		Score:           chosen.score,
		SharedInterests: profile.Shared(self.Profile, chosen.entry.Profile),
		Fallback:        fallback,
	}
}
