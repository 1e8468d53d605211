// Package profile holds the attributes a connection declares when it joins
// the waiting queue, and the compatibility score computed between two of them.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
)

const (
	MaxAffiliationChars = 128
	MaxInterests        = 20
	MaxInterestChars    = 64

	// AffiliationBonus is added to the score when both sides declare the
	// same non-empty affiliation.
	AffiliationBonus = 1
)

var (
	ErrAffiliationTooLong = errors.New("profile: affiliation too long")
	ErrTooManyInterests   = errors.New("profile: too many interests")
	ErrInterestTooLong    = errors.New("profile: interest too long")
)

// Profile is the set of declared attributes used for matching. It is
// immutable once queued: the queue and the room keep their own copies.
type Profile struct {
	Affiliation string   `json:"affiliation,omitempty"`
	Interests   []string `json:"interests"`
}

// Normalize trims whitespace, drops empty interests and removes duplicates
// while keeping first-seen order. Matching is case-sensitive, so case is
// preserved.
func Normalize(p Profile) Profile {
	interests := lo.Map(p.Interests, func(tag string, _ int) string {
		return strings.TrimSpace(tag)
	})
	interests = lo.Uniq(lo.Compact(interests))

	return Profile{
		Affiliation: strings.TrimSpace(p.Affiliation),
		Interests:   interests,
	}
}

// Validate checks size limits on an already normalized profile.
func Validate(p Profile) error {
	if utf8.RuneCountInString(p.Affiliation) > MaxAffiliationChars {
		return fmt.Errorf("%w: max %d characters", ErrAffiliationTooLong, MaxAffiliationChars)
	}
	if len(p.Interests) > MaxInterests {
		return fmt.Errorf("%w: max %d", ErrTooManyInterests, MaxInterests)
	}
	for _, tag := range p.Interests {
		if utf8.RuneCountInString(tag) > MaxInterestChars {
			return fmt.Errorf("%w: %q exceeds %d characters", ErrInterestTooLong, tag, MaxInterestChars)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate a queued profile
// through a shared slice.
func (p Profile) Clone() Profile {
	return Profile{
		Affiliation: p.Affiliation,
		Interests:   append([]string(nil), p.Interests...),
	}
}

// Score returns the number of shared interests, plus AffiliationBonus when
// both affiliations are non-empty and exactly equal. It is symmetric and
// treats nil interests as the empty set.
func Score(a, b Profile) int {
	score := len(Shared(a, b))
	if a.Affiliation != "" && b.Affiliation != "" && a.Affiliation == b.Affiliation {
		score += AffiliationBonus
	}
	return score
}

// Shared returns the interests declared by both profiles, sorted.
func Shared(a, b Profile) []string {
	if len(a.Interests) == 0 || len(b.Interests) == 0 {
		return nil
	}

	other := make(map[string]struct{}, len(b.Interests))
	for _, tag := range b.Interests {
		other[tag] = struct{}{}
	}

	shared := lo.Filter(lo.Uniq(a.Interests), func(tag string, _ int) bool {
		_, ok := other[tag]
		return ok
	})
	if len(shared) == 0 {
		return nil
	}
	sort.Strings(shared)
	return shared
}
