package translation

import (
	"errors"
	"slices"
	"strings"
)

// Ranking errors. They describe why no target weight exists and are turned
// into policy refusals by the Service.
var (
	ErrLastRank    = errors.New("no further demotion possible")
	ErrNextIsWorst = errors.New("next rank is already worst")
	ErrAlreadyBest = errors.New("already best possible")
	ErrPointless   = errors.New("already ranked right below the original translation")
	ErrNoRoom      = errors.New("no weight left between neighbouring siblings")
	ErrNotSibling  = errors.New("subject is not among its siblings")
)

// Ranker orders siblings. Ties in weight are broken by, in order: is_orig
// first, translations owned by PreferOwnerID first, older created_at first,
// then id. The zero Ranker applies no owner preference.
type Ranker struct {
	PreferOwnerID string
}

// Rank returns a new slice holding siblings in rank order, best first.
// Worst weights sort last.
func (r Ranker) Rank(siblings []*Translation) []*Translation {
	out := slices.Clone(siblings)
	slices.SortStableFunc(out, r.compare)
	return out
}

func (r Ranker) compare(a, b *Translation) int {
	switch {
	case a.Weight < b.Weight:
		return -1
	case a.Weight > b.Weight:
		return 1
	}
	if a.IsOrig != b.IsOrig {
		if a.IsOrig {
			return -1
		}
		return 1
	}
	if r.PreferOwnerID != "" {
		ap, bp := a.OwnerID == r.PreferOwnerID, b.OwnerID == r.PreferOwnerID
		if ap != bp {
			if ap {
				return -1
			}
			return 1
		}
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Rank orders siblings with the default tie-break.
func Rank(siblings []*Translation) []*Translation {
	return Ranker{}.Rank(siblings)
}

// Best returns the best-ranked sibling, or nil.
func Best(siblings []*Translation) *Translation {
	ranked := Rank(siblings)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

func position(ranked []*Translation, subject *Translation) int {
	return slices.IndexFunc(ranked, func(t *Translation) bool { return t.ID == subject.ID })
}

// between returns a weight strictly inside (lo, hi), or false when float
// precision leaves none.
func between(lo, hi Weight) (Weight, bool) {
	mid := lo + (hi-lo)/2
	if mid <= lo || mid >= hi {
		return 0, false
	}
	return mid, true
}

// NextWorseWeight returns the demote target for subject: a weight that
// moves it right behind the sibling currently ranked after it, without
// passing the one after that.
//
// The subject's distance to the next sibling is mirrored across it, so a
// later promotion (see PromotionTarget) restores the original weight. When
// the mirror image would reach the sibling after next, the midpoint of that
// gap is used instead. With nothing finite after the next sibling, an
// unbounded gap is assumed.
func NextWorseWeight(siblings []*Translation, subject *Translation) (Weight, error) {
	ranked := Rank(siblings)
	i := position(ranked, subject)
	if i < 0 {
		return 0, ErrNotSibling
	}
	if subject.Weight.IsWorst() || i == len(ranked)-1 {
		return 0, ErrLastRank
	}

	next := ranked[i+1].Weight
	if next.IsWorst() {
		return 0, ErrNextIsWorst
	}

	after := Worst
	for _, t := range ranked[i+2:] {
		if t.Weight > next {
			after = t.Weight
			break
		}
	}

	if w := subject.Weight; w < next {
		mirror := next + (next - w)
		if mirror > next && mirror < after {
			return mirror, nil
		}
	}

	if after.IsWorst() {
		if next == 0 {
			return 1, nil
		}
		return next * 2, nil
	}
	w, ok := between(next, after)
	if !ok {
		return 0, ErrNoRoom
	}
	return w, nil
}

// PromotionTarget returns the weight subject moves to when promoted by an
// actor whose role grants actorDefault.
//
//   - An original translation goes straight to 0.
//   - An unranked translation takes actorDefault.
//   - A translation already ranked first moves to min(actorDefault, w/2).
//   - Otherwise it steps over the sibling ranked just before it: its
//     distance to that sibling is mirrored across it, or the midpoint of
//     the gap above that sibling is used when the mirror image would reach
//     further. The actor's default weight then wins when it is lower,
//     unless it would reach an original sibling.
//
// A non-original translation never reaches the weight of an original
// sibling, and the result is always strictly below the current weight.
func PromotionTarget(subject *Translation, siblings []*Translation, actorDefault Weight) (Weight, error) {
	w := subject.Weight
	if subject.IsOrig {
		if w <= 0 {
			return 0, ErrAlreadyBest
		}
		return 0, nil
	}
	if w <= 0 {
		return 0, ErrAlreadyBest
	}

	ranked := Rank(siblings)
	i := position(ranked, subject)
	if i < 0 {
		return 0, ErrNotSibling
	}

	floor := Weight(0)
	hasOrig := false
	for _, t := range ranked {
		if t.IsOrig && t.ID != subject.ID {
			floor, hasOrig = t.Weight, true
			break
		}
	}

	var target Weight
	switch {
	case w.IsWorst():
		target = actorDefault
		if target.IsWorst() {
			return 0, ErrAlreadyBest
		}
	case i == 0:
		target = min(actorDefault, w/2)
	default:
		prev := ranked[i-1]
		if prev.IsOrig && i == 1 {
			return 0, ErrPointless
		}
		lo := floor
		if i >= 2 {
			lo = ranked[i-2].Weight
		}
		mirror := prev.Weight - (w - prev.Weight)
		if mirror > lo && mirror < prev.Weight {
			target = mirror
		} else {
			mid, ok := between(lo, prev.Weight)
			if !ok {
				return 0, ErrNoRoom
			}
			target = mid
		}
		if actorDefault < target && !(hasOrig && actorDefault <= floor) {
			target = actorDefault
		}
	}

	if hasOrig && target <= floor {
		return 0, ErrPointless
	}
	if target >= w {
		return 0, ErrAlreadyBest
	}
	return target, nil
}

// AllowedToPromote reports whether PromotionTarget would succeed.
func AllowedToPromote(subject *Translation, siblings []*Translation, actorDefault Weight) bool {
	_, err := PromotionTarget(subject, siblings, actorDefault)
	return err == nil
}
