package optimizer

import (
	"context"
	"fmt"
	"sort"

	"github.com/ChuLiYu/railsim/pkg/types"
)

// Contest is one segment requested by several trains in the same tick.
type Contest struct {
	Segment    types.SegmentKey
	Contenders []Contender
}

// ImmediateResult holds the slot order per segment. Order[key][0] is granted
// the segment; everyone else is held for the tick.
type ImmediateResult struct {
	Order     map[types.SegmentKey][]types.TrainID
	Objective float64 // Σ slot / weight over all contests
	Partial   bool    // the budget ran out and some contests kept the incumbent
}

// Winners returns the first train of every contest.
func (r ImmediateResult) Winners() map[types.SegmentKey]types.TrainID {
	w := make(map[types.SegmentKey]types.TrainID, len(r.Order))
	for key, ids := range r.Order {
		if len(ids) > 0 {
			w[key] = ids[0]
		}
	}
	return w
}

// SolveImmediate assigns unit slots 0..n-1 to the contenders of each contest
// so that Σ slot × (1/weight) is minimal. Equal weights are broken by waits
// then id. With equal slot lengths the optimum is the weight order itself, so
// each contest is solved exactly by a sort.
//
// Contests the budget does not reach are given the incumbent order, which is
// the input order.
func SolveImmediate(ctx context.Context, contests []Contest) (ImmediateResult, error) {
	seen := make(map[types.SegmentKey]bool, len(contests))
	for _, c := range contests {
		if seen[c.Segment] {
			return ImmediateResult{}, &InputError{Reason: fmt.Sprintf("segment %s listed twice", c.Segment)}
		}
		seen[c.Segment] = true
		ids := make(map[types.TrainID]bool, len(c.Contenders))
		for _, ct := range c.Contenders {
			if err := validateContender(ct); err != nil {
				return ImmediateResult{}, err
			}
			if ids[ct.Train] {
				return ImmediateResult{}, &InputError{Train: ct.Train, Reason: "listed twice for " + string(c.Segment)}
			}
			ids[ct.Train] = true
		}
	}

	sorted := append([]Contest(nil), contests...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Segment < sorted[j].Segment })

	res := ImmediateResult{Order: make(map[types.SegmentKey][]types.TrainID, len(sorted))}
	for _, c := range sorted {
		order := c.Contenders
		if ctx.Err() != nil {
			res.Partial = true
		} else {
			order = FallbackOrder(c.Contenders)
		}
		ids := make([]types.TrainID, len(order))
		for slot, ct := range order {
			ids[slot] = ct.Train
			res.Objective += float64(slot) / float64(ct.Weight)
		}
		res.Order[c.Segment] = ids
	}
	return res, nil
}
