package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ChuLiYu/railsim/pkg/types"
)

const eps = 1e-9

// maxPasses caps local search so a generous budget still returns promptly.
const maxPasses = 32

// Op is one segment traversal still ahead of a train.
type Op struct {
	Key      types.SegmentKey
	Edge     types.SegmentRef
	Duration float64 // simulated seconds, >= 0
}

// Resident describes the segment a train is on when the plan starts.
type Resident struct {
	Key       types.SegmentKey
	Edge      types.SegmentRef
	Remaining float64 // seconds until the train reaches the segment end
}

// HorizonTrain is the optimizer's view of one train.
type HorizonTrain struct {
	ID       types.TrainID
	Weight   int
	Waits    int
	Release  float64   // earliest departure onto Ops[0] (holds, pauses)
	Resident *Resident // nil before the train starts
	Ops      []Op      // remaining route in order
	Target   *float64  // planned arrival at the final node, relative to plan start
	Fixed    bool      // cannot move within the horizon; holds its resident segment throughout
}

// Objective is compared lexicographically: total lateness, then the latest
// arrival among trains without a target, then the weighted arrival sum.
type Objective struct {
	Lateness float64 `json:"lateness_s"`
	Makespan float64 `json:"makespan_s"`
	Weighted float64 `json:"weighted_s"`
}

// Less reports whether o is strictly better than other.
func (o Objective) Less(other Objective) bool {
	if d := o.Lateness - other.Lateness; math.Abs(d) > eps {
		return d < 0
	}
	if d := o.Makespan - other.Makespan; math.Abs(d) > eps {
		return d < 0
	}
	return o.Weighted < other.Weighted-eps
}

// Plan is a rolling-horizon schedule.
type Plan struct {
	Admissions []types.Admission
	Order      []types.TrainID
	Objective  Objective
	Evaluated  int // permutations scored
}

// FirstStart returns the planned start of train's first non-fixed admission.
func (p Plan) FirstStart(train types.TrainID) (types.Admission, bool) {
	for _, a := range p.Admissions {
		if a.Train == train && !a.Fixed {
			return a, true
		}
	}
	return types.Admission{}, false
}

// SolveHorizon builds a conflict-free schedule of segment traversals within
// horizon seconds. Schedules are generated serially from a train permutation
// with no waiting inside a run; local search over adjacent swaps and
// move-to-front improves the permutation. The context deadline is the solve
// budget: when it fires before the search ends, ErrBudgetExceeded is returned
// with an empty plan.
func SolveHorizon(ctx context.Context, trains []HorizonTrain, horizon float64) (Plan, error) {
	if err := validateHorizon(trains, horizon); err != nil {
		return Plan{}, err
	}
	if len(trains) == 0 {
		return Plan{}, nil
	}

	// Every shift moves a departure strictly forward onto the end of some
	// (op, interval) pair, which bounds the shifts per placement.
	intervals, longest := 0, 0
	for _, t := range trains {
		intervals += len(t.Ops) + 1
		if len(t.Ops) > longest {
			longest = len(t.Ops)
		}
	}
	s := &solver{ctx: ctx, trains: trains, horizon: horizon}
	s.maxShifts = (longest+1)*intervals + 64

	order := initialOrder(trains)
	best, err := s.evaluate(order)
	if err != nil {
		return Plan{}, err
	}
	evaluated := 1

	n := len(order)
	for pass := 0; pass < maxPasses; pass++ {
		improved := false
		for i := 0; i+1 < n; i++ {
			cand := append([]int(nil), order...)
			cand[i], cand[i+1] = cand[i+1], cand[i]
			sched, err := s.evaluate(cand)
			if err != nil {
				return Plan{}, err
			}
			evaluated++
			if sched.obj.Less(best.obj) {
				order, best, improved = cand, sched, true
			}
		}
		for i := 1; i < n; i++ {
			cand := make([]int, 0, n)
			cand = append(cand, order[i])
			cand = append(cand, order[:i]...)
			cand = append(cand, order[i+1:]...)
			sched, err := s.evaluate(cand)
			if err != nil {
				return Plan{}, err
			}
			evaluated++
			if sched.obj.Less(best.obj) {
				order, best, improved = cand, sched, true
			}
		}
		if !improved {
			break
		}
	}

	plan := s.plan(order, best)
	plan.Evaluated = evaluated
	return plan, nil
}

func validateHorizon(trains []HorizonTrain, horizon float64) error {
	if !(horizon > 0) || math.IsInf(horizon, 0) {
		return &InputError{Reason: fmt.Sprintf("horizon %v must be positive and finite", horizon)}
	}
	seen := make(map[types.TrainID]bool, len(trains))
	for _, t := range trains {
		if err := validateContender(Contender{Train: t.ID, Weight: t.Weight, Waits: t.Waits}); err != nil {
			return err
		}
		if seen[t.ID] {
			return &InputError{Train: t.ID, Reason: "listed twice"}
		}
		seen[t.ID] = true
		if !finiteNonNeg(t.Release) {
			return &InputError{Train: t.ID, Reason: fmt.Sprintf("release %v", t.Release)}
		}
		if t.Resident != nil && !finiteNonNeg(t.Resident.Remaining) {
			return &InputError{Train: t.ID, Reason: fmt.Sprintf("resident remaining %v", t.Resident.Remaining)}
		}
		if t.Target != nil && (math.IsNaN(*t.Target) || math.IsInf(*t.Target, 0)) {
			return &InputError{Train: t.ID, Reason: "target must be finite"}
		}
		for _, op := range t.Ops {
			if !finiteNonNeg(op.Duration) {
				return &InputError{Train: t.ID, Reason: fmt.Sprintf("op %s duration %v", op.Key, op.Duration)}
			}
		}
	}
	return nil
}

func finiteNonNeg(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

// initialOrder sorts by weight, then earliest target, then most waits, then id.
func initialOrder(trains []HorizonTrain) []int {
	order := make([]int, len(trains))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := trains[order[i]], trains[order[j]]
		if a.Weight != b.Weight {
			return a.Weight < b.Weight
		}
		ta, tb := math.Inf(1), math.Inf(1)
		if a.Target != nil {
			ta = *a.Target
		}
		if b.Target != nil {
			tb = *b.Target
		}
		if ta != tb {
			return ta < tb
		}
		if a.Waits != b.Waits {
			return a.Waits > b.Waits
		}
		return a.ID < b.ID
	})
	return order
}

// ============================================================================
// Serial schedule generation
// ============================================================================

type interval struct {
	train      types.TrainID
	start, end float64
}

type span struct {
	op         int
	start, end float64
}

type placement struct {
	depart    float64
	spans     []span
	truncated bool // ops remain beyond the horizon or behind a permanent blocker
	blocked   bool // truncated by a permanent blocker
	arrival   float64
}

type schedule struct {
	placements []placement // indexed like solver.trains
	obj        Objective
}

type solver struct {
	ctx       context.Context
	trains    []HorizonTrain
	horizon   float64
	maxShifts int
}

type table map[types.SegmentKey][]interval

// blocker returns the earliest end among other trains' intervals on key
// overlapping [start, end).
func (tb table) blocker(key types.SegmentKey, train types.TrainID, start, end float64) (float64, bool) {
	found := false
	earliest := math.Inf(1)
	for _, iv := range tb[key] {
		if iv.train == train {
			continue
		}
		// A zero-length traversal conflicts only when strictly inside iv.
		if start < iv.end-eps && iv.start < end-eps {
			found = true
			if iv.end < earliest {
				earliest = iv.end
			}
		}
	}
	return earliest, found
}

func (tb table) setResident(key types.SegmentKey, train types.TrainID, end float64) {
	for i, iv := range tb[key] {
		if iv.train == train && iv.start == 0 && math.IsInf(iv.end, 1) {
			tb[key][i].end = end
			return
		}
	}
}

// expired reports whether the budget is spent. The deadline is checked
// directly so that a budget shorter than timer latency still trips.
func (s *solver) expired() bool {
	if s.ctx.Err() != nil {
		return true
	}
	dl, ok := s.ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

func (s *solver) evaluate(order []int) (schedule, error) {
	if s.expired() {
		return schedule{}, ErrBudgetExceeded
	}

	tb := make(table)
	for _, t := range s.trains {
		if t.Resident != nil {
			tb[t.Resident.Key] = append(tb[t.Resident.Key], interval{train: t.ID, start: 0, end: math.Inf(1)})
		}
	}

	sched := schedule{placements: make([]placement, len(s.trains))}
	for _, idx := range order {
		if s.expired() {
			return schedule{}, ErrBudgetExceeded
		}
		t := &s.trains[idx]
		if t.Fixed {
			sched.placements[idx] = placement{truncated: true, blocked: true}
			continue
		}
		p, err := s.place(tb, t)
		if err != nil {
			return schedule{}, err
		}
		s.commit(tb, t, p)
		sched.placements[idx] = p
	}

	sched.obj = s.score(sched.placements)
	return sched, nil
}

func (s *solver) place(tb table, t *HorizonTrain) (placement, error) {
	d := t.Release
	if t.Resident != nil && t.Resident.Remaining > d {
		d = t.Resident.Remaining
	}

	for shifts := 0; shifts <= s.maxShifts; shifts++ {
		p := placement{depart: d}
		at := d
		shifted := false
		for k, op := range t.Ops {
			if at >= s.horizon {
				p.truncated = true
				break
			}
			end := at + op.Duration
			blockEnd, hit := tb.blocker(op.Key, t.ID, at, end)
			if hit {
				if math.IsInf(blockEnd, 1) {
					p.truncated, p.blocked = true, true
					break
				}
				d += math.Max(blockEnd-at, eps)
				shifted = true
				break
			}
			p.spans = append(p.spans, span{op: k, start: at, end: end})
			at = end
		}
		if shifted {
			continue
		}

		last := d
		if n := len(p.spans); n > 0 {
			last = p.spans[n-1].end
		}
		if p.truncated {
			rest := 0.0
			for _, op := range t.Ops[len(p.spans):] {
				rest += op.Duration
			}
			p.arrival = math.Max(s.horizon, last) + rest
		} else {
			p.arrival = last
		}
		return p, nil
	}
	return placement{}, ErrInfeasible
}

func (s *solver) commit(tb table, t *HorizonTrain, p placement) {
	for i, sp := range p.spans {
		op := t.Ops[sp.op]
		end := sp.end
		if p.blocked && i == len(p.spans)-1 {
			end = math.Inf(1)
		}
		tb[op.Key] = append(tb[op.Key], interval{train: t.ID, start: sp.start, end: end})
	}
	if t.Resident != nil && (len(p.spans) > 0 || len(t.Ops) == 0) {
		tb.setResident(t.Resident.Key, t.ID, p.depart)
	}
}

func (s *solver) score(ps []placement) Objective {
	var obj Objective
	for i, p := range ps {
		t := s.trains[i]
		if t.Fixed {
			continue
		}
		if t.Target != nil {
			obj.Lateness += math.Max(0, p.arrival-*t.Target)
		} else if p.arrival > obj.Makespan {
			obj.Makespan = p.arrival
		}
		obj.Weighted += p.arrival / float64(t.Weight)
	}
	return obj
}

func (s *solver) plan(order []int, sched schedule) Plan {
	plan := Plan{Objective: sched.obj, Order: make([]types.TrainID, 0, len(order))}
	for _, idx := range order {
		t := s.trains[idx]
		p := sched.placements[idx]
		plan.Order = append(plan.Order, t.ID)
		if t.Resident != nil {
			dur := p.depart
			if t.Fixed || (len(p.spans) == 0 && len(t.Ops) > 0) {
				dur = s.horizon
			}
			plan.Admissions = append(plan.Admissions, types.Admission{
				Train: t.ID, Segment: t.Resident.Key, Edge: t.Resident.Edge,
				Start: 0, Duration: dur, Fixed: true,
			})
		}
		for _, sp := range p.spans {
			op := t.Ops[sp.op]
			plan.Admissions = append(plan.Admissions, types.Admission{
				Train: t.ID, Segment: op.Key, Edge: op.Edge,
				Start: sp.start, Duration: op.Duration,
			})
		}
	}
	sort.SliceStable(plan.Admissions, func(i, j int) bool {
		return plan.Admissions[i].Start < plan.Admissions[j].Start
	})
	return plan
}
