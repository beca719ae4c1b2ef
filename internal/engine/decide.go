package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/ChuLiYu/railsim/internal/advancer"
	"github.com/ChuLiYu/railsim/internal/conflict"
	"github.com/ChuLiYu/railsim/internal/optimizer"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// Fallback reasons reported in Decision.Reason.
const (
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonInfeasible     = "infeasible"
	ReasonInvalidInput   = "invalid_input"
)

// startTolerance is how far past now, in simulated seconds, a planned start
// may lie and still count as due this tick.
const startTolerance = 1e-6

// decide grants segments for this tick. A train is admitted only when the
// segment is free at tick start and no other train got it this tick.
func (e *Engine) decide(
	trains []*types.Train,
	releases map[types.TrainID]float64,
	intents []conflict.Intent,
	occupied map[types.SegmentKey]types.TrainID,
	dt float64,
) (types.Decision, map[types.TrainID]bool) {
	if e.cfg.Mode == optimizer.ModeRollingHorizon {
		return e.decideHorizon(trains, releases, intents, occupied, dt)
	}
	return e.decideImmediate(intents, occupied)
}

// grantable returns the requesters of each key that are not blocked by an
// occupant, in precedence order.
func (e *Engine) grantable(requests map[types.SegmentKey][]types.TrainID, occupied map[types.SegmentKey]types.TrainID) map[types.SegmentKey][]optimizer.Contender {
	out := make(map[types.SegmentKey][]optimizer.Contender, len(requests))
	for key, ids := range requests {
		var cs []optimizer.Contender
		for _, id := range ids {
			if conflict.Blocked(occupied, key, id) {
				continue
			}
			t := e.reg.Get(id)
			cs = append(cs, optimizer.Contender{Train: id, Weight: t.Priority, Waits: t.Waits})
		}
		if len(cs) > 0 {
			out[key] = optimizer.FallbackOrder(cs)
		}
	}
	return out
}

func (e *Engine) decideImmediate(intents []conflict.Intent, occupied map[types.SegmentKey]types.TrainID) (types.Decision, map[types.TrainID]bool) {
	decision := types.Decision{Mode: string(optimizer.ModeImmediate), Winners: map[types.SegmentKey]types.TrainID{}}
	admitted := make(map[types.TrainID]bool)

	requests := conflict.Requests(intents)
	candidates := e.grantable(requests, occupied)

	var contests []optimizer.Contest
	for _, key := range sortedKeys(candidates) {
		cs := candidates[key]
		if len(cs) == 1 {
			admitted[cs[0].Train] = true
			if len(requests[key]) > 1 {
				decision.Winners[key] = cs[0].Train
			}
			continue
		}
		contests = append(contests, optimizer.Contest{Segment: key, Contenders: cs})
	}
	if len(contests) == 0 {
		return decision, admitted
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SolveBudget)
	defer cancel()
	start := time.Now()
	res, err := optimizer.SolveImmediate(ctx, contests)
	e.metrics.RecordSolve(decision.Mode, time.Since(start))

	switch {
	case err != nil:
		e.fallback(&decision, err)
		for _, c := range contests {
			winner := optimizer.FallbackOrder(c.Contenders)[0].Train
			admitted[winner] = true
			decision.Winners[c.Segment] = winner
		}
		return decision, admitted
	case res.Partial:
		e.fallback(&decision, optimizer.ErrBudgetExceeded)
	}
	for key, winner := range res.Winners() {
		admitted[winner] = true
		decision.Winners[key] = winner
	}
	return decision, admitted
}

func (e *Engine) decideHorizon(
	trains []*types.Train,
	releases map[types.TrainID]float64,
	intents []conflict.Intent,
	occupied map[types.SegmentKey]types.TrainID,
	dt float64,
) (types.Decision, map[types.TrainID]bool) {
	decision := types.Decision{Mode: string(optimizer.ModeRollingHorizon), Winners: map[types.SegmentKey]types.TrainID{}}
	admitted := make(map[types.TrainID]bool)

	byTrain := make(map[types.TrainID]conflict.Intent, len(intents))
	skip := make(map[types.TrainID]bool)
	enters := 0
	for _, in := range intents {
		byTrain[in.Train] = in
		if in.Kind == conflict.IntentEnter {
			enters++
		} else {
			skip[in.Train] = true
		}
	}
	if enters == 0 {
		return decision, admitted
	}

	requests := conflict.Requests(intents)
	plan, err := e.solveHorizon(trains, releases, skip)
	if err != nil {
		e.fallback(&decision, err)
		for key, cs := range e.grantable(requests, occupied) {
			admitted[cs[0].Train] = true
			if len(requests[key]) > 1 {
				decision.Winners[key] = cs[0].Train
			}
		}
		return decision, admitted
	}

	decision.Admissions = plan.Admissions
	taken := make(map[types.SegmentKey]bool)
	for _, id := range plan.Order {
		in, ok := byTrain[id]
		if !ok || in.Kind != conflict.IntentEnter {
			continue
		}
		first, ok := plan.FirstStart(id)
		if !ok || first.Segment != in.Key || first.Start > startTolerance {
			continue
		}
		if taken[in.Key] || conflict.Blocked(occupied, in.Key, id) {
			continue
		}
		taken[in.Key] = true
		admitted[id] = true
		if len(requests[in.Key]) > 1 {
			decision.Winners[in.Key] = id
		}
	}
	return decision, admitted
}

// solveHorizon builds the optimizer input from live trains and runs the
// rolling-horizon solver under the configured budget. releases gives, for
// frozen trains, the time from now at which they may move again; skip lists
// trains leaving the network this tick.
func (e *Engine) solveHorizon(trains []*types.Train, releases map[types.TrainID]float64, skip map[types.TrainID]bool) (optimizer.Plan, error) {
	now := e.sim.Now()
	input := make([]optimizer.HorizonTrain, 0, len(trains))
	for _, t := range trains {
		if t.Terminal() || skip[t.ID] {
			continue
		}
		ht := optimizer.HorizonTrain{ID: t.ID, Weight: t.Priority, Waits: t.Waits, Fixed: t.BrokenDown}
		if r, ok := releases[t.ID]; ok && !math.IsInf(r, 0) {
			ht.Release = r
		}

		if t.Segment != nil {
			if edge, ok := e.net.Edge(t.Segment.From, t.Segment.To); ok {
				remaining := 0.0
				if v := advancer.EffectiveSpeed(t, edge); v > 0 {
					remaining = math.Max(0, edge.Length-t.Position) / v
				}
				ht.Resident = &optimizer.Resident{Key: edge.Key(), Edge: edge.Ref(), Remaining: remaining + ht.Release}
			}
		}

		for i := t.Cursor + 1; i >= 0 && i+1 < len(t.Route); i++ {
			edge, ok := e.net.Edge(t.Route[i], t.Route[i+1])
			if !ok {
				break
			}
			duration := 0.0
			if v := advancer.EffectiveSpeed(t, edge); v > 0 && edge.Length > 0 {
				duration = edge.Length / v
			}
			ht.Ops = append(ht.Ops, optimizer.Op{Key: edge.Key(), Edge: edge.Ref(), Duration: duration})
		}

		if planned, ok := t.PlannedArrival[t.FinalNode()]; ok {
			target := planned - now
			ht.Target = &target
		}
		input = append(input, ht)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SolveBudget)
	defer cancel()
	start := time.Now()
	plan, err := optimizer.SolveHorizon(ctx, input, e.cfg.Horizon.Seconds())
	e.metrics.RecordSolve(string(optimizer.ModeRollingHorizon), time.Since(start))
	return plan, err
}

// frozenFor previews, without mutating, how long each frozen train stays put.
func frozenFor(trains []*types.Train, dt float64) map[types.TrainID]float64 {
	out := make(map[types.TrainID]float64)
	for _, t := range trains {
		switch {
		case t.Terminal():
		case t.BrokenDown:
			out[t.ID] = math.Inf(1)
		case t.PauseSeconds > 0:
			out[t.ID] = ticksFor(t.PauseSeconds, dt) * dt
		case t.HoldTicks > 0:
			out[t.ID] = float64(t.HoldTicks) * dt
		}
	}
	return out
}

// fallback marks decision as produced by the deterministic priority order.
func (e *Engine) fallback(decision *types.Decision, err error) {
	decision.Fallback = true
	decision.Reason = fallbackReason(err)
	e.metrics.RecordFallback(decision.Reason)
	e.log.Warn("Optimizer fallback", "mode", decision.Mode, "reason", decision.Reason, "error", err)
}

func fallbackReason(err error) string {
	var inputErr *optimizer.InputError
	switch {
	case errors.Is(err, optimizer.ErrBudgetExceeded), errors.Is(err, context.DeadlineExceeded):
		return ReasonBudgetExceeded
	case errors.As(err, &inputErr):
		return ReasonInvalidInput
	default:
		return ReasonInfeasible
	}
}

func sortedKeys[V any](m map[types.SegmentKey]V) []types.SegmentKey {
	keys := make([]types.SegmentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
