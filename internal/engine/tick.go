package engine

import (
	"math"
	"time"

	"github.com/ChuLiYu/railsim/internal/advancer"
	"github.com/ChuLiYu/railsim/internal/conflict"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// Step runs one tick of the pipeline and returns the published snapshot.
// The loop calls it on every paced tick; tests call it directly.
func (e *Engine) Step() types.Snapshot {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	start := time.Now()
	applied := e.drain()
	dt := e.sim.Step

	trains := e.reg.Trains()
	occupied := conflict.Occupancy(trains, e.net)

	free, releases := e.gate(trains, dt)
	intents := conflict.Intents(free, e.net)
	conflicts := conflict.Detect(intents)

	decision, admitted := e.decide(trains, releases, intents, occupied, dt)
	holds := e.applyIntents(intents, admitted, dt)
	e.advance(free, dt)
	e.checkInvariants(trains)

	e.sim.Advance()
	snap := e.publish(conflicts, decision)

	elapsed := time.Since(start)
	e.metrics.RecordTick(elapsed)
	e.metrics.RecordConflicts(len(conflicts), holds)
	e.metrics.UpdateTrainStats(e.reg.Stats())
	e.log.Debug("Tick completed",
		"tick", snap.Tick,
		"commands", applied,
		"conflicts", len(conflicts),
		"holds", holds,
		"duration", elapsed)
	if e.cfg.TickInterval > 0 && elapsed > e.cfg.TickInterval {
		e.log.Warn("Tick overran its interval", "tick", snap.Tick, "duration", elapsed, "interval", e.cfg.TickInterval)
	}
	return snap
}

// gate freezes trains that cannot move this tick: broken down, serving an
// injected pause, or under an external hold. Frozen trains accrue one tick
// of delay. It returns the trains free to move and, for frozen ones, the
// earliest time (relative to tick start) they may depart.
func (e *Engine) gate(trains []*types.Train, dt float64) ([]*types.Train, map[types.TrainID]float64) {
	free := make([]*types.Train, 0, len(trains))
	releases := make(map[types.TrainID]float64)

	for _, t := range trains {
		if t.Terminal() {
			t.Speed = 0
			continue
		}
		switch {
		case t.BrokenDown:
			t.Status = types.StatusDelayed
			t.Delay += dt
			t.Speed = 0
			releases[t.ID] = math.Inf(1)

		case t.PauseSeconds > 0:
			t.Status = types.StatusDelayed
			t.Delay += dt
			t.Speed = 0
			t.PauseSeconds = math.Max(0, t.PauseSeconds-dt)
			releases[t.ID] = dt + ticksFor(t.PauseSeconds, dt)*dt

		case t.HoldTicks > 0:
			t.Status = types.StatusHeld
			t.Delay += dt
			t.Speed = 0
			t.HoldTicks--
			releases[t.ID] = dt + float64(t.HoldTicks)*dt

		default:
			free = append(free, t)
		}
	}
	return free, releases
}

func ticksFor(seconds, dt float64) float64 {
	if seconds <= 0 || dt <= 0 {
		return 0
	}
	return math.Ceil(seconds/dt - 1e-9)
}

// applyIntents moves admitted trains onto their next segment, holds the
// rest, and retires trains whose route is exhausted or broken. It returns
// the number of trains held by contention.
func (e *Engine) applyIntents(intents []conflict.Intent, admitted map[types.TrainID]bool, dt float64) int {
	holds := 0
	for _, in := range intents {
		t := e.reg.Get(in.Train)
		switch in.Kind {
		case conflict.IntentFinish:
			t.Status = types.StatusFinished
			t.Speed = 0
			t.Waits = 0
			e.log.Info("Train finished", "train", t.ID, "node", t.FinalNode(), "delay_s", t.Delay)

		case conflict.IntentMissing:
			t.Status = types.StatusStopped
			t.Speed = 0
			t.StopReason = "segment " + string(in.Next.Key()) + " not in network"
			e.log.Warn("Train stopped: next segment missing", "train", t.ID, "segment", in.Next.Key())

		case conflict.IntentEnter:
			if admitted[t.ID] {
				next := in.Next
				t.Cursor++
				t.Segment = &next
				t.Position = 0
				t.Status = types.StatusRunning
				t.Waits = 0
				continue
			}
			t.Status = types.StatusHeld
			t.Speed = 0
			t.Delay += dt
			t.Waits++
			holds++
		}
	}
	return holds
}

// advance moves every free train that is running on a segment.
func (e *Engine) advance(free []*types.Train, dt float64) {
	for _, t := range free {
		if t.Segment == nil || t.Status == types.StatusHeld || t.Terminal() {
			continue
		}
		edge, ok := e.net.Edge(t.Segment.From, t.Segment.To)
		if !ok {
			continue
		}
		res := advancer.Advance(t, edge, dt)
		if res.Clamped {
			e.log.Error("Train position out of range; clamped",
				"train", t.ID, "segment", edge.Key(), "position", t.Position, "length", edge.Length)
		}
		t.Position = res.Position
		t.Status = types.StatusRunning
		t.Speed = 0
		if dt > 0 {
			t.Speed = res.Distance / dt
		}
	}
}

// checkInvariants clamps positions to their segment and reports two live
// trains inside the same segment. Both indicate a bug upstream.
func (e *Engine) checkInvariants(trains []*types.Train) {
	inside := make(map[types.SegmentKey]types.TrainID)
	for _, t := range trains {
		if t.Segment == nil {
			continue
		}
		edge, ok := e.net.Edge(t.Segment.From, t.Segment.To)
		if !ok {
			continue
		}
		if t.Position < 0 || t.Position > edge.Length || math.IsNaN(t.Position) {
			e.log.Error("Invariant violated: position outside segment; clamped",
				"train", t.ID, "segment", edge.Key(), "position", t.Position, "length", edge.Length)
			t.Position = math.Min(math.Max(0, t.Position), edge.Length)
			if math.IsNaN(t.Position) {
				t.Position = 0
			}
		}
		if t.Terminal() || t.Position >= edge.Length {
			continue
		}
		key := edge.Key()
		if other, taken := inside[key]; taken {
			e.log.Error("Invariant violated: segment shared", "segment", key, "trains", []types.TrainID{other, t.ID})
			continue
		}
		inside[key] = t.ID
	}
}
