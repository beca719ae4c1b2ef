package engine

import (
	"github.com/ChuLiYu/railsim/internal/advancer"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// publish stores the post-tick snapshot and fans out the update messages:
// state always, decisions when anything was contested or planned, alerts
// when any pair of trains is too close.
func (e *Engine) publish(conflicts []types.Conflict, decision types.Decision) types.Snapshot {
	snap := e.buildSnapshot(conflicts, decision)

	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()

	e.hub.Publish(types.Message{Kind: types.MessageState, Tick: snap.Tick, Data: snap.Clone()})

	if len(conflicts) > 0 || len(decision.Winners) > 0 || len(decision.Admissions) > 0 || decision.Fallback {
		e.hub.Publish(types.Message{
			Kind: types.MessageDecisions,
			Tick: snap.Tick,
			Data: types.DecisionUpdate{Conflicts: snap.Clone().Conflicts, Decision: decision.Clone()},
		})
	}

	if found := e.alerts.Derive(snap.Trains); len(found) > 0 {
		for _, a := range found {
			e.log.Warn("Proximity alert", "trains", a.Trains, "distance_m", a.Distance, "level", a.Level)
		}
		e.hub.Publish(types.Message{Kind: types.MessageAlerts, Tick: snap.Tick, Data: found})
	}
	return snap.Clone()
}

// refreshSnapshot republishes state after an out-of-loop command, keeping
// the last decision.
func (e *Engine) refreshSnapshot() {
	e.mu.RLock()
	prev := e.snapshot
	e.mu.RUnlock()

	snap := e.buildSnapshot(prev.Conflicts, prev.Decision)

	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
}

func (e *Engine) buildSnapshot(conflicts []types.Conflict, decision types.Decision) types.Snapshot {
	if conflicts == nil {
		conflicts = []types.Conflict{}
	}
	if decision.Winners == nil {
		decision.Winners = map[types.SegmentKey]types.TrainID{}
	}
	snap := types.Snapshot{
		Tick:      e.sim.Tick,
		SimTime:   e.sim.Now(),
		TimeUnit:  e.cfg.TimeUnit,
		Trains:    make([]types.TrainView, 0, e.reg.Len()),
		Conflicts: conflicts,
		Decision:  decision,
	}
	for _, t := range e.reg.Trains() {
		snap.Trains = append(snap.Trains, e.view(t))
	}
	return snap.Clone()
}

func (e *Engine) view(t *types.Train) types.TrainView {
	v := types.TrainView{
		ID:       t.ID,
		Class:    t.Class,
		Priority: t.Priority,
		Position: t.Position,
		Speed:    t.Speed,
		Status:   t.Status,
		Delay:    t.Delay,
	}
	if e.cfg.TimeUnit == UnitMinutes {
		v.Delay = t.Delay / 60
	}
	if t.Segment != nil {
		seg := *t.Segment
		v.Segment = &seg
		if edge, ok := e.net.Edge(seg.From, seg.To); ok {
			v.SegmentLength = edge.Length
		}
	}
	v.Progress = advancer.Progress(t, v.SegmentLength)
	v.RouteProgress = advancer.RouteProgress(t, v.SegmentLength)
	return v
}
