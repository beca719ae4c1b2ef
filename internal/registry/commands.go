package registry

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/railsim/pkg/types"
)

// Validate performs the state-independent checks of a command: known kind,
// required fields present, numeric arguments in range, routes valid against
// the network. Apply calls it before any state is touched.
func Validate(cmd types.Command, tracks Tracks) error {
	switch cmd.Kind {
	case types.CommandAddTrain:
		if cmd.Spec == nil {
			return fmt.Errorf("%w: add_train requires a train", ErrInvalidCommand)
		}
		return ValidateSpec(*cmd.Spec, tracks)
	case types.CommandReplace:
		return validateSpecs(cmd.Specs, tracks)
	case types.CommandReset:
		return nil
	case types.CommandRemoveTrain, types.CommandBreakdown:
	case types.CommandDelay:
		if !(cmd.Amount > 0) || math.IsInf(cmd.Amount, 0) {
			return fmt.Errorf("%w: delay amount must be positive, got %v", ErrInvalidCommand, cmd.Amount)
		}
	case types.CommandReroute:
		if err := tracks.ValidateRoute(cmd.Route); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRoute, err)
		}
	case types.CommandHold:
		if cmd.Ticks < 0 {
			return fmt.Errorf("%w: hold ticks must be >= 0, got %d", ErrInvalidCommand, cmd.Ticks)
		}
	case types.CommandSetSpeed:
		if !validSpeed(cmd.Speed) {
			return fmt.Errorf("%w: %v", ErrInvalidSpeed, cmd.Speed)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Kind)
	}
	if cmd.Train == "" {
		return ErrEmptyID
	}
	return nil
}

// Apply 套用一筆外部指令
//
// 所有驗證都在修改狀態之前完成；被拒絕的指令不會留下任何部分變更。
func (r *Registry) Apply(cmd types.Command) error {
	if err := Validate(cmd, r.tracks); err != nil {
		return err
	}

	switch cmd.Kind {
	case types.CommandAddTrain:
		return r.Register(*cmd.Spec)
	case types.CommandReplace:
		return r.Replace(cmd.Specs)
	case types.CommandReset:
		r.Reset()
		return nil
	case types.CommandRemoveTrain:
		return r.Remove(cmd.Train)
	}

	t, exists := r.trains[cmd.Train]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTrainNotFound, cmd.Train)
	}

	switch cmd.Kind {
	case types.CommandReroute:
		return reroute(t, cmd.Route)
	case types.CommandSetSpeed:
		t.MaxSpeed = cmd.Speed
		if t.BrokenDown {
			clearBreakdown(t)
		}
		return nil
	}

	if t.Terminal() {
		return fmt.Errorf("%w: %s (%s)", ErrTrainTerminal, t.ID, t.Status)
	}

	switch cmd.Kind {
	case types.CommandDelay:
		t.PauseSeconds += cmd.Amount
		t.Status = types.StatusDelayed
	case types.CommandHold:
		ticks := cmd.Ticks
		if ticks == 0 {
			ticks = 1
		}
		t.HoldTicks += ticks
	case types.CommandBreakdown:
		t.BrokenDown = true
		t.Speed = 0
		t.Status = types.StatusDelayed
	}
	return nil
}

// reroute swaps the remaining route. A train already on a segment keeps it:
// the new route must either begin with that segment or begin at its target,
// in which case the segment's source is prepended.
func reroute(t *types.Train, route []types.NodeID) error {
	next := append([]types.NodeID(nil), route...)
	cursor := -1

	if t.Segment != nil {
		u, v := t.Segment.From, t.Segment.To
		switch {
		case next[0] == u && next[1] == v:
		case next[0] == v:
			next = append([]types.NodeID{u}, next...)
		default:
			return fmt.Errorf("%w: %s is on %s, route starts at %s",
				ErrRerouteDiscontinuous, t.ID, t.Segment.Key(), next[0])
		}
		cursor = 0
	}

	t.Route = next
	t.Cursor = cursor
	t.StopReason = ""
	t.BrokenDown = false
	t.Waits = 0
	switch {
	case t.PauseSeconds > 0:
		t.Status = types.StatusDelayed
	case t.Segment != nil:
		t.Status = types.StatusRunning
	default:
		t.Status = types.StatusStopped
	}
	return nil
}

func clearBreakdown(t *types.Train) {
	t.BrokenDown = false
	switch {
	case t.PauseSeconds > 0:
		t.Status = types.StatusDelayed
	case t.Segment != nil:
		t.Status = types.StatusRunning
	default:
		t.Status = types.StatusStopped
	}
}
