// ============================================================================
// Railsim 優先權最佳化器
// ============================================================================
//
// Package: internal/optimizer
// 功能: 在共享軌段上決定列車通行順序
//
// 兩種模式:
//   immediate       - 每個被爭用的軌段獨立求解，依權重分配單位時槽
//   rolling_horizon - 在預測時窗內為所有列車排出不重疊的軌段占用區間
//
// 錯誤分類:
//   ErrBudgetExceeded, ErrInfeasible - 可預期的結果，呼叫端改用 FallbackOrder
//   *InputError                       - 輸入不合法，應在上游被拒絕
//
// ============================================================================

package optimizer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/railsim/pkg/types"
)

// Mode selects the optimizer formulation.
type Mode string

const (
	ModeImmediate      Mode = "immediate"
	ModeRollingHorizon Mode = "rolling_horizon"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeImmediate, ModeRollingHorizon:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown optimizer mode %q", s)
}

var (
	// ErrBudgetExceeded: the wall-clock budget ran out before a plan was proven.
	ErrBudgetExceeded = errors.New("optimizer: solve budget exceeded")
	// ErrInfeasible: no schedule satisfying the constraints was found.
	ErrInfeasible = errors.New("optimizer: no feasible plan")
)

// InputError reports a malformed optimizer input.
type InputError struct {
	Train  types.TrainID
	Reason string
}

func (e *InputError) Error() string {
	if e.Train == "" {
		return "optimizer: invalid input: " + e.Reason
	}
	return fmt.Sprintf("optimizer: invalid input for train %s: %s", e.Train, e.Reason)
}

// Contender is one train competing for a segment.
type Contender struct {
	Train  types.TrainID
	Weight int // priority weight, lower is more urgent
	Waits  int // consecutive ticks already lost to contention
}

// FallbackOrder sorts contenders by weight, then most waits, then id. It is
// the deterministic precedence used whenever no optimized plan is available.
func FallbackOrder(cs []Contender) []Contender {
	out := append([]Contender(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool { return precedes(out[i], out[j]) })
	return out
}

func precedes(a, b Contender) bool {
	if a.Weight != b.Weight {
		return a.Weight < b.Weight
	}
	if a.Waits != b.Waits {
		return a.Waits > b.Waits
	}
	return a.Train < b.Train
}

func validateContender(c Contender) error {
	if c.Train == "" {
		return &InputError{Reason: "empty train id"}
	}
	if c.Weight < 1 {
		return &InputError{Train: c.Train, Reason: fmt.Sprintf("weight %d < 1", c.Weight)}
	}
	if c.Waits < 0 {
		return &InputError{Train: c.Train, Reason: "negative wait count"}
	}
	return nil
}
