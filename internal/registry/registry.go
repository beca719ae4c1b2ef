// ============================================================================
// Railsim 列車登錄表 - 列車狀態機實現
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 管理列車的完整生命週期和狀態轉換
//
// 所有權:
//   Registry 不使用鎖。它由模擬迴圈獨佔持有，所有變更都只在每個 tick
//   的循序管線中發生；外部指令經由 engine 的指令佇列在 tick 邊界套用。
//
// 列車狀態轉換 (State Machine):
//   stopped  → running   進入路線第一個軌段
//   running  → held      競爭失敗，本 tick 不前進
//   held     → running   下個 tick 重新評估後獲准進入
//   running  → finished  路線走完（保留直到被移除或 reset）
//   running  → stopped   下一軌段不存在於路網（終止）
//   any      → delayed   故障或注入延誤
//
// 資料結構設計:
//   trains map[TrainID]*Train - 主存儲
//   order  []TrainID          - 插入順序，保證每個 tick 的遍歷是確定性的
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 列車 ID 重複
	ErrDuplicateTrain = errors.New("train already exists")
	// 列車不存在
	ErrTrainNotFound = errors.New("train not found")
	// 列車已到站或終止，無法再接受此指令
	ErrTrainTerminal = errors.New("train is finished or terminally stopped")

	ErrEmptyID              = errors.New("train id is required")
	ErrInvalidClass         = errors.New("unknown train class")
	ErrInvalidPriority      = errors.New("priority must be positive")
	ErrInvalidSpeed         = errors.New("speed must be a positive finite number")
	ErrInvalidRoute         = errors.New("invalid route")
	ErrInvalidArrival       = errors.New("planned arrival must reference a route node with a finite non-negative time")
	ErrInvalidCommand       = errors.New("invalid command")
	ErrRerouteDiscontinuous = errors.New("new route must continue from the current segment")
)

// Tracks is the part of the track network the registry validates against.
type Tracks interface {
	ValidateRoute(route []types.NodeID) error
}

// Registry 列車登錄表
type Registry struct {
	tracks Tracks
	trains map[types.TrainID]*types.Train
	order  []types.TrainID
}

// New 建立新的列車登錄表
func New(tracks Tracks) *Registry {
	return &Registry{
		tracks: tracks,
		trains: make(map[types.TrainID]*types.Train),
		order:  make([]types.TrainID, 0),
	}
}

// Register 驗證並加入一列新列車，初始狀態為 stopped
//
// 錯誤處理：
//   - ErrDuplicateTrain: 列車 ID 已存在
//   - 驗證錯誤: 見 ValidateSpec
func (r *Registry) Register(spec types.TrainSpec) error {
	if err := ValidateSpec(spec, r.tracks); err != nil {
		return err
	}
	if _, exists := r.trains[spec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTrain, spec.ID)
	}
	r.insert(newTrain(spec))
	return nil
}

func (r *Registry) insert(t *types.Train) {
	r.trains[t.ID] = t
	r.order = append(r.order, t.ID)
}

func newTrain(spec types.TrainSpec) *types.Train {
	class := spec.Class
	if class == "" {
		class = types.ClassPassenger
	}
	priority := spec.Priority
	if priority == 0 {
		priority = class.DefaultPriority()
	}
	t := &types.Train{
		ID:       spec.ID,
		Class:    class,
		Priority: priority,
		MaxSpeed: spec.MaxSpeed,
		Route:    append([]types.NodeID(nil), spec.Route...),
		Cursor:   -1,
		Status:   types.StatusStopped,
	}
	if len(spec.PlannedArrival) > 0 {
		t.PlannedArrival = make(map[types.NodeID]float64, len(spec.PlannedArrival))
		for k, v := range spec.PlannedArrival {
			t.PlannedArrival[k] = v
		}
	}
	return t
}

// Remove 移除列車
func (r *Registry) Remove(id types.TrainID) error {
	if _, exists := r.trains[id]; !exists {
		return fmt.Errorf("%w: %s", ErrTrainNotFound, id)
	}
	delete(r.trains, id)
	for i, tid := range r.order {
		if tid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Reset 清空所有列車
func (r *Registry) Reset() {
	r.trains = make(map[types.TrainID]*types.Train)
	r.order = make([]types.TrainID, 0)
}

// Replace 以新的列車集合原子性取代現有列車。任何一筆驗證失敗，現有狀態不變。
func (r *Registry) Replace(specs []types.TrainSpec) error {
	if err := validateSpecs(specs, r.tracks); err != nil {
		return err
	}
	r.Reset()
	for _, spec := range specs {
		r.insert(newTrain(spec))
	}
	return nil
}

// Get 取得列車，如果不存在則回傳 nil
func (r *Registry) Get(id types.TrainID) *types.Train {
	return r.trains[id]
}

// Trains returns the live trains in registration order. The pointers are
// owned by the registry; only the tick loop may mutate them.
func (r *Registry) Trains() []*types.Train {
	out := make([]*types.Train, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.trains[id])
	}
	return out
}

// Len 列車數量
func (r *Registry) Len() int { return len(r.order) }

// Stats 取得各狀態列車的統計資訊
func (r *Registry) Stats() map[string]int {
	stats := map[string]int{
		string(types.StatusStopped):  0,
		string(types.StatusRunning):  0,
		string(types.StatusHeld):     0,
		string(types.StatusDelayed):  0,
		string(types.StatusFinished): 0,
	}
	for _, t := range r.trains {
		stats[string(t.Status)]++
	}
	stats["total"] = len(r.trains)
	return stats
}

// ============================================================================
// 驗證
// ============================================================================

// ValidateSpec checks a seed definition against the network without touching
// any registry state.
func ValidateSpec(spec types.TrainSpec, tracks Tracks) error {
	if spec.ID == "" {
		return ErrEmptyID
	}
	if spec.Class != "" && !spec.Class.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidClass, spec.Class)
	}
	if spec.Priority < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, spec.Priority)
	}
	if !validSpeed(spec.MaxSpeed) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, spec.MaxSpeed)
	}
	if err := tracks.ValidateRoute(spec.Route); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoute, err)
	}
	for node, at := range spec.PlannedArrival {
		if !contains(spec.Route, node) || math.IsNaN(at) || math.IsInf(at, 0) || at < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidArrival, node, at)
		}
	}
	return nil
}

func validateSpecs(specs []types.TrainSpec, tracks Tracks) error {
	seen := make(map[types.TrainID]bool, len(specs))
	for _, spec := range specs {
		if err := ValidateSpec(spec, tracks); err != nil {
			return fmt.Errorf("train %q: %w", spec.ID, err)
		}
		if seen[spec.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTrain, spec.ID)
		}
		seen[spec.ID] = true
	}
	return nil
}

func validSpeed(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func contains(route []types.NodeID, node types.NodeID) bool {
	for _, n := range route {
		if n == node {
			return true
		}
	}
	return false
}

// NetworkTracks adapts *network.Network to Tracks.
var _ Tracks = (*network.Network)(nil)
