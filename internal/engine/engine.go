// ============================================================================
// Railsim 模擬引擎 - 系統核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 擁有列車登錄表，以固定步長推進模擬時鐘並發布狀態
//
// 架構設計:
//   引擎是唯一能修改列車狀態的元件，協調以下組件：
//   - Registry: 列車狀態機
//   - Conflict: 意圖與軌段衝突偵測
//   - Optimizer: 優先權決策（immediate / rolling_horizon）
//   - Advancer: 位置推進
//   - Hub: 更新訊息扇出
//
// 單一 tick 管線:
//   1. 取出指令佇列中所有待處理指令並套用
//   2. 閘控：故障、延誤、扣留中的列車本 tick 不動
//   3. 偵測：意圖、衝突、軌段占用（以 tick 開始時的狀態為準）
//   4. 決策：呼叫最佳化器，失敗時退回優先權順序
//   5. 套用：允許進入、扣留、到站、終止
//   6. 推進：移動獲准行駛的列車
//   7. 發布：state / decisions / alerts
//
// 並發模型:
//   - 單一迴圈 goroutine 擁有 Registry，不需要鎖
//   - 外部指令經由有界佇列在 tick 邊界套用，呼叫端得到成功或失敗
//   - stepMu 序列化 tick 與未啟動時的同步指令
//   - stopCh + loopWg 用於優雅關閉：進行中的 tick 會完成
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/railsim/internal/alerts"
	"github.com/ChuLiYu/railsim/internal/broadcast"
	"github.com/ChuLiYu/railsim/internal/clock"
	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/internal/optimizer"
	"github.com/ChuLiYu/railsim/internal/registry"
	"github.com/ChuLiYu/railsim/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrQueueFull      = errors.New("command queue is full")
	ErrStopped        = errors.New("engine stopped")
	ErrAlreadyRunning = errors.New("engine already running")
	ErrInvalidConfig  = errors.New("invalid engine config")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Time units for reported delays.
const (
	UnitSeconds = "seconds"
	UnitMinutes = "minutes"
)

// Config 引擎配置
type Config struct {
	TickInterval     time.Duration  // 牆鐘間隔；0 表示全速
	TickDuration     time.Duration  // 每 tick 的模擬時間
	TimeUnit         string         // 延誤顯示單位
	Mode             optimizer.Mode // 決策模式
	SolveBudget      time.Duration  // 最佳化器牆鐘預算
	Horizon          time.Duration  // rolling_horizon 預測時窗（模擬時間）
	CommandCapacity  int            // 指令佇列容量
	SubscriberBuffer int            // 每個訂閱者的佇列長度
	AlertsEnabled    bool
	AlertDistance    float64 // 公尺
	Logger           *slog.Logger
	Metrics          Recorder
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		TickDuration:     60 * time.Second,
		TimeUnit:         UnitMinutes,
		Mode:             optimizer.ModeImmediate,
		SolveBudget:      200 * time.Millisecond,
		Horizon:          30 * time.Minute,
		CommandCapacity:  256,
		SubscriberBuffer: broadcast.DefaultBuffer,
		AlertsEnabled:    true,
		AlertDistance:    500,
	}
}

func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.TickDuration == 0 {
		c.TickDuration = def.TickDuration
	}
	if c.TimeUnit == "" {
		c.TimeUnit = def.TimeUnit
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.SolveBudget == 0 {
		c.SolveBudget = def.SolveBudget
	}
	if c.Horizon == 0 {
		c.Horizon = def.Horizon
	}
	if c.CommandCapacity == 0 {
		c.CommandCapacity = def.CommandCapacity
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = nopRecorder{}
	}

	switch {
	case c.TickDuration < 0:
		return c, fmt.Errorf("%w: tick duration %v", ErrInvalidConfig, c.TickDuration)
	case c.TickInterval < 0:
		return c, fmt.Errorf("%w: tick interval %v", ErrInvalidConfig, c.TickInterval)
	case c.SolveBudget < 0:
		return c, fmt.Errorf("%w: solve budget %v", ErrInvalidConfig, c.SolveBudget)
	case c.Horizon < 0:
		return c, fmt.Errorf("%w: horizon %v", ErrInvalidConfig, c.Horizon)
	case c.CommandCapacity < 0:
		return c, fmt.Errorf("%w: command capacity %d", ErrInvalidConfig, c.CommandCapacity)
	case c.AlertDistance < 0:
		return c, fmt.Errorf("%w: alert distance %v", ErrInvalidConfig, c.AlertDistance)
	}
	if c.TimeUnit != UnitSeconds && c.TimeUnit != UnitMinutes {
		return c, fmt.Errorf("%w: time unit %q", ErrInvalidConfig, c.TimeUnit)
	}
	if _, err := optimizer.ParseMode(string(c.Mode)); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return c, nil
}

// Recorder receives engine metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordTick(d time.Duration)
	RecordConflicts(conflicts, holds int)
	RecordSolve(mode string, d time.Duration)
	RecordFallback(reason string)
	RecordCommand(kind string, err error)
	RecordDropped(n int)
	UpdateTrainStats(stats map[string]int)
}

type nopRecorder struct{}

func (nopRecorder) RecordTick(time.Duration) {}
func (nopRecorder) RecordConflicts(int, int) {}
func (nopRecorder) RecordSolve(string, time.Duration) {}
func (nopRecorder) RecordFallback(string) {}
func (nopRecorder) RecordCommand(string, error) {}
func (nopRecorder) RecordDropped(int) {}
func (nopRecorder) UpdateTrainStats(map[string]int) {}

// pending 一筆等待在 tick 邊界執行的工作
type pending struct {
	kind  string
	apply func() error
	reply chan error
}

// Engine 模擬引擎
type Engine struct {
	cfg     Config
	log     *slog.Logger
	metrics Recorder

	net    *network.Network
	reg    *registry.Registry
	hub    *broadcast.Hub
	alerts alerts.Deriver

	sim   clock.Sim
	pacer *clock.Pacer

	commands chan pending
	stepMu   sync.Mutex // 序列化 tick 與同步指令

	mu       sync.RWMutex // 保護 snapshot
	snapshot types.Snapshot

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWg   sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的引擎實例
//
// 參數：
//   - cfg: 引擎配置，零值欄位使用 DefaultConfig
//   - net: 唯讀路網
//
// 返回值：
//   - *Engine: 引擎實例
//   - error: 配置錯誤
func New(cfg Config, net *network.Network) (*Engine, error) {
	if net == nil {
		return nil, fmt.Errorf("%w: nil network", ErrInvalidConfig)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		net:      net,
		reg:      registry.New(net),
		hub:      broadcast.NewHub(cfg.SubscriberBuffer),
		sim:      clock.Sim{Step: cfg.TickDuration.Seconds()},
		pacer:    clock.NewPacer(cfg.TickInterval),
		commands: make(chan pending, cfg.CommandCapacity),
		stopCh:   make(chan struct{}),
	}
	if cfg.AlertsEnabled {
		e.alerts = alerts.Deriver{Threshold: cfg.AlertDistance, Nodes: net}
	}
	e.hub.OnDrop = e.metrics.RecordDropped
	e.snapshot = e.buildSnapshot(nil, types.Decision{Mode: string(cfg.Mode)})
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Network returns the read-only track network.
func (e *Engine) Network() *network.Network { return e.net }

// Start 啟動模擬迴圈
//
// 迴圈在 ctx 結束或 Stop 被呼叫時退出；進行中的 tick 會完成。
func (e *Engine) Start(ctx context.Context) error {
	select {
	case <-e.stopCh:
		return ErrStopped
	default:
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.loopWg.Add(1)
	go e.loop(ctx)

	e.log.Info("Engine started",
		"mode", e.cfg.Mode,
		"tick_interval", e.cfg.TickInterval,
		"tick_duration", e.cfg.TickDuration,
		"trains", e.trainCount())
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.loopWg.Done()
	for {
		if !e.pacer.Wait(ctx, e.stopCh) {
			e.running.Store(false)
			if n := e.rejectPending(); n > 0 {
				e.log.Info("Rejected queued commands", "count", n)
			}
			e.log.Info("Simulation loop stopped", "tick", e.State().Tick)
			return
		}
		e.pacer.Mark()
		e.Step()
	}
}

// Stop 優雅關閉引擎
//
// 流程：
//  1. 關閉 stopCh，等待進行中的 tick 完成
//  2. 拒絕所有尚未處理的指令（ErrStopped）
//  3. 關閉所有訂閱
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.loopWg.Wait()
		e.rejectPending()
		e.hub.Close()
		e.log.Info("Engine stopped")
	})
}

// rejectPending 以 ErrStopped 回覆佇列中所有指令
func (e *Engine) rejectPending() int {
	n := 0
	for {
		select {
		case p := <-e.commands:
			e.metrics.RecordCommand(p.kind, ErrStopped)
			p.reply <- ErrStopped
			n++
		default:
			return n
		}
	}
}

// Running reports whether the loop goroutine is active.
func (e *Engine) Running() bool { return e.running.Load() }

// ============================================================================
// 指令介面
// ============================================================================

// Enqueue 將指令放入佇列，不阻塞；結果在下一個 tick 邊界送到回傳的 channel
func (e *Engine) Enqueue(cmd types.Command) (<-chan error, error) {
	return e.enqueue(pending{
		kind:  string(cmd.Kind),
		apply: func() error { return e.applyCommand(cmd) },
		reply: make(chan error, 1),
	})
}

func (e *Engine) enqueue(p pending) (<-chan error, error) {
	select {
	case <-e.stopCh:
		return nil, ErrStopped
	default:
	}
	select {
	case e.commands <- p:
		return p.reply, nil
	default:
		e.metrics.RecordCommand(p.kind, ErrQueueFull)
		return nil, ErrQueueFull
	}
}

// Submit 套用指令並等待結果
//
// 迴圈執行中時，指令在下一個 tick 邊界套用；迴圈未啟動時立即在呼叫端套用。
func (e *Engine) Submit(ctx context.Context, cmd types.Command) error {
	return e.atBoundary(ctx, string(cmd.Kind), func() error { return e.applyCommand(cmd) })
}

// Seed 以一組列車定義原子性取代現有列車
func (e *Engine) Seed(ctx context.Context, specs []types.TrainSpec) error {
	return e.Submit(ctx, types.Command{Kind: types.CommandReplace, Specs: specs})
}

func (e *Engine) atBoundary(ctx context.Context, kind string, fn func() error) error {
	if !e.running.Load() {
		select {
		case <-e.stopCh:
			return ErrStopped
		default:
		}
		e.stepMu.Lock()
		err := fn()
		e.refreshSnapshot()
		e.stepMu.Unlock()
		return err
	}

	reply, err := e.enqueue(pending{kind: kind, apply: fn, reply: make(chan error, 1)})
	if err != nil {
		return err
	}
	// The loop may have exited between the running check and the enqueue.
	if !e.running.Load() {
		e.rejectPending()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	}
}

func (e *Engine) applyCommand(cmd types.Command) error {
	err := e.reg.Apply(cmd)
	e.metrics.RecordCommand(string(cmd.Kind), err)
	if err != nil {
		e.log.Info("Command rejected", "type", cmd.Kind, "train", cmd.Train, "error", err)
		return err
	}
	e.log.Debug("Command applied", "type", cmd.Kind, "train", cmd.Train)
	return nil
}

// drain 在 tick 邊界套用所有等待中的指令
func (e *Engine) drain() int {
	n := 0
	for {
		select {
		case p := <-e.commands:
			p.reply <- p.apply()
			n++
		default:
			return n
		}
	}
}

// RequestPlan computes a rolling-horizon plan for the current state at the
// next tick boundary without applying it.
func (e *Engine) RequestPlan(ctx context.Context) (optimizer.Plan, error) {
	var plan optimizer.Plan
	err := e.atBoundary(ctx, "optimize", func() error {
		var err error
		trains := e.reg.Trains()
		plan, err = e.solveHorizon(trains, frozenFor(trains, e.sim.Step), nil)
		return err
	})
	return plan, err
}

// ============================================================================
// 狀態介面
// ============================================================================

// State returns the last published snapshot. Calling it never changes state.
func (e *Engine) State() types.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot.Clone()
}

// Subscribe registers a push subscriber for state, decisions and alerts.
func (e *Engine) Subscribe() *broadcast.Subscription { return e.hub.Subscribe() }

func (e *Engine) trainCount() int {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()
	return e.reg.Len()
}
