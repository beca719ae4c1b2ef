// Package types defines the core domain model shared by the railsim packages.
package types

// TrainID 列車唯一識別碼
type TrainID string

// NodeID identifies a node of the track network.
type NodeID = string

// SegmentKey identifies a contended track resource. For plain edges it is
// "<from>-><to>"; edges sharing a physical track use the track id instead.
type SegmentKey string

// SegmentRef points at a directed edge by its endpoints.
type SegmentRef struct {
	From NodeID `json:"u" yaml:"u"`
	To   NodeID `json:"v" yaml:"v"`
}

// Key returns the ordered-pair key of the edge.
func (s SegmentRef) Key() SegmentKey {
	return SegmentKey(s.From + "->" + s.To)
}

// TrainClass 列車等級，決定預設優先權
type TrainClass string

const (
	ClassExpress   TrainClass = "express"
	ClassPassenger TrainClass = "passenger"
	ClassFreight   TrainClass = "freight"
)

// DefaultPriority returns the priority weight used when a train is seeded
// without an explicit one. Lower is more urgent.
func (c TrainClass) DefaultPriority() int {
	switch c {
	case ClassExpress:
		return 1
	case ClassFreight:
		return 10
	default:
		return 5
	}
}

// Valid reports whether c is a known class.
func (c TrainClass) Valid() bool {
	switch c {
	case ClassExpress, ClassPassenger, ClassFreight:
		return true
	}
	return false
}

// TrainStatus 列車狀態
type TrainStatus string

const (
	StatusStopped  TrainStatus = "stopped"  // 未出發，或路線遇到缺失軌段而終止
	StatusRunning  TrainStatus = "running"  // 在軌段上行駛
	StatusHeld     TrainStatus = "held"     // 競爭失敗或被外部指令扣留
	StatusDelayed  TrainStatus = "delayed"  // 故障或注入延誤
	StatusFinished TrainStatus = "finished" // 已到達路線終點
)

// Train is the mutable kinematic and scheduling state of one train. It is
// owned by the simulation loop; everything outside the loop works on
// TrainView copies.
type Train struct {
	ID       TrainID    `json:"id"`
	Class    TrainClass `json:"class"`
	Priority int        `json:"priority"`
	MaxSpeed float64    `json:"max_speed_mps"`

	Route          []NodeID           `json:"route"`
	Cursor         int                `json:"cursor"`            // Route index of the current segment's source, -1 before start
	Segment        *SegmentRef        `json:"segment,omitempty"` // nil before the train starts
	Position       float64            `json:"position_m"`
	PlannedArrival map[NodeID]float64 `json:"planned_arrival_s,omitempty"`

	Status TrainStatus `json:"status"`
	Delay  float64     `json:"delay_s"`
	Speed  float64     `json:"speed_mps"` // effective speed of the last advance

	Waits        int     `json:"waits"`      // consecutive ticks lost to contention
	HoldTicks    int     `json:"hold_ticks"` // externally requested hold
	PauseSeconds float64 `json:"pause_s"`    // injected delay still to serve
	BrokenDown   bool    `json:"broken_down"`
	StopReason   string  `json:"stop_reason,omitempty"` // set when stopped terminally
}

// Started reports whether the train has been placed on its first segment.
func (t *Train) Started() bool { return t.Segment != nil }

// Terminal reports whether the train will never move again without a reroute.
func (t *Train) Terminal() bool {
	return t.Status == StatusFinished || (t.Status == StatusStopped && t.StopReason != "")
}

// NextSegment returns the route segment after the current one, or false when
// the route is exhausted. Before the train starts it is the first segment.
func (t *Train) NextSegment() (SegmentRef, bool) {
	i := t.Cursor + 1
	if i < 0 || i+1 >= len(t.Route) {
		return SegmentRef{}, false
	}
	return SegmentRef{From: t.Route[i], To: t.Route[i+1]}, true
}

// FinalNode returns the last node of the route.
func (t *Train) FinalNode() NodeID {
	if len(t.Route) == 0 {
		return ""
	}
	return t.Route[len(t.Route)-1]
}

// Clone returns a deep copy.
func (t *Train) Clone() *Train {
	c := *t
	c.Route = append([]NodeID(nil), t.Route...)
	if t.Segment != nil {
		seg := *t.Segment
		c.Segment = &seg
	}
	if t.PlannedArrival != nil {
		c.PlannedArrival = make(map[NodeID]float64, len(t.PlannedArrival))
		for k, v := range t.PlannedArrival {
			c.PlannedArrival[k] = v
		}
	}
	return &c
}

// TrainSpec is the seed definition of a train.
type TrainSpec struct {
	ID             TrainID            `json:"id" yaml:"id"`
	Class          TrainClass         `json:"class" yaml:"class"`
	Priority       int                `json:"priority,omitempty" yaml:"priority,omitempty"` // 0 = class default
	MaxSpeed       float64            `json:"max_speed_mps" yaml:"max_speed_mps"`
	Route          []NodeID           `json:"route" yaml:"route"`
	PlannedArrival map[NodeID]float64 `json:"planned_arrival_s,omitempty" yaml:"planned_arrival_s,omitempty"`
}

// ============================================================================
// Commands
// ============================================================================

// CommandKind 外部指令種類
type CommandKind string

const (
	CommandAddTrain    CommandKind = "add_train"
	CommandRemoveTrain CommandKind = "remove_train"
	CommandReset       CommandKind = "reset"
	CommandReplace     CommandKind = "replace"
	CommandDelay       CommandKind = "delay"
	CommandReroute     CommandKind = "reroute"
	CommandHold        CommandKind = "hold"
	CommandSetSpeed    CommandKind = "set_speed"
	CommandBreakdown   CommandKind = "breakdown"
)

// Command is an external mutation request. Only the fields relevant to Kind
// are read.
type Command struct {
	ID     string      `json:"id,omitempty"`
	Kind   CommandKind `json:"type"`
	Train  TrainID     `json:"train_id,omitempty"`
	Amount float64     `json:"amount_s,omitempty"`  // delay
	Route  []NodeID    `json:"route,omitempty"`     // reroute
	Speed  float64     `json:"speed_mps,omitempty"` // set_speed
	Ticks  int         `json:"ticks,omitempty"`     // hold
	Spec   *TrainSpec  `json:"train,omitempty"`     // add_train
	Specs  []TrainSpec `json:"trains,omitempty"`    // replace
}

// ============================================================================
// Snapshot surface
// ============================================================================

// TrainView is the published, read-only view of a train.
type TrainView struct {
	ID            TrainID     `json:"id"`
	Class         TrainClass  `json:"class"`
	Priority      int         `json:"priority"`
	Segment       *SegmentRef `json:"edge"`
	Position      float64     `json:"position_m"`
	SegmentLength float64     `json:"edge_length_m"`
	Speed         float64     `json:"speed_mps"`
	Status        TrainStatus `json:"status"`
	Delay         float64     `json:"delay"`
	Progress      float64     `json:"progress"`
	RouteProgress float64     `json:"route_progress"`
}

// Conflict is a segment requested as "next" by two or more trains.
type Conflict struct {
	Segment SegmentKey `json:"segment"`
	Trains  []TrainID  `json:"trains"`
}

// Admission is one planned segment traversal. Start is relative to the plan
// base time, in simulated seconds.
type Admission struct {
	Train    TrainID    `json:"train_id"`
	Segment  SegmentKey `json:"segment"`
	Edge     SegmentRef `json:"edge"`
	Start    float64    `json:"start_s"`
	Duration float64    `json:"duration_s"`
	Fixed    bool       `json:"fixed,omitempty"`
}

// Decision is the precedence outcome of one tick.
type Decision struct {
	Mode       string                 `json:"mode"`
	Winners    map[SegmentKey]TrainID `json:"winners"`
	Admissions []Admission            `json:"admissions,omitempty"`
	Fallback   bool                   `json:"fallback,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// Clone returns a deep copy.
func (d Decision) Clone() Decision {
	c := d
	if d.Winners != nil {
		c.Winners = make(map[SegmentKey]TrainID, len(d.Winners))
		for k, v := range d.Winners {
			c.Winners[k] = v
		}
	}
	c.Admissions = append([]Admission(nil), d.Admissions...)
	return c
}

// DecisionUpdate is the payload of a "decisions" message.
type DecisionUpdate struct {
	Conflicts []Conflict `json:"conflicts"`
	Decision  Decision   `json:"decision"`
}

// AlertLevel 告警等級
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is a derived near-collision warning between two trains.
type Alert struct {
	Kind     string     `json:"kind"`
	Level    AlertLevel `json:"level"`
	Trains   [2]TrainID `json:"trains"`
	Distance float64    `json:"distance_m"`
}

// Snapshot 系統完整狀態快照
type Snapshot struct {
	Tick      uint64      `json:"tick"`
	SimTime   float64     `json:"sim_time_s"`
	TimeUnit  string      `json:"time_unit"`
	Trains    []TrainView `json:"trains"`
	Conflicts []Conflict  `json:"conflicts"`
	Decision  Decision    `json:"decision"`
}

// Clone returns a deep copy so callers can never alias loop-owned data.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Trains = make([]TrainView, len(s.Trains))
	for i, v := range s.Trains {
		if v.Segment != nil {
			seg := *v.Segment
			v.Segment = &seg
		}
		c.Trains[i] = v
	}
	c.Conflicts = make([]Conflict, len(s.Conflicts))
	for i, cf := range s.Conflicts {
		c.Conflicts[i] = Conflict{Segment: cf.Segment, Trains: append([]TrainID(nil), cf.Trains...)}
	}
	c.Decision = s.Decision.Clone()
	return c
}

// MessageKind 推送訊息種類
type MessageKind string

const (
	MessageState     MessageKind = "state"
	MessageDecisions MessageKind = "decisions"
	MessageAlerts    MessageKind = "alerts"
)

// Message is one item of the update stream.
type Message struct {
	Kind MessageKind `json:"type"`
	Tick uint64      `json:"tick"`
	Data any         `json:"data"`
}
