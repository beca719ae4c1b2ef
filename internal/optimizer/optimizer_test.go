package optimizer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/railsim/pkg/types"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("rolling_horizon")
	require.NoError(t, err)
	assert.Equal(t, ModeRollingHorizon, m)

	_, err = ParseMode("greedy")
	assert.Error(t, err)
}

func TestFallbackOrder(t *testing.T) {
	got := FallbackOrder([]Contender{
		{Train: "F1", Weight: 10},
		{Train: "P2", Weight: 5},
		{Train: "P1", Weight: 5},
		{Train: "P3", Weight: 5, Waits: 2},
		{Train: "E1", Weight: 1},
	})
	ids := make([]types.TrainID, len(got))
	for i, c := range got {
		ids[i] = c.Train
	}
	assert.Equal(t, []types.TrainID{"E1", "P3", "P1", "P2", "F1"}, ids)
}

// ============================================================================
// Immediate mode
// ============================================================================

func TestSolveImmediate(t *testing.T) {
	res, err := SolveImmediate(context.Background(), []Contest{
		{Segment: "B->C", Contenders: []Contender{{Train: "T1", Weight: 5}, {Train: "T2", Weight: 1}}},
		{Segment: "C->D", Contenders: []Contender{{Train: "A", Weight: 3}, {Train: "B", Weight: 3, Waits: 1}}},
	})
	require.NoError(t, err)
	assert.False(t, res.Partial)

	assert.Equal(t, []types.TrainID{"T2", "T1"}, res.Order["B->C"])
	assert.Equal(t, []types.TrainID{"B", "A"}, res.Order["C->D"], "equal weights: more waits first")
	assert.Equal(t, map[types.SegmentKey]types.TrainID{"B->C": "T2", "C->D": "B"}, res.Winners())
	assert.InDelta(t, 1.0/5+1.0/3, res.Objective, 1e-9)
}

func TestSolveImmediate_IsOptimal(t *testing.T) {
	cs := []Contender{
		{Train: "a", Weight: 7}, {Train: "b", Weight: 2}, {Train: "c", Weight: 9}, {Train: "d", Weight: 4},
	}
	res, err := SolveImmediate(context.Background(), []Contest{{Segment: "S", Contenders: cs}})
	require.NoError(t, err)

	weight := map[types.TrainID]int{}
	for _, c := range cs {
		weight[c.Train] = c.Weight
	}
	// every permutation of four contenders scores no better than the solution
	best := res.Objective
	permute(cs, func(p []Contender) {
		v := 0.0
		for slot, c := range p {
			v += float64(slot) / float64(weight[c.Train])
		}
		assert.GreaterOrEqual(t, v, best-1e-12)
	})
}

func permute(cs []Contender, visit func([]Contender)) {
	var rec func(int)
	rec = func(k int) {
		if k == len(cs) {
			visit(cs)
			return
		}
		for i := k; i < len(cs); i++ {
			cs[k], cs[i] = cs[i], cs[k]
			rec(k + 1)
			cs[k], cs[i] = cs[i], cs[k]
		}
	}
	rec(0)
}

func TestSolveImmediate_BudgetKeepsIncumbent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := SolveImmediate(ctx, []Contest{
		{Segment: "S", Contenders: []Contender{{Train: "slow", Weight: 10}, {Train: "fast", Weight: 1}}},
	})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, types.TrainID("slow"), res.Winners()["S"])
}

func TestSolveImmediate_InputError(t *testing.T) {
	tests := []struct {
		name     string
		contests []Contest
	}{
		{"zero weight", []Contest{{Segment: "S", Contenders: []Contender{{Train: "a", Weight: 0}}}}},
		{"empty id", []Contest{{Segment: "S", Contenders: []Contender{{Weight: 1}}}}},
		{"duplicate train", []Contest{{Segment: "S", Contenders: []Contender{{Train: "a", Weight: 1}, {Train: "a", Weight: 1}}}}},
		{"duplicate segment", []Contest{{Segment: "S"}, {Segment: "S"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SolveImmediate(context.Background(), tt.contests)
			var inputErr *InputError
			assert.True(t, errors.As(err, &inputErr), "got %v", err)
		})
	}
}

// ============================================================================
// Rolling horizon
// ============================================================================

func op(key string, dur float64) Op {
	return Op{Key: types.SegmentKey(key), Duration: dur}
}

func target(v float64) *float64 { return &v }

func TestSolveHorizon_SharedSegment(t *testing.T) {
	plan, err := SolveHorizon(context.Background(), []HorizonTrain{
		{ID: "slow", Weight: 10, Ops: []Op{op("S", 60), op("X", 60)}},
		{ID: "fast", Weight: 1, Ops: []Op{op("S", 60), op("Y", 60)}},
	}, 600)
	require.NoError(t, err)

	fast, ok := plan.FirstStart("fast")
	require.True(t, ok)
	slow, ok := plan.FirstStart("slow")
	require.True(t, ok)
	assert.Equal(t, 0.0, fast.Start)
	assert.Equal(t, 60.0, slow.Start)
	assert.Equal(t, []types.TrainID{"fast", "slow"}, plan.Order)
	assertNoOverlap(t, plan)
}

func TestSolveHorizon_LatenessDominatesWeight(t *testing.T) {
	plan, err := SolveHorizon(context.Background(), []HorizonTrain{
		{ID: "express", Weight: 1, Ops: []Op{op("S", 60)}},
		{ID: "late", Weight: 5, Ops: []Op{op("S", 60)}, Target: target(60)},
	}, 600)
	require.NoError(t, err)

	late, _ := plan.FirstStart("late")
	assert.Equal(t, 0.0, late.Start)
	assert.Zero(t, plan.Objective.Lateness)
	assert.Equal(t, 120.0, plan.Objective.Makespan)
}

func TestSolveHorizon_ResidentReleasesOnDeparture(t *testing.T) {
	plan, err := SolveHorizon(context.Background(), []HorizonTrain{
		{ID: "behind", Weight: 1, Ops: []Op{op("S", 60)}},
		{ID: "ahead", Weight: 5, Resident: &Resident{Key: "S", Remaining: 30}, Ops: []Op{op("T", 60)}},
	}, 600)
	require.NoError(t, err)

	behind, ok := plan.FirstStart("behind")
	require.True(t, ok)
	assert.Equal(t, 30.0, behind.Start, "enters once the resident train has left")

	ahead, ok := plan.FirstStart("ahead")
	require.True(t, ok)
	assert.Equal(t, 30.0, ahead.Start)
	assertNoOverlap(t, plan)
}

func TestSolveHorizon_FixedTrainBlocksForever(t *testing.T) {
	plan, err := SolveHorizon(context.Background(), []HorizonTrain{
		{ID: "broken", Weight: 1, Fixed: true, Resident: &Resident{Key: "S", Remaining: 0}, Ops: []Op{op("T", 10)}},
		{ID: "waiting", Weight: 1, Ops: []Op{op("S", 10)}},
	}, 300)
	require.NoError(t, err)

	_, ok := plan.FirstStart("waiting")
	assert.False(t, ok, "segment held by a broken-down train is never planned")
	_, ok = plan.FirstStart("broken")
	assert.False(t, ok)
	assert.Equal(t, 300.0+10, plan.Objective.Makespan)
}

func TestSolveHorizon_ReleaseAndHorizonTruncation(t *testing.T) {
	plan, err := SolveHorizon(context.Background(), []HorizonTrain{
		{ID: "held", Weight: 1, Release: 120, Ops: []Op{op("A", 100), op("B", 100), op("C", 100)}},
	}, 250)
	require.NoError(t, err)

	var starts []float64
	for _, a := range plan.Admissions {
		starts = append(starts, a.Start)
	}
	assert.Equal(t, []float64{120, 220}, starts, "ops starting past the horizon are not planned")
	assert.Equal(t, 320.0+100, plan.Objective.Makespan)
}

func TestSolveHorizon_LastSegmentReleasedOnArrival(t *testing.T) {
	plan, err := SolveHorizon(context.Background(), []HorizonTrain{
		{ID: "arriving", Weight: 5, Resident: &Resident{Key: "S", Remaining: 40}},
		{ID: "next", Weight: 1, Ops: []Op{op("S", 60)}},
	}, 600)
	require.NoError(t, err)

	next, ok := plan.FirstStart("next")
	require.True(t, ok)
	assert.Equal(t, 40.0, next.Start)
	assertNoOverlap(t, plan)
}

func TestSolveHorizon_ZeroLengthOps(t *testing.T) {
	plan, err := SolveHorizon(context.Background(), []HorizonTrain{
		{ID: "T1", Weight: 1, Ops: []Op{op("Z", 0), op("S", 60)}},
	}, 600)
	require.NoError(t, err)
	require.Len(t, plan.Admissions, 2)
	assert.Equal(t, 0.0, plan.Admissions[0].Start)
	assert.Equal(t, 0.0, plan.Admissions[1].Start)
	assert.Equal(t, 60.0, plan.Objective.Makespan)
}

func TestSolveHorizon_NoOverlapUnderLoad(t *testing.T) {
	trains := corridorTrains(20)
	plan, err := SolveHorizon(context.Background(), trains, 3600)
	require.NoError(t, err)
	assert.Len(t, plan.Order, 20)
	assertNoOverlap(t, plan)
}

func TestSolveHorizon_BudgetExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	plan, err := SolveHorizon(ctx, corridorTrains(50), 3600)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Empty(t, plan.Admissions)
}

func TestSolveHorizon_InputError(t *testing.T) {
	tests := []struct {
		name    string
		trains  []HorizonTrain
		horizon float64
	}{
		{"zero horizon", nil, 0},
		{"zero weight", []HorizonTrain{{ID: "a"}}, 60},
		{"negative duration", []HorizonTrain{{ID: "a", Weight: 1, Ops: []Op{op("S", -1)}}}, 60},
		{"negative release", []HorizonTrain{{ID: "a", Weight: 1, Release: -5}}, 60},
		{"duplicate", []HorizonTrain{{ID: "a", Weight: 1}, {ID: "a", Weight: 1}}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SolveHorizon(context.Background(), tt.trains, tt.horizon)
			var inputErr *InputError
			require.True(t, errors.As(err, &inputErr), "got %v", err)
			assert.NotErrorIs(t, err, ErrBudgetExceeded)
		})
	}
}

// corridorTrains builds n trains funnelling through a shared trunk "S1".."S3"
// from distinct feeder segments, with a mix of weights and targets.
func corridorTrains(n int) []HorizonTrain {
	weights := []int{1, 5, 10}
	trains := make([]HorizonTrain, 0, n)
	for i := 0; i < n; i++ {
		ht := HorizonTrain{
			ID:     types.TrainID(fmt.Sprintf("T%02d", i)),
			Weight: weights[i%len(weights)],
			Ops: []Op{
				op(fmt.Sprintf("feed-%d", i), 30),
				op("S1", 45), op("S2", 45), op("S3", 45),
			},
		}
		if i%4 == 0 {
			ht.Target = target(float64(200 + 10*i))
		}
		trains = append(trains, ht)
	}
	return trains
}

func assertNoOverlap(t *testing.T, plan Plan) {
	t.Helper()
	bySegment := map[types.SegmentKey][]types.Admission{}
	for _, a := range plan.Admissions {
		if a.Duration <= 0 {
			continue
		}
		bySegment[a.Segment] = append(bySegment[a.Segment], a)
	}
	for key, as := range bySegment {
		for i := range as {
			for j := i + 1; j < len(as); j++ {
				a, b := as[i], as[j]
				if a.Train == b.Train {
					continue
				}
				overlap := a.Start < b.Start+b.Duration-1e-9 && b.Start < a.Start+a.Duration-1e-9
				assert.False(t, overlap, "%s: %s [%v,%v) overlaps %s [%v,%v)", key,
					a.Train, a.Start, a.Start+a.Duration, b.Train, b.Start, b.Start+b.Duration)
			}
		}
	}
}
