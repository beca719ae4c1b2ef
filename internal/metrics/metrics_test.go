package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.ticks, "ticks counter should be initialized")
	assert.NotNil(t, collector.decisions, "decisions counter should be initialized")
	assert.NotNil(t, collector.tickDuration, "tick histogram should be initialized")
	assert.NotNil(t, collector.trains, "trains gauge should be initialized")

	assert.Panics(t, func() { NewCollector(reg) }, "double registration must panic")
}

func TestRecordTick(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 5; i++ {
		collector.RecordTick(2 * time.Millisecond)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.ticks))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.tickDuration))
}

func TestRecordConflicts(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordConflicts(2, 3)
	collector.RecordConflicts(1, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.conflicts))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.holds))
}

func TestRecordSolveAndFallback(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordSolve("immediate", time.Millisecond)
	collector.RecordSolve("rolling_horizon", 40*time.Millisecond)
	collector.RecordSolve("rolling_horizon", 60*time.Millisecond)
	collector.RecordFallback("budget_exceeded")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.decisions.WithLabelValues("immediate")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.decisions.WithLabelValues("rolling_horizon")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.fallbacks.WithLabelValues("budget_exceeded")))
}

func TestRecordCommand(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordCommand("hold", nil)
	collector.RecordCommand("hold", errors.New("train not found"))
	collector.RecordCommand("hold", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.commands.WithLabelValues("hold", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.commands.WithLabelValues("hold", "rejected")))
}

func TestUpdateTrainStats(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.UpdateTrainStats(map[string]int{"running": 3, "held": 1, "total": 4})
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.trains.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.trains.WithLabelValues("held")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.trains), "total is not a status")

	collector.UpdateTrainStats(map[string]int{"running": 0, "held": 0})
	assert.Zero(t, testutil.ToFloat64(collector.trains.WithLabelValues("running")))
}

func TestNewServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.RecordDropped(7)

	srv := NewServer(9090, reg)
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "railsim_broadcast_dropped_total 7")
}
