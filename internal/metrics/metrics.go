// ============================================================================
// Railsim Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露模擬迴圈的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - railsim_ticks_total: 已執行 tick 數
//      - railsim_conflicts_total: 偵測到的軌段衝突數
//      - railsim_holds_total: 因競爭而被扣留的列車-tick 數
//      - railsim_decisions_total{mode}: 最佳化決策數
//      - railsim_optimizer_fallbacks_total{reason}: 退回優先權順序的次數
//      - railsim_commands_total{kind,result}: 外部指令數
//      - railsim_broadcast_dropped_total: 訂閱者佇列滿而丟棄的訊息數
//
//   2. 分佈 (Histogram)：
//      - railsim_tick_duration_seconds: 單一 tick 的牆鐘耗時
//      - railsim_optimizer_solve_seconds{mode}: 最佳化求解耗時
//
//   3. 瞬時值 (Gauge)：
//      - railsim_trains{status}: 各狀態列車數
//
// Prometheus 查詢示例:
//
//   # tick 是否跟得上配置的間隔
//   histogram_quantile(0.99, rate(railsim_tick_duration_seconds_bucket[5m]))
//
//   # 退回率
//   rate(railsim_optimizer_fallbacks_total[5m]) / rate(railsim_decisions_total[5m])
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "railsim"

// Collector Prometheus 指標收集器
type Collector struct {
	ticks     prometheus.Counter
	conflicts prometheus.Counter
	holds     prometheus.Counter
	decisions *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	commands  *prometheus.CounterVec
	dropped   prometheus.Counter

	tickDuration  prometheus.Histogram
	solveDuration *prometheus.HistogramVec

	trains *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設註冊表
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Total number of simulation ticks executed",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Total number of contested segments detected",
		}),
		holds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_total",
			Help:      "Total train-ticks lost to contention",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Precedence decisions by optimizer mode",
		}, []string{"mode"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_fallbacks_total",
			Help:      "Decisions that fell back to priority order",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "External commands by kind and result",
		}, []string{"kind", "result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Messages dropped because a subscriber queue was full",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one simulation tick",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		solveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "optimizer_solve_seconds",
			Help:      "Wall-clock duration of optimizer solves",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"mode"}),
		trains: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trains",
			Help:      "Current number of trains by status",
		}, []string{"status"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.ticks, c.conflicts, c.holds, c.decisions, c.fallbacks, c.commands, c.dropped,
		c.tickDuration, c.solveDuration, c.trains,
	)
	return c
}

// RecordTick 記錄一個 tick 的耗時
func (c *Collector) RecordTick(d time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}

// RecordConflicts 記錄本 tick 的衝突與扣留數
func (c *Collector) RecordConflicts(conflicts, holds int) {
	c.conflicts.Add(float64(conflicts))
	c.holds.Add(float64(holds))
}

// RecordSolve 記錄一次最佳化求解
func (c *Collector) RecordSolve(mode string, d time.Duration) {
	c.decisions.WithLabelValues(mode).Inc()
	c.solveDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordFallback 記錄退回優先權順序
func (c *Collector) RecordFallback(reason string) {
	c.fallbacks.WithLabelValues(reason).Inc()
}

// RecordCommand 記錄外部指令結果
func (c *Collector) RecordCommand(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	c.commands.WithLabelValues(kind, result).Inc()
}

// RecordDropped 記錄廣播丟棄的訊息數
func (c *Collector) RecordDropped(n int) {
	c.dropped.Add(float64(n))
}

// UpdateTrainStats 以登錄表統計更新列車狀態 gauge
func (c *Collector) UpdateTrainStats(stats map[string]int) {
	for status, n := range stats {
		if status == "total" {
			continue
		}
		c.trains.WithLabelValues(status).Set(float64(n))
	}
}

// NewServer 建立 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源；nil 時使用預設註冊表
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
