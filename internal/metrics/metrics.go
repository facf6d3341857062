// ============================================================================
// Claim Queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露領取引擎運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - claimqueue_claims_submitted_total: 新建立的領取單元
//      - claimqueue_claims_deduplicated_total: 重複提交併入既有單元
//      - claimqueue_units_dispatched_total: 分派給 Worker 的次數（含重試）
//      - claimqueue_claims_accepted_total: 接受數
//      - claimqueue_claims_rejected_total{reason}: 依原因的拒絕數
//      - claimqueue_units_retried_total: 基礎設施錯誤後的重試
//
//   2. 延遲 (Histogram):
//      - claimqueue_claim_latency_seconds: 提交到結果的時間
//
//   3. 狀態 (Gauge):
//      - claimqueue_units{status}: waiting / active / completed / failed
//      - claimqueue_recovery_time_seconds: 最近一次恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘接受數
//   rate(claimqueue_claims_accepted_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, rate(claimqueue_claim_latency_seconds_bucket[5m]))
//
//   # 容量耗盡比例
//   rate(claimqueue_claims_rejected_total{reason="capacity_exhausted"}[5m])
//
// 所有方法對 nil *Collector 安全，未啟用監控時 engine 直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claimqueue"

// Collector Prometheus 指標收集器
type Collector struct {
	submitted    prometheus.Counter
	deduplicated prometheus.Counter
	dispatched   prometheus.Counter
	accepted     prometheus.Counter
	rejected     *prometheus.CounterVec
	retried      prometheus.Counter

	latency      prometheus.Histogram
	recoveryTime prometheus.Gauge
	units        *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用預設 registry）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_submitted_total",
			Help:      "Total number of claim units created",
		}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_deduplicated_total",
			Help:      "Total number of submissions merged into an existing unit",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_dispatched_total",
			Help:      "Total number of unit dispatches, retries included",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_accepted_total",
			Help:      "Total number of accepted claims",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_rejected_total",
			Help:      "Total number of rejected claims by reason",
		}, []string{"reason"}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_retried_total",
			Help:      "Total number of retries after infrastructure errors",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_latency_seconds",
			Help:      "Time from submission to terminal outcome",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last snapshot + journal recovery",
		}),
		units: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units",
			Help:      "Current number of units by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.submitted, c.deduplicated, c.dispatched, c.accepted, c.rejected,
		c.retried, c.latency, c.recoveryTime, c.units,
	)
	return c
}

// RecordSubmit 記錄提交；created=false 代表併入既有單元
func (c *Collector) RecordSubmit(created bool) {
	if c == nil {
		return
	}
	if created {
		c.submitted.Inc()
	} else {
		c.deduplicated.Inc()
	}
}

// RecordDispatch 記錄分派
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.dispatched.Inc()
}

// RecordRetry 記錄重試
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retried.Inc()
}

// RecordOutcome 記錄最終結果與延遲
func (c *Collector) RecordOutcome(accepted bool, reason string, latencySeconds float64) {
	if c == nil {
		return
	}
	if accepted {
		c.accepted.Inc()
	} else {
		c.rejected.WithLabelValues(reason).Inc()
	}
	c.latency.Observe(latencySeconds)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新各狀態單元數
func (c *Collector) UpdateQueueStats(waiting, active, completed, failed int) {
	if c == nil {
		return
	}
	c.units.WithLabelValues("waiting").Set(float64(waiting))
	c.units.WithLabelValues("active").Set(float64(active))
	c.units.WithLabelValues("completed").Set(float64(completed))
	c.units.WithLabelValues("failed").Set(float64(failed))
}

// Handler 以 g 暴露 /metrics（nil 時使用預設 gatherer）
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
