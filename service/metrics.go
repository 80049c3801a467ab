package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 引擎和发送闸门的计数器
type Metrics struct {
	Decisions    *prometheus.CounterVec // result: allow | 拒绝原因
	Outcomes     *prometheus.CounterVec // outcome
	Polls        *prometheus.CounterVec // result: ok | error | stale
	FeedEvents   *prometheus.CounterVec // table, result
	Applies      *prometheus.CounterVec // source, result
	ColdLoads    *prometheus.CounterVec // result: fresh | stale | missing | timeout
	Rollbacks    prometheus.Counter
	ActiveEdges  prometheus.Gauge
	PollDuration prometheus.Histogram
}

// NewMetrics 在 reg 上注册；reg 为 nil 时使用独立的注册表（测试）
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prout",
			Subsystem: "dispatch",
			Name:      "decisions_total",
			Help:      "CanSend decisions by result.",
		}, []string{"result"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prout",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Gateway outcomes recorded by the dispatch controller.",
		}, []string{"outcome"}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prout",
			Subsystem: "sync",
			Name:      "polls_total",
			Help:      "Full reconciliation polls by result.",
		}, []string{"result"}),
		FeedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prout",
			Subsystem: "sync",
			Name:      "feed_events_total",
			Help:      "Realtime change events by table and apply result.",
		}, []string{"table", "result"}),
		Applies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prout",
			Subsystem: "sync",
			Name:      "applies_total",
			Help:      "Store mutations by source and result.",
		}, []string{"source", "result"}),
		ColdLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prout",
			Subsystem: "sync",
			Name:      "cold_loads_total",
			Help:      "Cold loads by snapshot result.",
		}, []string{"result"}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "prout",
			Subsystem: "sync",
			Name:      "rollbacks_total",
			Help:      "Optimistic writes restored after a failed remote call.",
		}),
		ActiveEdges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "prout",
			Subsystem: "sync",
			Name:      "owner_edges",
			Help:      "Visible outbound edges of the signed-in owner.",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "prout",
			Subsystem: "sync",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a full reconciliation poll.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
