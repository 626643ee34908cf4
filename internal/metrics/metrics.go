package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arb"

// Metrics holds every collector the engine reports through
type Metrics struct {
	CyclesTouched    prometheus.Counter
	TouchedPending   prometheus.Gauge
	Opportunities    prometheus.Counter
	Deferred         prometheus.Counter
	Executions       *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	ScansAbandoned   prometheus.Counter
	Pools            prometheus.Gauge
	Cycles           prometheus.Gauge
	PendingPools     prometheus.Gauge
	PoolsPruned      prometheus.Counter
	RebuildDuration  prometheus.Histogram
	RateDrift        prometheus.Gauge
	PricedTokens     prometheus.Gauge
	Resyncs          *prometheus.CounterVec
	LastBlock        prometheus.Gauge
	EventsApplied    prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	CheckpointWrites prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTouched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_touched_total",
			Help: "Cycles whose aggregate rate changed and were handed to the scanner.",
		}),
		TouchedPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "touched_cycles_pending",
			Help: "Touched cycles waiting for the next scan pass.",
		}),
		Opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "opportunities_total",
			Help: "Opportunities emitted by the scanner.",
		}),
		Deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "opportunities_deferred_total",
			Help: "Candidates deferred because a higher ranked candidate shared a pool.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_total",
			Help: "Execution attempts by outcome.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scan_duration_seconds",
			Help:    "Wall time of a scan pass.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ScansAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_abandoned_total",
			Help: "Scan passes that overran their deadline.",
		}),
		Pools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pools",
			Help: "Pools currently in the graph.",
		}),
		Cycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cycles",
			Help: "Cycles currently indexed.",
		}),
		PendingPools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_pools",
			Help: "Unknown pools waiting for initialisation.",
		}),
		PoolsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pools_pruned_total",
			Help: "Pools removed by the pruner.",
		}),
		RebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rebuild_duration_seconds",
			Help:    "Wall time of a full cycle rebuild.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RateDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_drift",
			Help: "Largest aggregate correction applied by the last rebuild.",
		}),
		PricedTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "priced_tokens",
			Help: "Tokens with a reference price after the last valuation.",
		}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resyncs_total",
			Help: "Feed resynchronisations by mode.",
		}, []string{"mode"}),
		LastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_block",
			Help: "Latest block seen by the feed.",
		}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_applied_total",
			Help: "Reserve changes applied to the graph.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Errors by type.",
		}, []string{"type"}),
		CheckpointWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_writes_total",
			Help: "Pool reserve rows written by checkpoints.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CyclesTouched, m.TouchedPending, m.Opportunities, m.Deferred, m.Executions,
			m.ScanDuration, m.ScansAbandoned, m.Pools, m.Cycles, m.PendingPools,
			m.PoolsPruned, m.RebuildDuration, m.RateDrift, m.PricedTokens, m.Resyncs,
			m.LastBlock, m.EventsApplied, m.ErrorsTotal, m.CheckpointWrites,
		)
	}
	return m
}
