// Package metrics exposes the kernel's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance kernel
type Metrics struct {
	// Trust metrics
	TrustScore         *prometheus.GaugeVec
	ScoreRecomputation *prometheus.CounterVec

	// Band metrics
	BandTransitions *prometheus.CounterVec
	CurrentBand     *prometheus.GaugeVec

	// Gate metrics
	GateVerdicts *prometheus.CounterVec
	GateLatency  *prometheus.HistogramVec

	// Breaker metrics
	BreakerState *prometheus.GaugeVec
	AnomalyScore *prometheus.HistogramVec
	ForcedHalts  *prometheus.CounterVec

	// Ledger metrics
	LedgerAppends      *prometheus.CounterVec
	LedgerAppendErrors prometheus.Counter

	// Ceiling metrics
	CeilingClamps    *prometheus.CounterVec
	GamingIndicators *prometheus.CounterVec
}

// New creates and registers all kernel metrics
func New() *Metrics {
	return &Metrics{
		TrustScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_trust_score",
				Help: "Current adjusted trust score per agent (0-100)",
			},
			[]string{"agent_id"},
		),

		ScoreRecomputation: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_score_recomputations_total",
				Help: "Total trust profile recomputations",
			},
			[]string{"agent_id"},
		),

		BandTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_band_transitions_total",
				Help: "Total band transitions by direction",
			},
			[]string{"agent_id", "direction"}, // direction: PROMOTION, DEMOTION
		),

		CurrentBand: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_current_band",
				Help: "Current trust band index per agent (0-5)",
			},
			[]string{"agent_id"},
		),

		GateVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_gate_verdicts_total",
				Help: "Gate verification verdicts by status and risk level",
			},
			[]string{"status", "risk_level"},
		),

		GateLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_gate_latency_seconds",
				Help:    "Gate verification latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"risk_level"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_breaker_state",
				Help: "Circuit breaker state per agent (0=CLOSED 1=DEGRADED 2=OPEN 3=HALF_OPEN)",
			},
			[]string{"agent_id"},
		),

		AnomalyScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_anomaly_score",
				Help:    "Ensemble anomaly score per metrics sample",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"agent_id"},
		),

		ForcedHalts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_forced_halts_total",
				Help: "Manual emergency halts",
			},
			[]string{"agent_id"},
		),

		LedgerAppends: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ledger_appends_total",
				Help: "Proof events appended to the audit chain",
			},
			[]string{"event_type"},
		),

		LedgerAppendErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_ledger_append_errors_total",
				Help: "Failed audit chain appends",
			},
		),

		CeilingClamps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ceiling_clamps_total",
				Help: "Score clamps by binding ceiling source",
			},
			[]string{"source"},
		),

		GamingIndicators: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_gaming_indicators_total",
				Help: "Gaming indicators raised by kind",
			},
			[]string{"agent_id", "kind"},
		),
	}
}
