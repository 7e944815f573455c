package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconcile results.
const (
	ResultMatched = "matched"
	ResultReplay  = "replay"
	ResultRaced   = "raced"
	ResultNoMatch = "no_match"
	ResultError   = "error"
)

type Metrics struct {
	OrdersCreated       *prometheus.CounterVec
	OrdersSettled       *prometheus.CounterVec
	ReconcileCandidates *prometheus.CounterVec
	PollErrors          *prometheus.CounterVec
	PollDuration        *prometheus.HistogramVec
	OracleErrors        *prometheus.CounterVec
	ActiveMonitors      *prometheus.GaugeVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_orders_created_total",
			Help: "Orders created in pending status.",
		}, []string{"asset"}),
		OrdersSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_orders_settled_total",
			Help: "Orders moved to a terminal status.",
		}, []string{"asset", "status"}),
		ReconcileCandidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_reconcile_candidates_total",
			Help: "Receipt candidates evaluated by the reconciler, by outcome.",
		}, []string{"asset", "result"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_poll_errors_total",
			Help: "Failed chain explorer poll cycles.",
		}, []string{"asset"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_poll_duration_seconds",
			Help:    "Duration of a poll cycle including reconciliation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"asset"}),
		OracleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_oracle_errors_total",
			Help: "Price oracle failures.",
		}, []string{"asset"}),
		ActiveMonitors: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settlement_active_monitors",
			Help: "Addresses currently being polled.",
		}, []string{"asset"}),
	}
}

// Nop returns metrics registered on a private registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
