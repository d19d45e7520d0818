// Package metrics holds the prometheus collectors for the client core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cookbook"

// Mutation outcomes.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeRolledBack = "rolled_back"
	OutcomeTimeout    = "timeout"
)

// Fetch results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

type Metrics struct {
	MutationsStarted  *prometheus.CounterVec
	MutationsSettled  *prometheus.CounterVec
	MutationConflicts *prometheus.CounterVec
	MutationDuration  *prometheus.HistogramVec
	LateSettlements   *prometheus.CounterVec
	Invalidations     *prometheus.CounterVec
	Fetches           *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg gets a private registry so
// several clients in one process never collide on registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		MutationsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_started_total",
			Help:      "Mutations that entered the Applying state, by kind",
		}, []string{"kind"}),
		MutationsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_settled_total",
			Help:      "Mutations that settled, by kind and outcome",
		}, []string{"kind", "outcome"}),
		MutationConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_conflicts_total",
			Help:      "Mutations rejected because the same key was in flight",
		}, []string{"kind"}),
		MutationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Time from optimistic apply to settlement",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		LateSettlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_late_settlements_total",
			Help:      "Requests that completed after their mutation timed out",
		}, []string{"kind", "result"}),
		Invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_invalidations_total",
			Help:      "Store keys marked stale after a mutation settled",
		}, []string{"kind"}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Read requests issued to refresh store keys",
		}, []string{"resource", "result"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of read requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
	}
}

// ObserveSettlement records a settled mutation.
func (m *Metrics) ObserveSettlement(kind, outcome string, elapsed time.Duration) {
	m.MutationsSettled.WithLabelValues(kind, outcome).Inc()
	m.MutationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveFetch records a read request.
func (m *Metrics) ObserveFetch(resource string, err error, elapsed time.Duration) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Fetches.WithLabelValues(resource, result).Inc()
	m.FetchDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}
