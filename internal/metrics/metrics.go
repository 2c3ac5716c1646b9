// Package metrics exposes Prometheus instruments for the chain core:
// RPC attempts and retries, endpoint failovers, client cache churn,
// transaction status transitions, and receipt tracker outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instrument set. Components share one instance;
// tests create isolated instances against fresh registries.
type Metrics struct {
	rpcAttempts    *prometheus.CounterVec
	rpcRetries     prometheus.Counter
	rpcLatency     prometheus.Histogram
	failovers      *prometheus.CounterVec
	clientCache    *prometheus.CounterVec
	txTransitions  *prometheus.CounterVec
	trackerResults *prometheus.CounterVec
}

// Default is the process-wide instance, registered against the default
// Prometheus registerer.
//
//nolint:gochecknoglobals // Intentional global for metrics access
var Default = New(prometheus.DefaultRegisterer)

// New creates a metrics set registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "RPC attempts by chain and outcome.",
		}, []string{"chain", "outcome"}),
		rpcRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "RPC attempts that were retried after a failure.",
		}),
		rpcLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keel",
			Subsystem: "rpc",
			Name:      "request_seconds",
			Help:      "Latency of individual RPC transport calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "router",
			Name:      "failovers_total",
			Help:      "Endpoint failovers by chain.",
		}, []string{"chain"}),
		clientCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "rpc",
			Name:      "client_cache_total",
			Help:      "RPC client cache lookups by result.",
		}, []string{"result"}),
		txTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "tx",
			Name:      "status_transitions_total",
			Help:      "Transaction status transitions by new status.",
		}, []string{"status"}),
		trackerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "tracker",
			Name:      "resolutions_total",
			Help:      "Receipt tracker resolutions by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.rpcAttempts,
			m.rpcRetries,
			m.rpcLatency,
			m.failovers,
			m.clientCache,
			m.txTransitions,
			m.trackerResults,
		)
	}
	return m
}

// RecordOutcome records one RPC attempt outcome for a chain.
func (m *Metrics) RecordOutcome(chain string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.rpcAttempts.WithLabelValues(chain, outcome).Inc()
}

// RecordRetry records a retried RPC attempt.
func (m *Metrics) RecordRetry() {
	m.rpcRetries.Inc()
}

// RecordLatency records the duration of a transport call.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.rpcLatency.Observe(d.Seconds())
}

// RecordFailover records an endpoint failover for a chain.
func (m *Metrics) RecordFailover(chain string) {
	m.failovers.WithLabelValues(chain).Inc()
}

// RecordClientCache records a client cache hit or miss.
func (m *Metrics) RecordClientCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.clientCache.WithLabelValues(result).Inc()
}

// RecordStatusTransition records a transaction entering a status.
func (m *Metrics) RecordStatusTransition(status string) {
	m.txTransitions.WithLabelValues(status).Inc()
}

// Attempts returns the attempts counter for a chain/outcome pair.
func (m *Metrics) Attempts(chain, outcome string) prometheus.Counter {
	return m.rpcAttempts.WithLabelValues(chain, outcome)
}

// RecordTrackerResolution records a receipt tracker outcome.
func (m *Metrics) RecordTrackerResolution(outcome string) {
	m.trackerResults.WithLabelValues(outcome).Inc()
}
