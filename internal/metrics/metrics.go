// Package metrics exposes the admission engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_scans_total",
			Help: "Scan attempts by verdict",
		},
		[]string{"verdict"},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_scan_duration_seconds",
			Help:    "Time spent deciding one scan, lock included",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	guardFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_guard_failures_total",
			Help: "Anti-sharing failures registered by reason",
		},
		[]string{"reason"},
	)

	lockAcquire = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_lock_acquire_total",
			Help: "Ticket lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	dispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_dispatch_total",
			Help: "Inbound bus messages by topic and result",
		},
		[]string{"topic", "result"},
	)
)

// Scan records the verdict and latency of one scan.
func Scan(verdict string, took time.Duration) {
	scanVerdicts.WithLabelValues(verdict).Inc()
	scanDuration.Observe(took.Seconds())
}

// GuardFailure counts a registered anti-sharing failure.
func GuardFailure(reason string) { guardFailures.WithLabelValues(reason).Inc() }

// LockAcquire counts a lock attempt: acquired, held or error.
func LockAcquire(result string) { lockAcquire.WithLabelValues(result).Inc() }

// Dispatch counts an inbound message: handled, failed or unrouted.
func Dispatch(topic, result string) { dispatched.WithLabelValues(topic, result).Inc() }
