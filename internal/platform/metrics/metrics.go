// Package metrics exposes ledger operation counters and latencies to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/giftcert-ledger/ledger"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
	OutcomeCorrupt  = "corrupt"
	OutcomeError    = "error"
)

// Recorder owns its registry so tests and multiple servers in one process
// do not collide on the global one.
type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftcert",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{"operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "giftcert",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Time spent in ledger operations, including storage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	r.registry.MustRegister(r.operations, r.durations, collectors.NewGoCollector())
	return r
}

// Observe records one operation that started at start and ended with err.
func (r *Recorder) Observe(operation string, start time.Time, err error) {
	r.operations.WithLabelValues(operation, Outcome(err)).Inc()
	r.durations.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Outcome classifies an operation error into a label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case ledger.IsFatal(err):
		return OutcomeCorrupt
	case ledger.IsNotFound(err):
		return OutcomeNotFound
	case ledger.IsClientError(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
