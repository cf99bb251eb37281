// Package metrics records ledger operations as Prometheus series.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dgt/seed-ledger/ledger"
)

// Recorder implements ledger.Observer.
//
//	seed_ledger_processing_total{op,outcome}
//	seed_ledger_reservations_total{op,outcome}
//	seed_ledger_lots_total{op,outcome}
//	seed_ledger_operation_seconds{op}
//
// outcome is "ok" or the error kind of a rejected operation.
type Recorder struct {
	registry     *prometheus.Registry
	processing   *prometheus.CounterVec
	reservations *prometheus.CounterVec
	lots         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// New registers the ledger collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		processing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seed_ledger",
			Name:      "processing_total",
			Help:      "Processing record operations by outcome.",
		}, []string{"op", "outcome"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seed_ledger",
			Name:      "reservations_total",
			Help:      "Reservation operations by outcome.",
		}, []string{"op", "outcome"}),
		lots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seed_ledger",
			Name:      "lots_total",
			Help:      "Lot ledger operations by outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seed_ledger",
			Name:      "operation_seconds",
			Help:      "Duration of ledger operations, including the transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),
	}
	r.registry.MustRegister(r.processing, r.reservations, r.lots, r.duration)
	return r
}

// Observe implements ledger.Observer.
func (r *Recorder) Observe(op string, kind ledger.ErrorKind, elapsed time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	switch {
	case strings.HasPrefix(op, "processing."):
		r.processing.WithLabelValues(op, outcome).Inc()
	case strings.HasPrefix(op, "reservation."):
		r.reservations.WithLabelValues(op, outcome).Inc()
	default:
		r.lots.WithLabelValues(op, outcome).Inc()
	}
	r.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry, e.g. to add runtime collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
