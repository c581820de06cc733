// Package metrics exposes Prometheus counters for the trading core.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signalTrader/internal/domain"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals processed by outcome"},
		[]string{"status"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_submitted_total", Help: "Orders acknowledged by the exchange"},
		[]string{"instrument"},
	)
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "events_total", Help: "Structured events emitted by the core"},
		[]string{"kind", "severity"},
	)
	ReconcileDiscrepancies = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "reconcile_discrepancies_total", Help: "Local state corrections applied by reconciliation"},
	)
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "reconcile_duration_seconds", Help: "Duration of reconciliation passes", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	prometheus.MustRegister(SignalsTotal, OrdersTotal, EventsTotal, ReconcileDiscrepancies, ReconcileDuration)
}

// Serve starts the /metrics endpoint in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// ObserveSignal counts one signal outcome.
func ObserveSignal(status string) {
	SignalsTotal.WithLabelValues(status).Inc()
}

// ObserveReconcile records one reconciliation pass.
func ObserveReconcile(discrepancies int, took time.Duration) {
	ReconcileDiscrepancies.Add(float64(discrepancies))
	ReconcileDuration.Observe(took.Seconds())
}

// Notifier counts events. It never fails.
type Notifier struct{}

// Notify implements ports.Notifier.
func (Notifier) Notify(_ context.Context, event domain.Event) error {
	EventsTotal.WithLabelValues(string(event.Kind), string(event.Severity)).Inc()
	if event.Kind == domain.EventOrderSubmitted && event.Instrument != "" {
		OrdersTotal.WithLabelValues(event.Instrument).Inc()
	}
	return nil
}
