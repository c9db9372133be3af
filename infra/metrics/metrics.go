// Package metrics registers the matching service collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matchcore"

// Outcome labels for EventsTotal.
const (
	OutcomeApplied    = "applied"
	OutcomeDuplicate  = "duplicate"
	OutcomeMalformed  = "malformed"
	OutcomeSkipped    = "skipped"
	OutcomeUnknown    = "unknown_pair"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	TradesTotal       *prometheus.CounterVec
	ApplyDuration     *prometheus.HistogramVec
	SnapshotDuration  *prometheus.HistogramVec
	SnapshotFailures  *prometheus.CounterVec
	Sequence          *prometheus.GaugeVec
	RestingOrders     *prometheus.GaugeVec
	BestPrice         *prometheus.GaugeVec
	OutboxBacklog     prometheus.Gauge
	BroadcastFailures prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Consumed order events by pair and outcome.",
		}, []string{"pair", "outcome"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades executed.",
		}, []string{"pair"}),
		ApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time to apply one event, publish and commit included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"pair"}),
		SnapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to serialize and store one pair snapshot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pair"}),
		SnapshotFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Snapshot writes that failed.",
		}, []string{"pair"}),
		Sequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence",
			Help:      "Last sequence number assigned per pair.",
		}, []string{"pair"}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resting_orders",
			Help:      "Orders resting in the book at the last snapshot.",
		}, []string{"pair"}),
		BestPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_price",
			Help:      "Top of book at the last snapshot; absent sides are not reported.",
		}, []string{"pair", "side"}),
		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_backlog",
			Help:      "Outbound events waiting for delivery.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Failed attempts to deliver an outbound event.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.TradesTotal,
		m.ApplyDuration,
		m.SnapshotDuration,
		m.SnapshotFailures,
		m.Sequence,
		m.RestingOrders,
		m.BestPrice,
		m.OutboxBacklog,
		m.BroadcastFailures,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server")
	}
}
