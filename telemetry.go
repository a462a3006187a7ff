package pulsez

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	namespace = "pulsez"

	// tracerName is the instrumentation scope of the engine's spans.
	tracerName = "github.com/zoobzio/pulsez"
)

// Worker names used in logs, metric labels and span names.
const (
	workerDispatcher = "dispatcher"
	workerAggregator = "aggregator"
	workerAlerts     = "alerts"
	workerForecaster = "forecaster"
)

// telemetry bundles the engine's Prometheus collectors and tracer.
type telemetry struct {
	ingested      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	activeWindows prometheus.Gauge
	batchSize     prometheus.Histogram
	alertsFired   *prometheus.CounterVec
	evalFailures  *prometheus.CounterVec
	publishFailed *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	panics        *prometheus.CounterVec

	tracer trace.Tracer
}

func newTelemetry(reg prometheus.Registerer) *telemetry {
	factory := promauto.With(reg)
	return &telemetry{
		ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Raw events submitted to Ingest by outcome.",
		}, []string{"result"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded after intake by reason.",
		}, []string{"reason"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the intake queue.",
		}),
		activeWindows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_windows",
			Help:      "Tenants with an active stream window.",
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Events per dispatched micro-batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		alertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alerts emitted by rule and severity.",
		}, []string{"rule", "severity"}),
		evalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_failures_total",
			Help:      "Rule evaluations that failed and were skipped.",
		}, []string{"rule"}),
		publishFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Messages the sink failed to accept by message type.",
		}, []string{"type"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one worker cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		panics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Panics recovered inside worker cycles.",
		}, []string{"worker"}),
		tracer: otel.Tracer(tracerName),
	}
}

func (t *telemetry) observeCycle(worker string, started, finished time.Time) {
	t.cycleDuration.WithLabelValues(worker).Observe(finished.Sub(started).Seconds())
}
