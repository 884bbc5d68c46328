package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the Prometheus collectors shared across components, plus
// an otel histogram for request latency (consumed by dashboards/exporters
// that read from the otel metrics pipeline rather than scraping
// Prometheus directly). A single instance is constructed at startup and
// threaded into every component constructor.
type Metrics struct {
	ObsClientRequests      *prometheus.CounterVec
	ObsClientRateLimited    prometheus.Counter
	TracesIngested          prometheus.Counter
	TracesDropped           prometheus.Counter
	ShapeErrors             prometheus.Counter
	BatchesProcessed        prometheus.Counter
	CurrentQuality          prometheus.Gauge
	AlertsEmitted           *prometheus.CounterVec
	CooldownRemainingSecs   prometheus.Gauge
	CyclesTriggered         prometheus.Counter
	CyclesCoalesced         prometheus.Counter
	CyclesFailed            prometheus.Counter
	AuditLogSize            prometheus.Gauge
	AuditWriteFailures      prometheus.Counter
	ComponentHealthy        *prometheus.GaugeVec
	HealthChecksFailed      prometheus.Counter

	ObsClientRequestDuration metric.Float64Histogram

	registerOnce sync.Once
}

// RecordObsClientDuration records an outbound observability-backend call's
// duration (seconds) against the otel histogram, tagged with its outcome.
// A nil histogram (otel SDK not configured) is a safe no-op.
func (m *Metrics) RecordObsClientDuration(ctx context.Context, seconds float64, outcome string) {
	if m == nil || m.ObsClientRequestDuration == nil {
		return
	}
	m.ObsClientRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// NewMetrics constructs and registers every collector against reg. Passing
// a fresh prometheus.NewRegistry() keeps tests hermetic; passing
// prometheus.DefaultRegisterer wires it into the process default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ObsClientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obs_client_requests_total",
			Help: "Total requests made to the observability backend, by outcome.",
		}, []string{"outcome"}),
		ObsClientRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obs_client_rate_limited_total",
			Help: "Requests delayed by the sliding-window rate limiter.",
		}),
		TracesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traces_ingested_total",
			Help: "Traces fetched from the observability backend.",
		}),
		TracesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trace_dropped_total",
			Help: "Traces dropped due to sustained queue overflow.",
		}),
		ShapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trace_shape_errors_total",
			Help: "Traces skipped due to unexpected JSON shape.",
		}),
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batches_processed_total",
			Help: "Batches drained by the BatchProcessor.",
		}),
		CurrentQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "current_quality_score",
			Help: "Most recently computed rolling average quality score.",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_emitted_total",
			Help: "Alerts emitted by the ThresholdMonitor, by level.",
		}, []string{"level"}),
		CooldownRemainingSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cooldown_remaining_seconds",
			Help: "Seconds remaining before another improvement cycle may trigger.",
		}),
		CyclesTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "improvement_cycles_triggered_total",
			Help: "Improvement cycles started by the orchestrator.",
		}),
		CyclesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "improvement_cycles_coalesced_total",
			Help: "Trigger calls coalesced into an in-progress cycle.",
		}),
		CyclesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "improvement_cycles_failed_total",
			Help: "Improvement cycles that committed an optimization_failure record.",
		}),
		AuditLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_log_in_memory_size",
			Help: "Number of ChangeRecords currently held in the in-memory mirror.",
		}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_log_write_failures_total",
			Help: "Consecutive durable-store write failures observed by the AuditLog.",
		}),
		ComponentHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "component_healthy",
			Help: "1 if the named component passed its most recent health check, else 0.",
		}, []string{"component"}),
		HealthChecksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_checks_failed_total",
			Help: "Health-check passes that found at least one unhealthy component.",
		}),
	}

	collectors := []prometheus.Collector{
		m.ObsClientRequests, m.ObsClientRateLimited, m.TracesIngested,
		m.TracesDropped, m.ShapeErrors, m.BatchesProcessed, m.CurrentQuality,
		m.AlertsEmitted, m.CooldownRemainingSecs, m.CyclesTriggered,
		m.CyclesCoalesced, m.CyclesFailed, m.AuditLogSize, m.AuditWriteFailures,
		m.ComponentHealthy, m.HealthChecksFailed,
	}
	for _, c := range collectors {
		_ = reg.Register(c)
	}

	meter := otel.Meter("qualityplane")
	if hist, err := meter.Float64Histogram(
		"obs_client_request_duration_seconds",
		metric.WithDescription("Observability backend request duration in seconds, by outcome."),
		metric.WithUnit("s"),
	); err == nil {
		m.ObsClientRequestDuration = hist
	}

	return m
}
