// Package ingest implements the TraceIngestor (C3): a cancellable polling
// loop that fetches recent traces from the ObservabilityClient and pushes
// them onto a bounded channel with backpressure.
package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/obsclient"
	"github.com/tilores/qualityplane/pkg/telemetry"
)

// Config configures an Ingestor.
type Config struct {
	PollInterval        time.Duration
	BatchSize           int
	BackpressureTimeout time.Duration
}

// Ingestor polls the backend and feeds Out with freshly fetched runs.
type Ingestor struct {
	client  obsclient.BackendAPI
	cfg     Config
	out     chan models.RawRun
	logger  *logrus.Logger
	metrics *telemetry.Metrics

	dropped int64
}

// New constructs an Ingestor whose output channel has the given capacity
// (spec default: 4*BatchSize).
func New(client obsclient.BackendAPI, cfg Config, capacity int, logger *logrus.Logger, metrics *telemetry.Metrics) *Ingestor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = 500 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = cfg.BatchSize * 4
	}

	return &Ingestor{
		client:  client,
		cfg:     cfg,
		out:     make(chan models.RawRun, capacity),
		logger:  logger,
		metrics: metrics,
	}
}

// Out exposes the bounded channel BatchProcessor reads from.
func (i *Ingestor) Out() <-chan models.RawRun {
	return i.out
}

// DroppedCount returns the number of traces dropped due to sustained
// channel overflow.
func (i *Ingestor) DroppedCount() int64 {
	return i.dropped
}

// Run polls until ctx is cancelled, then closes Out after the in-flight
// fetch completes.
func (i *Ingestor) Run(ctx context.Context) {
	defer close(i.out)

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	i.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.poll(ctx)
		}
	}
}

func (i *Ingestor) poll(ctx context.Context) {
	now := time.Now()
	runs, err := i.client.ListRuns(ctx, obsclient.RunFilter{
		Start:           now.Add(-5 * time.Minute),
		End:             now,
		Limit:           i.cfg.BatchSize,
		IncludeFeedback: true,
	})
	if err != nil {
		i.logger.WithError(err).Warn("trace ingestion poll failed, will retry next interval")
		return
	}

	for _, run := range runs {
		i.push(ctx, run)
	}

	if i.metrics != nil {
		i.metrics.TracesIngested.Add(float64(len(runs)))
	}
}

// push enqueues run, blocking up to BackpressureTimeout; on sustained
// overflow it drops the oldest queued item to make room instead of the new
// one, so that newest data always wins.
func (i *Ingestor) push(ctx context.Context, run models.RawRun) {
	select {
	case i.out <- run:
		return
	default:
	}

	timer := time.NewTimer(i.cfg.BackpressureTimeout)
	defer timer.Stop()

	select {
	case i.out <- run:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	select {
	case <-i.out:
		i.dropped++
		if i.metrics != nil {
			i.metrics.TracesDropped.Inc()
		}
	default:
	}

	select {
	case i.out <- run:
	default:
		i.dropped++
		if i.metrics != nil {
			i.metrics.TracesDropped.Inc()
		}
	}
}
