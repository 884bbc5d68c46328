// Package batch implements the BatchProcessor (C4): it drains the trace
// channel in bounded batches, evaluates each trace, folds the result into
// rolling aggregates, and forwards the new rolling state to the
// ThresholdMonitor.
package batch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/evaluator"
	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/telemetry"
)

// ThresholdEvaluator is the narrow slice of ThresholdMonitor the
// BatchProcessor depends on.
type ThresholdEvaluator interface {
	Evaluate(currentQuality float64, perModel, perProvider map[string]float64, metadata map[string]any)
}

// Processor implements C4.
type Processor struct {
	in         <-chan models.RawRun
	evaluator  *evaluator.Evaluator
	aggregates *Aggregates
	monitor    ThresholdEvaluator
	batchSize  int
	logger     *logrus.Logger
	metrics    *telemetry.Metrics
}

// New constructs a Processor reading from in.
func New(in <-chan models.RawRun, eval *evaluator.Evaluator, aggregates *Aggregates, monitor ThresholdEvaluator, batchSize int, logger *logrus.Logger, metrics *telemetry.Metrics) *Processor {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Processor{
		in:         in,
		evaluator:  eval,
		aggregates: aggregates,
		monitor:    monitor,
		batchSize:  batchSize,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run consumes batches until in is closed or ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		batch, ok := p.nextBatch(ctx)
		if len(batch) > 0 {
			p.process(batch)
		}
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// nextBatch blocks for the first item, then drains up to batchSize-1
// additional items non-blockingly. The second return value is false once
// the input channel has been closed and drained.
func (p *Processor) nextBatch(ctx context.Context) ([]models.RawRun, bool) {
	batch := make([]models.RawRun, 0, p.batchSize)

	select {
	case run, ok := <-p.in:
		if !ok {
			return batch, false
		}
		batch = append(batch, run)
	case <-ctx.Done():
		return batch, false
	}

	for len(batch) < p.batchSize {
		select {
		case run, ok := <-p.in:
			if !ok {
				return batch, false
			}
			batch = append(batch, run)
		default:
			return batch, true
		}
	}
	return batch, true
}

func (p *Processor) process(batch []models.RawRun) {
	for _, run := range batch {
		metric := p.evaluator.Evaluate(run)
		ts := metric.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		p.aggregates.Record(metric.Model, metric.Provider, metric.QualityScore, ts)
	}

	p.aggregates.IncQualityChecks()
	if p.metrics != nil {
		p.metrics.BatchesProcessed.Inc()
	}

	snap := p.aggregates.Snapshot()
	if p.metrics != nil {
		p.metrics.CurrentQuality.Set(snap.AvgQuality)
	}

	p.monitor.Evaluate(snap.AvgQuality, snap.PerModel, snap.PerProvider, map[string]any{
		"traces_processed": snap.TracesProcessed,
		"batch_size":       len(batch),
	})
}
