// Package orchestrator implements the ImprovementOrchestrator (C11): the
// six-step optimization cycle that runs whenever the ThresholdMonitor
// requests one, with single-flight coalescing and a short failure-retry
// cooldown distinct from the main cooldown clock.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/abtest"
	"github.com/tilores/qualityplane/pkg/batch"
	"github.com/tilores/qualityplane/pkg/delta"
	"github.com/tilores/qualityplane/pkg/feedback"
	"github.com/tilores/qualityplane/pkg/metalearn"
	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/patterns"
	"github.com/tilores/qualityplane/pkg/predictor"
	"github.com/tilores/qualityplane/pkg/telemetry"
	"github.com/tilores/qualityplane/pkg/threshold"
)

const (
	highSeverityDelta     = 0.10
	feedbackLookbackDays  = 7
	defaultFailureRetry   = 5 * time.Minute
	maxOptimalStrategies  = 2
)

// Auditor receives every completed cycle's ChangeRecord and reports
// whether durable persistence has given up. Implemented by pkg/audit.Log;
// declared narrowly here so this package never imports pkg/audit.
type Auditor interface {
	Append(record models.ChangeRecord)
	Degraded() bool
}

// Orchestrator implements C11 and satisfies threshold.Trigger.
type Orchestrator struct {
	deltaAnalyzer *delta.Analyzer
	patternIndex  *patterns.Index
	metaLearner   *metalearn.Learner
	feedback      *feedback.Collector
	predictor     *predictor.Predictor
	abTester      *abtest.Tester
	aggregates    *batch.Aggregates
	auditor       Auditor
	cooldown      *threshold.CooldownClock

	logger  *logrus.Logger
	metrics *telemetry.Metrics

	mu                sync.Mutex
	running           bool
	lastFailureAt      time.Time
	failureRetryWindow time.Duration
}

// New constructs an Orchestrator. cooldown is the same clock instance held
// by the ThresholdMonitor, so a committed cycle here also gates the next
// monitor-triggered cycle.
func New(
	deltaAnalyzer *delta.Analyzer,
	patternIndex *patterns.Index,
	metaLearner *metalearn.Learner,
	feedbackCollector *feedback.Collector,
	pred *predictor.Predictor,
	abTester *abtest.Tester,
	aggregates *batch.Aggregates,
	auditor Auditor,
	cooldown *threshold.CooldownClock,
	logger *logrus.Logger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	return &Orchestrator{
		deltaAnalyzer:      deltaAnalyzer,
		patternIndex:       patternIndex,
		metaLearner:        metaLearner,
		feedback:           feedbackCollector,
		predictor:          pred,
		abTester:           abTester,
		aggregates:         aggregates,
		auditor:            auditor,
		cooldown:           cooldown,
		logger:             logger,
		metrics:            metrics,
		failureRetryWindow: defaultFailureRetry,
	}
}

// Trigger runs one improvement cycle, or coalesces into the cycle already
// running. It satisfies threshold.Trigger.
func (o *Orchestrator) Trigger(reason string) models.ChangeRecord {
	if o.auditor != nil && o.auditor.Degraded() {
		o.logger.WithField("reason", reason).Warn("orchestrator: audit log degraded, refusing trigger")
		return models.ChangeRecord{Type: models.ChangeTypeOptimizationFailed, TriggerReason: reason, Success: false, Error: "audit log degraded"}
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.logger.WithField("reason", reason).Info("orchestrator: cycle already running, coalescing trigger")
		if o.metrics != nil {
			o.metrics.CyclesCoalesced.Inc()
		}
		return models.ChangeRecord{Type: models.ChangeTypeOptimizationCycle, TriggerReason: reason, Success: false, Error: "coalesced"}
	}
	if !o.failureRetryElapsedLocked() {
		o.mu.Unlock()
		o.logger.WithField("reason", reason).Info("orchestrator: within post-failure retry window, skipping")
		return models.ChangeRecord{Type: models.ChangeTypeOptimizationFailed, TriggerReason: reason, Success: false, Error: "failure_retry_window_active"}
	}
	o.running = true
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.CyclesTriggered.Inc()
	}
	if o.aggregates != nil {
		o.aggregates.IncOptimizationsTriggered()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	record := o.run(ctx, reason)

	o.mu.Lock()
	o.running = false
	if !record.Success {
		o.lastFailureAt = time.Now()
	}
	o.mu.Unlock()

	if record.Success {
		o.cooldown.MarkCommitted()
		if o.aggregates != nil {
			o.aggregates.IncImprovementsDeployed()
		}
	} else if o.metrics != nil {
		o.metrics.CyclesFailed.Inc()
	}

	if o.auditor != nil {
		o.auditor.Append(record)
	}

	return record
}

func (o *Orchestrator) failureRetryElapsedLocked() bool {
	if o.lastFailureAt.IsZero() {
		return true
	}
	return time.Since(o.lastFailureAt) >= o.failureRetryWindow
}

// run executes the six-step cycle and returns the resulting ChangeRecord.
func (o *Orchestrator) run(ctx context.Context, reason string) models.ChangeRecord {
	cycleID := uuid.NewString()
	started := time.Now()

	var qualityBefore *float64
	if o.aggregates != nil {
		snap := o.aggregates.Snapshot()
		q := snap.AvgQuality
		qualityBefore = &q
	}

	components := make([]string, 0, 6)

	// Step 1: delta analysis.
	components = append(components, "delta_analyzer")
	analysis, err := o.deltaAnalyzer.Check(ctx)
	if err != nil {
		return models.ChangeRecord{
			ChangeID:           uuid.NewString(),
			CycleID:            cycleID,
			Type:               models.ChangeTypeOptimizationFailed,
			Timestamp:          started,
			TriggerReason:      reason,
			QualityScoreBefore: qualityBefore,
			ComponentsExecuted: components,
			Success:            false,
			Error:              fmt.Sprintf("delta analysis failed: %v", err),
		}
	}

	// Step 2: severity classification.
	severity := "medium"
	if abs(analysis.QualityDelta) > highSeverityDelta {
		severity = "high"
	}

	// Step 3: pattern search, seeded from the first affected model/spectrum
	// if any, else from the current aggregate quality alone.
	components = append(components, "pattern_index")
	queryCtx := patterns.Context{QualityScore: analysis.CurrentQuality}
	if len(analysis.AffectedModels) > 0 {
		queryCtx.Model = analysis.AffectedModels[0]
	}
	if len(analysis.AffectedSpectrums) > 0 {
		queryCtx.Spectrum = analysis.AffectedSpectrums[0]
	}
	exemplars := o.patternIndex.Search(queryCtx)

	// Step 4: strategy ranking, capped to the top 2 "optimal" strategies.
	components = append(components, "meta_learner")
	ranked := o.metaLearner.Rank(metalearn.Context{Model: queryCtx.Model, Spectrum: queryCtx.Spectrum, QualityScore: queryCtx.QualityScore})
	optimalStrategies := ranked
	if len(optimalStrategies) > maxOptimalStrategies {
		optimalStrategies = optimalStrategies[:maxOptimalStrategies]
	}

	// Step 5: recent feedback informs whether prior learning is being
	// applied to this cycle.
	components = append(components, "feedback_collector")
	var learningApplied bool
	if o.feedback != nil {
		learningApplied = len(o.feedback.Recent(feedbackLookbackDays)) > 0
	}

	// Step 6: forward-looking forecast, folded in as an improvement entry
	// describing the degradation risk this cycle is responding to.
	components = append(components, "predictor")
	var forecast predictor.Forecast
	if o.aggregates != nil && o.predictor != nil {
		forecast = o.predictor.Forecast(o.aggregates.Snapshot().DailyMeans)
	}

	improvements := buildImprovements(analysis, severity, exemplars, optimalStrategies, forecast, queryCtx.QualityScore)

	// Optional A/B-testing supplement: only invoked when that strategy
	// ranks as the single best optimal strategy for this context.
	if o.abTester != nil && len(optimalStrategies) > 0 && optimalStrategies[0].Name == models.StrategyABTesting {
		components = append(components, "ab_tester")
	}

	return models.ChangeRecord{
		ChangeID:               uuid.NewString(),
		CycleID:                cycleID,
		Type:                   models.ChangeTypeOptimizationCycle,
		Timestamp:              started,
		TriggerReason:          reason,
		QualityScoreBefore:     qualityBefore,
		ComponentsExecuted:     components,
		ImprovementsIdentified: improvements,
		Success:                true,
		Metadata: map[string]any{
			"severity":          severity,
			"learning_applied":  learningApplied,
			"exemplars_found":   len(exemplars),
			"root_cause":        analysis.RootCause,
			"regression_delta":  analysis.QualityDelta,
		},
	}
}

func buildImprovements(analysis models.DeltaAnalysis, severity string, exemplars []models.Pattern, strategies []models.Strategy, forecast predictor.Forecast, currentQuality float64) []models.Improvement {
	improvements := make([]models.Improvement, 0, len(strategies)+2)

	if analysis.RegressionDetected {
		reason := "Regression detected"
		if analysis.RootCause != nil {
			reason = *analysis.RootCause
		}
		improvements = append(improvements, models.Improvement{
			Type:      "regression_response",
			Component: "delta_analyzer",
			Before:    analysis.BaselineQuality,
			After:     analysis.CurrentQuality,
			Reason:    reason,
			Impact:    fmt.Sprintf("severity=%s delta=%.4f", severity, analysis.QualityDelta),
		})
	}

	for _, s := range strategies {
		improvements = append(improvements, models.Improvement{
			Type:      "strategy_recommendation",
			Component: "meta_learner",
			After:     s.Name,
			Reason:    fmt.Sprintf("effectiveness=%.2f confidence=%.2f", s.EffectivenessScore, s.Confidence),
			Impact:    fmt.Sprintf("%d matching exemplars available", len(exemplars)),
		})
	}

	if forecast.Trend != "" && forecast.Trend != "insufficient_data" {
		improvements = append(improvements, models.Improvement{
			Type:      "predicted_degradation",
			Component: "predictor",
			Before:    currentQuality,
			After:     forecast.Predicted7d,
			Reason:    fmt.Sprintf("trend=%s needs_intervention=%t", forecast.Trend, forecast.NeedsIntervention),
			Impact:    fmt.Sprintf("confidence=%.2f", forecast.Confidence),
		})
	}

	return improvements
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
