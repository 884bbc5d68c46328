// Package delta implements the DeltaAnalyzer (C6): baseline-vs-current
// regression detection with root-cause attribution.
package delta

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tilores/qualityplane/pkg/evaluator"
	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/obsclient"
)

const (
	baselineWindowDays  = 8
	comparisonCutoffDay = 1
	regressionThreshold = 0.05
)

// Analyzer implements C6.
type Analyzer struct {
	client    obsclient.BackendAPI
	evaluator *evaluator.Evaluator
}

// New constructs an Analyzer.
func New(client obsclient.BackendAPI, eval *evaluator.Evaluator) *Analyzer {
	return &Analyzer{client: client, evaluator: eval}
}

// Check runs the full baseline-vs-current procedure and returns the
// resulting DeltaAnalysis.
func (a *Analyzer) Check(ctx context.Context) (models.DeltaAnalysis, error) {
	now := time.Now()
	baselineWindow := models.TimeRange{Start: now.AddDate(0, 0, -baselineWindowDays), End: now.AddDate(0, 0, -comparisonCutoffDay)}
	currentWindow := models.TimeRange{Start: now.AddDate(0, 0, -comparisonCutoffDay), End: now}

	baseline, err := a.fetchMetrics(ctx, baselineWindow)
	if err != nil {
		return models.DeltaAnalysis{}, fmt.Errorf("delta analyzer: fetch baseline window: %w", err)
	}
	current, err := a.fetchMetrics(ctx, currentWindow)
	if err != nil {
		return models.DeltaAnalysis{}, fmt.Errorf("delta analyzer: fetch current window: %w", err)
	}

	if len(baseline) == 0 || len(current) == 0 {
		rootCause := "insufficient_data"
		return models.DeltaAnalysis{
			AnalysisID:         uuid.NewString(),
			RegressionDetected: false,
			Confidence:         0.0,
			RootCause:          &rootCause,
			BaselineWindow:     baselineWindow,
			CurrentWindow:      currentWindow,
		}, nil
	}

	baselineMean := mean(baseline)
	currentMean := mean(current)
	delta := currentMean - baselineMean
	regressionDetected := delta < -regressionThreshold

	affectedModels := affectedKeys(baseline, current, func(m models.QualityMetric) string { return m.Model })
	affectedSpectrums := affectedKeys(baseline, current, func(m models.QualityMetric) string { return m.Spectrum })

	rootCause := rootCauseOf(affectedModels, affectedSpectrums)

	confidence := (clampRatio(len(baseline)) + clampRatio(len(current))) / 2

	return models.DeltaAnalysis{
		AnalysisID:         uuid.NewString(),
		BaselineQuality:    baselineMean,
		CurrentQuality:     currentMean,
		QualityDelta:       delta,
		RegressionDetected: regressionDetected,
		Confidence:         confidence,
		AffectedModels:     affectedModels,
		AffectedSpectrums:  affectedSpectrums,
		RootCause:          rootCause,
		BaselineWindow:     baselineWindow,
		CurrentWindow:      currentWindow,
	}, nil
}

func (a *Analyzer) fetchMetrics(ctx context.Context, window models.TimeRange) ([]models.QualityMetric, error) {
	runs, err := a.client.ListRuns(ctx, obsclient.RunFilter{
		Start:           window.Start,
		End:             window.End,
		IncludeFeedback: true,
	})
	if err != nil {
		return nil, err
	}

	metrics := make([]models.QualityMetric, 0, len(runs))
	for _, run := range runs {
		metrics = append(metrics, a.evaluator.Evaluate(run))
	}
	return metrics, nil
}

func mean(metrics []models.QualityMetric) float64 {
	if len(metrics) == 0 {
		return 0
	}
	var sum float64
	for _, m := range metrics {
		sum += m.QualityScore
	}
	return sum / float64(len(metrics))
}

// affectedKeys groups both windows by the key extractor and returns the
// sorted set of keys whose mean quality moved by more than
// regressionThreshold between windows.
func affectedKeys(baseline, current []models.QualityMetric, key func(models.QualityMetric) string) []string {
	baselineByKey := groupMean(baseline, key)
	currentByKey := groupMean(current, key)

	seen := map[string]struct{}{}
	for k := range baselineByKey {
		seen[k] = struct{}{}
	}
	for k := range currentByKey {
		seen[k] = struct{}{}
	}

	var affected []string
	for k := range seen {
		b := baselineByKey[k]
		c := currentByKey[k]
		if abs(c-b) > regressionThreshold {
			affected = append(affected, k)
		}
	}
	sort.Strings(affected)
	return affected
}

func groupMean(metrics []models.QualityMetric, key func(models.QualityMetric) string) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, m := range metrics {
		k := key(m)
		if k == "" {
			continue
		}
		sums[k] += m.QualityScore
		counts[k]++
	}
	means := make(map[string]float64, len(sums))
	for k, s := range sums {
		means[k] = s / float64(counts[k])
	}
	return means
}

func rootCauseOf(affectedModels, affectedSpectrums []string) *string {
	switch {
	case len(affectedModels) == 0 && len(affectedSpectrums) == 0:
		return nil
	case len(affectedModels) > len(affectedSpectrums):
		s := fmt.Sprintf("Model-specific issue affecting %s", strings.Join(affectedModels, ", "))
		return &s
	case len(affectedSpectrums) > len(affectedModels):
		s := fmt.Sprintf("Spectrum-specific issue affecting %s", strings.Join(affectedSpectrums, ", "))
		return &s
	default:
		s := "System-wide performance degradation"
		return &s
	}
}

func clampRatio(n int) float64 {
	r := float64(n) / 10.0
	if r > 1 {
		return 1
	}
	return r
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
