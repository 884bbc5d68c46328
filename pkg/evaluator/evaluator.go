// Package evaluator implements the QualityEvaluator (C2): a pure,
// deterministic conversion of a RawRun into a QualityMetric.
package evaluator

import (
	"strings"
	"time"

	"github.com/tilores/qualityplane/pkg/models"
)

// feedbackWeights are the default weighted-mean coefficients applied to
// named feedback scores; any key not listed here falls back to
// unknownWeight.
var feedbackWeights = map[string]float64{
	"quality":     0.4,
	"accuracy":    0.3,
	"helpfulness": 0.2,
	"relevance":   0.1,
}

const unknownWeight = 0.1

// defaultQualityScore is returned when a run is successful but carries no
// feedback, no explicit quality, and no usable latency — "benefit of the
// doubt".
const defaultQualityScore = 0.85

// Evaluator converts RawRuns into QualityMetrics.
type Evaluator struct{}

// New constructs an Evaluator. It carries no state: every method is a pure
// function of its arguments.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate computes the full QualityMetric for a RawRun.
func (e *Evaluator) Evaluate(run models.RawRun) models.QualityMetric {
	score := e.QualityScore(run)
	spectrum := e.InferSpectrum(run)
	model, provider := e.InferModelProvider(run)

	latencyMs := run.EndTime.Sub(run.StartTime).Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	return models.QualityMetric{
		RunID:        run.ID,
		SessionName:  run.SessionName,
		Model:        model,
		Provider:     provider,
		QualityScore: score,
		LatencyMs:    latencyMs,
		TokenCount:   run.TotalTokens,
		Timestamp:    run.EndTime,
		Spectrum:     spectrum,
	}
}

// QualityScore implements the five-step priority algorithm.
func (e *Evaluator) QualityScore(run models.RawRun) float64 {
	if strings.EqualFold(run.Status, string(models.TraceStatusError)) {
		return 0.0
	}

	if scores := feedbackScoresOf(run); len(scores) > 0 {
		return weightedFeedbackMean(scores)
	}

	if eq, ok := explicitQualityOf(run); ok {
		return clamp01(eq)
	}

	if strings.EqualFold(run.Status, string(models.TraceStatusSuccess)) {
		latency := run.EndTime.Sub(run.StartTime)
		return latencyHeuristic(latency)
	}

	return defaultQualityScore
}

func latencyHeuristic(latency time.Duration) float64 {
	switch {
	case latency < 2*time.Second:
		return 0.95
	case latency < 5*time.Second:
		return 0.85
	default:
		return 0.75
	}
}

func feedbackScoresOf(run models.RawRun) map[string]float64 {
	out := map[string]float64{}
	for k, v := range run.FeedbackStats {
		if f, ok := toFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

func explicitQualityOf(run models.RawRun) (float64, bool) {
	if run.Outputs == nil {
		return 0, false
	}
	v, ok := run.Outputs["quality_score"]
	if !ok {
		v, ok = run.Outputs["score"]
	}
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func weightedFeedbackMean(scores map[string]float64) float64 {
	var weightedSum, totalWeight float64
	for key, score := range scores {
		w, ok := feedbackWeights[key]
		if !ok {
			w = unknownWeight
		}
		weightedSum += score * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return defaultQualityScore
	}
	return clamp01(weightedSum / totalWeight)
}

// InferSpectrum derives the workload spectrum from extra_metadata.spectrum,
// falling back to a case-insensitive scan of the session name.
func (e *Evaluator) InferSpectrum(run models.RawRun) string {
	if run.Extra != nil {
		if v, ok := run.Extra["spectrum"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}

	name := strings.ToLower(run.SessionName)
	switch {
	case strings.Contains(name, "credit"):
		return "credit_analysis"
	case strings.Contains(name, "customer"):
		return "customer_profile"
	case strings.Contains(name, "transaction"):
		return "transaction_history"
	default:
		return "general"
	}
}

// InferModelProvider extracts the model name from invocation params and
// derives the provider from its prefix.
func (e *Evaluator) InferModelProvider(run models.RawRun) (model, provider string) {
	model = "unknown"
	if run.Extra != nil {
		if params, ok := run.Extra["invocation_params"].(map[string]any); ok {
			if m, ok := params["model"].(string); ok && m != "" {
				model = m
			}
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt") || strings.Contains(lower, "openai"):
		provider = "openai"
	case strings.Contains(lower, "claude"):
		provider = "anthropic"
	case strings.Contains(lower, "llama") || strings.Contains(lower, "groq"):
		provider = "groq"
	case strings.Contains(lower, "gemini"):
		provider = "google"
	default:
		provider = "unknown"
	}
	return model, provider
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
