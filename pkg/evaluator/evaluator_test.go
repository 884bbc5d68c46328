package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tilores/qualityplane/internal/fixtures"
	"github.com/tilores/qualityplane/pkg/models"
)

func TestQualityScore_RandomizedRunsStayInUnitRange(t *testing.T) {
	e := New()
	for i := 0; i < 25; i++ {
		run := fixtures.RawRun()
		score := e.QualityScore(run)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)

		model, provider := e.InferModelProvider(run)
		assert.NotEmpty(t, model)
		assert.NotEmpty(t, provider)
	}
}

func TestQualityScore_ErrorIsAlwaysZero(t *testing.T) {
	e := New()
	run := models.RawRun{Status: "error", FeedbackStats: map[string]any{"quality": 0.99}}
	assert.Equal(t, 0.0, e.QualityScore(run))
}

func TestQualityScore_WeightedFeedbackMean(t *testing.T) {
	e := New()
	run := models.RawRun{
		Status: "success",
		FeedbackStats: map[string]any{
			"quality":     1.0,
			"accuracy":    1.0,
			"helpfulness": 0.0,
			"relevance":   0.0,
		},
	}
	// weighted = 0.4*1 + 0.3*1 + 0.2*0 + 0.1*0 = 0.7, total weight = 1.0
	assert.InDelta(t, 0.7, e.QualityScore(run), 1e-9)
}

func TestQualityScore_UnknownFeedbackKeyGetsMinorWeight(t *testing.T) {
	e := New()
	run := models.RawRun{
		Status:        "success",
		FeedbackStats: map[string]any{"novelty": 1.0},
	}
	assert.InDelta(t, 1.0, e.QualityScore(run), 1e-9)
}

func TestQualityScore_ExplicitQualityFallback(t *testing.T) {
	e := New()
	run := models.RawRun{
		Status:  "success",
		Outputs: map[string]any{"quality_score": 0.42},
	}
	assert.InDelta(t, 0.42, e.QualityScore(run), 1e-9)
}

func TestQualityScore_LatencyHeuristic(t *testing.T) {
	e := New()
	base := time.Now()

	fast := models.RawRun{Status: "success", StartTime: base, EndTime: base.Add(1 * time.Second)}
	assert.Equal(t, 0.95, e.QualityScore(fast))

	medium := models.RawRun{Status: "success", StartTime: base, EndTime: base.Add(3 * time.Second)}
	assert.Equal(t, 0.85, e.QualityScore(medium))

	slow := models.RawRun{Status: "success", StartTime: base, EndTime: base.Add(10 * time.Second)}
	assert.Equal(t, 0.75, e.QualityScore(slow))
}

func TestQualityScore_DefaultBenefitOfTheDoubt(t *testing.T) {
	e := New()
	run := models.RawRun{Status: "unknown"}
	assert.Equal(t, defaultQualityScore, e.QualityScore(run))
}

func TestInferSpectrum(t *testing.T) {
	e := New()

	assert.Equal(t, "credit_analysis", e.InferSpectrum(models.RawRun{SessionName: "Credit Scoring Flow"}))
	assert.Equal(t, "customer_profile", e.InferSpectrum(models.RawRun{SessionName: "CustomerLookup"}))
	assert.Equal(t, "transaction_history", e.InferSpectrum(models.RawRun{SessionName: "transaction-search"}))
	assert.Equal(t, "general", e.InferSpectrum(models.RawRun{SessionName: "misc"}))

	withMeta := models.RawRun{SessionName: "misc", Extra: map[string]any{"spectrum": "custom_spectrum"}}
	assert.Equal(t, "custom_spectrum", e.InferSpectrum(withMeta))
}

func TestInferModelProvider(t *testing.T) {
	e := New()

	cases := []struct {
		model    string
		provider string
	}{
		{"gpt-4o", "openai"},
		{"claude-3-opus", "anthropic"},
		{"llama-3-70b", "groq"},
		{"gemini-1.5-pro", "google"},
		{"mystery-model", "unknown"},
	}

	for _, tc := range cases {
		run := models.RawRun{Extra: map[string]any{
			"invocation_params": map[string]any{"model": tc.model},
		}}
		model, provider := e.InferModelProvider(run)
		assert.Equal(t, tc.model, model)
		assert.Equal(t, tc.provider, provider)
	}

	model, provider := e.InferModelProvider(models.RawRun{})
	assert.Equal(t, "unknown", model)
	assert.Equal(t, "unknown", provider)
}
