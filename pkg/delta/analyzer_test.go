package delta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilores/qualityplane/pkg/evaluator"
	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/obsclient"
)

type windowedBackend struct {
	obsclient.BackendAPI
	baseline []models.RawRun
	current  []models.RawRun
}

func (w *windowedBackend) ListRuns(ctx context.Context, f obsclient.RunFilter) ([]models.RawRun, error) {
	// Baseline window ends 1 day ago; current window starts 1 day ago.
	if f.End.Before(time.Now().AddDate(0, 0, -comparisonCutoffDay).Add(time.Hour)) {
		return w.baseline, nil
	}
	return w.current, nil
}

func successRun(model string, quality float64) models.RawRun {
	now := time.Now()
	return models.RawRun{
		Status:    "success",
		StartTime: now,
		EndTime:   now,
		Outputs:   map[string]any{"quality_score": quality},
		Extra:     map[string]any{"invocation_params": map[string]any{"model": model}},
	}
}

func TestAnalyzer_DetectsRegression(t *testing.T) {
	backend := &windowedBackend{}
	for i := 0; i < 50; i++ {
		backend.baseline = append(backend.baseline, successRun("gpt-4o", 0.93))
		backend.current = append(backend.current, successRun("gpt-4o", 0.80))
	}

	a := New(backend, evaluator.New())
	result, err := a.Check(context.Background())
	require.NoError(t, err)

	assert.True(t, result.RegressionDetected)
	assert.InDelta(t, -0.13, result.QualityDelta, 1e-6)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestAnalyzer_InsufficientDataOnEmptyWindow(t *testing.T) {
	backend := &windowedBackend{}
	a := New(backend, evaluator.New())

	result, err := a.Check(context.Background())
	require.NoError(t, err)

	assert.False(t, result.RegressionDetected)
	assert.Equal(t, 0.0, result.Confidence)
	require.NotNil(t, result.RootCause)
	assert.Equal(t, "insufficient_data", *result.RootCause)
}
