package patterns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilores/qualityplane/pkg/models"
)

func TestIndexIfQualifying_DedupesByRunID(t *testing.T) {
	idx := New(nil, "")

	m := models.QualityMetric{RunID: "run-1", Model: "gpt-4o", Spectrum: "general", QualityScore: 0.97}
	added, err := idx.IndexIfQualifying(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = idx.IndexIfQualifying(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestIndexIfQualifying_BelowThresholdSkipped(t *testing.T) {
	idx := New(nil, "")
	added, err := idx.IndexIfQualifying(context.Background(), models.QualityMetric{RunID: "run-2", QualityScore: 0.80})
	require.NoError(t, err)
	assert.False(t, added)
}

func TestSearch_RanksByWeightedSimilarity(t *testing.T) {
	// The 0.3/0.4/0.3 weighting means a spectrum mismatch caps similarity at
	// 0.6, below defaultSimilarityMin: only same-model, same-spectrum
	// exemplars can clear the search threshold, so ranking is exercised by
	// varying quality closeness to the query instead.
	idx := New(nil, "")
	ctx := context.Background()

	_, err := idx.IndexIfQualifying(ctx, models.QualityMetric{RunID: "a", Model: "gpt-4o", Spectrum: "credit_analysis", QualityScore: 0.95})
	require.NoError(t, err)
	_, err = idx.IndexIfQualifying(ctx, models.QualityMetric{RunID: "b", Model: "gpt-4o", Spectrum: "credit_analysis", QualityScore: 0.96})
	require.NoError(t, err)
	_, err = idx.IndexIfQualifying(ctx, models.QualityMetric{RunID: "c", Model: "gpt-4o", Spectrum: "customer_profile", QualityScore: 0.97})
	require.NoError(t, err)

	query := Context{Model: "gpt-4o", Spectrum: "credit_analysis", QualityScore: 0.92}
	results := idx.Search(query)
	require.Len(t, results, 2)

	// "a" (quality 0.95) sits closer to the query quality (0.92) than "b"
	// (0.96) and so ranks first despite both matching model and spectrum.
	assert.Equal(t, patternID("a"), results[0].PatternID)
	assert.Equal(t, patternID("b"), results[1].PatternID)

	for _, p := range results {
		assert.Equal(t, "credit_analysis", p.Tags["spectrum"])
		assert.GreaterOrEqual(t, similarity(p, query), defaultSimilarityMin)
	}
}
