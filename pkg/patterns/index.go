// Package patterns implements the PatternIndex (C7): retention of
// high-quality exemplars and deterministic nearest-neighbor search over
// their tags.
package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/obsclient"
)

const (
	// defaultIndexThreshold is the minimum quality_score for a trace to
	// become a candidate exemplar.
	defaultIndexThreshold = 0.95
	defaultTopK           = 5
	defaultSimilarityMin  = 0.85
)

// Index implements C7. Patterns are mirrored into a backend dataset (so the
// exemplars are inspectable/exportable through the observability backend)
// and kept locally for deterministic similarity search.
type Index struct {
	client    obsclient.BackendAPI
	datasetID string

	indexThreshold float64
	topK           int
	similarityMin  float64

	mu       sync.RWMutex
	byID     map[string]models.Pattern
	seenRuns map[string]struct{}
}

// New constructs an Index. datasetID should already exist (or be created
// via EnsureDataset) before IndexIfQualifying is called.
func New(client obsclient.BackendAPI, datasetID string) *Index {
	return &Index{
		client:         client,
		datasetID:      datasetID,
		indexThreshold: defaultIndexThreshold,
		topK:           defaultTopK,
		similarityMin:  defaultSimilarityMin,
		byID:           make(map[string]models.Pattern),
		seenRuns:       make(map[string]struct{}),
	}
}

// EnsureDataset creates the backing dataset on first use and stores its id.
func (idx *Index) EnsureDataset(ctx context.Context, name, description string) error {
	ref, err := idx.client.CreateDataset(ctx, name, description)
	if err != nil {
		return err
	}
	idx.datasetID = ref.ID
	return nil
}

// patternID derives a stable, dedupe-friendly identifier from a run id.
func patternID(runID string) string {
	sum := sha256.Sum256([]byte(runID))
	return hex.EncodeToString(sum[:])[:16]
}

// IndexIfQualifying adds metric as a pattern exemplar when its quality
// score meets the indexing threshold, deduping by the source run id.
func (idx *Index) IndexIfQualifying(ctx context.Context, metric models.QualityMetric) (bool, error) {
	if metric.QualityScore < idx.indexThreshold {
		return false, nil
	}

	idx.mu.Lock()
	if _, exists := idx.seenRuns[metric.RunID]; exists {
		idx.mu.Unlock()
		return false, nil
	}
	idx.seenRuns[metric.RunID] = struct{}{}
	idx.mu.Unlock()

	id := patternID(metric.RunID)
	pattern := models.Pattern{
		PatternID:    id,
		Inputs:       map[string]any{"run_id": metric.RunID, "session_name": metric.SessionName},
		Outputs:      map[string]any{"quality_score": metric.QualityScore},
		QualityScore: metric.QualityScore,
		Tags: map[string]string{
			"model":    metric.Model,
			"spectrum": metric.Spectrum,
		},
		IndexedAt: time.Now(),
	}

	idx.mu.Lock()
	idx.byID[id] = pattern
	idx.mu.Unlock()

	if idx.client != nil && idx.datasetID != "" {
		_, err := idx.client.AddExamples(ctx, idx.datasetID, []models.Example{
			{ID: id, Inputs: pattern.Inputs, Outputs: pattern.Outputs},
		})
		if err != nil {
			return true, err
		}
	}

	return true, nil
}

// Context is the query shape MetaLearner/Orchestrator pass in when
// searching for similar exemplars.
type Context struct {
	Model        string
	Spectrum     string
	QualityScore float64
}

// scored pairs a pattern with its similarity to the query context.
type scored struct {
	pattern    models.Pattern
	similarity float64
}

// Search returns up to top_k patterns with similarity >= the configured
// minimum, ranked deterministically (ties broken by pattern_id) so equal
// inputs always produce equal outputs.
func (idx *Index) Search(queryCtx Context) []models.Pattern {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var candidates []scored
	for _, p := range idx.byID {
		sim := similarity(p, queryCtx)
		if sim >= idx.similarityMin {
			candidates = append(candidates, scored{pattern: p, similarity: sim})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		return candidates[i].pattern.PatternID < candidates[j].pattern.PatternID
	})

	k := idx.topK
	if k > len(candidates) {
		k = len(candidates)
	}

	out := make([]models.Pattern, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, candidates[i].pattern)
	}
	return out
}

// similarity implements the +0.3 model / +0.4 spectrum / +(1-|Δq|)*0.3
// weighted match, normalized by the 3 factors it sums.
func similarity(p models.Pattern, q Context) float64 {
	var score float64
	if p.Tags["model"] != "" && p.Tags["model"] == q.Model {
		score += 0.3
	}
	if p.Tags["spectrum"] != "" && p.Tags["spectrum"] == q.Spectrum {
		score += 0.4
	}
	delta := p.QualityScore - q.QualityScore
	if delta < 0 {
		delta = -delta
	}
	score += (1 - delta) * 0.3
	return score
}
