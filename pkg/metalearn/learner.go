// Package metalearn implements the MetaLearner (C9): ranking of
// optimization strategies by historical effectiveness in matching
// contexts.
package metalearn

import (
	"sort"
	"sync"

	"github.com/tilores/qualityplane/pkg/models"
)

const (
	similarityMin  = 0.5
	topKStrategies = 3
)

// Context describes the situation strategies are ranked against.
type Context struct {
	Model        string
	Spectrum     string
	QualityScore float64
}

// observation is one recorded (context, strategy, effectiveness) sample.
type observation struct {
	context Context
	name    models.StrategyName
	score   float64
}

// Learner implements C9.
type Learner struct {
	mu           sync.RWMutex
	observations []observation
}

// New constructs an empty Learner.
func New() *Learner {
	return &Learner{}
}

// Record stores one historical (context, strategy, effectiveness)
// observation used by future Rank calls.
func (l *Learner) Record(ctx Context, name models.StrategyName, effectiveness float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observations = append(l.observations, observation{context: ctx, name: name, score: effectiveness})
}

// Rank returns the top 3 strategies for ctx, ranked by
// effectiveness_score * similarity, restricted to observations with
// similarity >= 0.5.
func (l *Learner) Rank(ctx Context) []models.Strategy {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type ranked struct {
		strategy models.Strategy
		rankKey  float64
	}

	bestByName := map[models.StrategyName]ranked{}

	for _, obs := range l.observations {
		sim := similarity(obs.context, ctx)
		if sim < similarityMin {
			continue
		}
		rankKey := obs.score * sim
		if existing, ok := bestByName[obs.name]; !ok || rankKey > existing.rankKey {
			bestByName[obs.name] = ranked{
				strategy: models.Strategy{
					Name:               obs.name,
					EffectivenessScore: obs.score,
					SampleSize:         1,
					Confidence:         sim,
				},
				rankKey: rankKey,
			}
		}
	}

	out := make([]ranked, 0, len(bestByName))
	for _, r := range bestByName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rankKey != out[j].rankKey {
			return out[i].rankKey > out[j].rankKey
		}
		return out[i].strategy.Name < out[j].strategy.Name
	})

	k := topKStrategies
	if k > len(out) {
		k = len(out)
	}
	strategies := make([]models.Strategy, 0, k)
	for i := 0; i < k; i++ {
		strategies = append(strategies, out[i].strategy)
	}
	return strategies
}

// similarity implements: 0.3 model match + 0.4 spectrum match +
// 0.3*(1-|Δquality|).
func similarity(a, b Context) float64 {
	var score float64
	if a.Model != "" && a.Model == b.Model {
		score += 0.3
	}
	if a.Spectrum != "" && a.Spectrum == b.Spectrum {
		score += 0.4
	}
	delta := a.QualityScore - b.QualityScore
	if delta < 0 {
		delta = -delta
	}
	score += 0.3 * (1 - delta)
	return score
}
