// Package fixtures generates realistic synthetic data for tests across the
// control plane, so table-driven tests exercise the evaluator's branches
// with varied inputs instead of a handful of hand-picked values.
package fixtures

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-faker/faker/v4"

	"github.com/tilores/qualityplane/pkg/models"
)

var candidateModels = []string{"gpt-4o", "gpt-4o-mini", "claude-3-opus", "claude-3-haiku", "llama-3-70b", "gemini-1.5-pro"}
var candidateSpectrumHints = []string{"credit review session", "customer profile lookup", "transaction history audit", "general assistant chat"}

// RawRun returns a randomized, internally-consistent RawRun suitable for
// QualityEvaluator fixtures: a random model/session pairing, a plausible
// latency, and an explicit quality score in [0,1].
func RawRun() models.RawRun {
	start := gofakeit.DateRange(time.Now().AddDate(0, 0, -30), time.Now())
	latency := time.Duration(gofakeit.Number(100, 6000)) * time.Millisecond

	return models.RawRun{
		ID:          gofakeit.UUID(),
		SessionName: gofakeit.RandomString(candidateSpectrumHints),
		Status:      "success",
		StartTime:   start,
		EndTime:     start.Add(latency),
		Extra: map[string]any{
			"invocation_params": map[string]any{
				"model": gofakeit.RandomString(candidateModels),
			},
		},
		Outputs: map[string]any{
			"quality_score": gofakeit.Float64Range(0, 1),
		},
	}
}

// FeedbackPayload is populated via struct-tag-driven fake data generation
// for FeedbackCollector fixtures.
type FeedbackPayload struct {
	RunID      string  `faker:"uuid_hyphenated"`
	Comment    string  `faker:"sentence"`
	Score      float64 `faker:"amount"`
	ReporterID string  `faker:"username"`
}

// Feedback returns a randomized FeedbackPayload.
func Feedback() (FeedbackPayload, error) {
	var payload FeedbackPayload
	if err := faker.FakeData(&payload); err != nil {
		return FeedbackPayload{}, err
	}
	return payload, nil
}
