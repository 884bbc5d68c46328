// Package feedback implements the FeedbackCollector (C8): ingestion of user
// corrections and derivation of reinforcement patterns for the MetaLearner.
package feedback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tilores/qualityplane/pkg/obsclient"
)

// Record is one piece of collected user feedback.
type Record struct {
	RunID      string
	Score      float64
	Correction string
	Metadata   map[string]any
	Type       string
	ReceivedAt time.Time

	SuccessIndicators []string
	FailureIndicators []string
}

// Collector implements C8.
type Collector struct {
	client obsclient.BackendAPI

	mu      sync.RWMutex
	records []Record
}

// New constructs a Collector.
func New(client obsclient.BackendAPI) *Collector {
	return &Collector{client: client}
}

// Collect records one piece of feedback, derives its indicators, and
// forwards it to the observability backend if a client is configured.
func (c *Collector) Collect(ctx context.Context, runID, feedbackType string, score float64, correction string, metadata map[string]any) (Record, error) {
	rec := Record{
		RunID:             runID,
		Score:             score,
		Correction:        correction,
		Metadata:          metadata,
		Type:              feedbackType,
		ReceivedAt:        time.Now(),
		SuccessIndicators: successIndicators(score, correction, feedbackType),
		FailureIndicators: failureIndicators(score, correction),
	}

	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()

	if c.client != nil {
		if _, err := c.client.CreateFeedback(ctx, runID, feedbackType, score, "", correction); err != nil {
			return rec, err
		}
	}

	return rec, nil
}

// successIndicators implements: score>=0.8 -> high_quality_response;
// correction present -> user_provided_correction; feedback_type_<key>.
func successIndicators(score float64, correction, feedbackType string) []string {
	var out []string
	if score >= 0.8 {
		out = append(out, "high_quality_response")
	}
	if strings.TrimSpace(correction) != "" {
		out = append(out, "user_provided_correction")
	}
	if feedbackType != "" {
		out = append(out, "feedback_type_"+feedbackType)
	}
	return out
}

// failureIndicators implements: score<0.5 -> low_quality_response;
// "error" in correction text (case-insensitive) -> error_in_response.
func failureIndicators(score float64, correction string) []string {
	var out []string
	if score < 0.5 {
		out = append(out, "low_quality_response")
	}
	if strings.Contains(strings.ToLower(correction), "error") {
		out = append(out, "error_in_response")
	}
	return out
}

// Recent returns feedback records received within the last `days` days.
func (c *Collector) Recent(days int) []Record {
	cutoff := time.Now().AddDate(0, 0, -days)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, r := range c.records {
		if r.ReceivedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}
