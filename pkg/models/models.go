// Package models defines the closed-shape records shared across the
// control plane: traces in from the observability backend, derived quality
// metrics, alerts, analyses, patterns, strategies, and the audit trail's
// change records. Any free-form payload is confined to a `Metadata` field
// and never introspected by core logic.
package models

import "time"

// TraceStatus is the outcome of a single inference invocation.
type TraceStatus string

const (
	TraceStatusSuccess TraceStatus = "success"
	TraceStatusError   TraceStatus = "error"
	TraceStatusUnknown TraceStatus = "unknown"
)

// Trace is the ephemeral, one-pass record fetched from the observability
// backend. It lives only for the duration of one pipeline traversal.
type Trace struct {
	ID                string
	StartTime         time.Time
	EndTime           time.Time
	SessionName       string
	Model             string
	Provider          string
	Status            TraceStatus
	Error             string
	PromptTokens      int
	CompletionTokens  int
	TotalTokens       int
	FeedbackScores    map[string]float64
	ExplicitQuality   *float64
	ExtraMetadata     map[string]any
}

// Latency returns the wall-clock duration of the traced invocation.
func (t Trace) Latency() time.Duration {
	if t.EndTime.Before(t.StartTime) {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

// QualityMetric is derived from a Trace by the QualityEvaluator.
type QualityMetric struct {
	RunID        string
	SessionName  string
	Model        string
	Provider     string
	QualityScore float64
	LatencyMs    int64
	TokenCount   int
	Cost         float64
	Timestamp    time.Time
	Spectrum     string
}

// AlertLevel is one of the five quality tiers.
type AlertLevel string

const (
	AlertLevelMinimal  AlertLevel = "minimal"
	AlertLevelLow      AlertLevel = "low"
	AlertLevelMedium   AlertLevel = "medium"
	AlertLevelHigh     AlertLevel = "high"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is emitted by the ThresholdMonitor whenever current quality crosses
// a configured tier boundary.
type Alert struct {
	Level            AlertLevel
	ThresholdCrossed float64
	Observed         float64
	Message          string
	EmittedAt        time.Time
	Metadata         map[string]any
}

// DeltaAnalysis is the output of a baseline-vs-current regression check.
type DeltaAnalysis struct {
	AnalysisID         string
	BaselineQuality    float64
	CurrentQuality     float64
	QualityDelta       float64
	RegressionDetected bool
	Confidence         float64
	AffectedModels     []string
	AffectedSpectrums  []string
	RootCause          *string
	BaselineWindow     TimeRange
	CurrentWindow      TimeRange
}

// TimeRange is an inclusive-exclusive [Start, End) window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Pattern is a retained high-quality exemplar available for similarity
// search.
type Pattern struct {
	PatternID    string
	Inputs       map[string]any
	Outputs      map[string]any
	QualityScore float64
	Tags         map[string]string
	IndexedAt    time.Time
}

// StrategyName enumerates the optimization strategies the MetaLearner can
// rank.
type StrategyName string

const (
	StrategyDeltaAnalysis        StrategyName = "delta_analysis"
	StrategyABTesting            StrategyName = "ab_testing"
	StrategyPatternReinforcement StrategyName = "pattern_reinforcement"
	StrategyMetaLearning         StrategyName = "meta_learning"
	StrategyAdversarialTesting   StrategyName = "adversarial_testing"
	StrategyMultiObjective       StrategyName = "multi_objective"
)

// Strategy captures a ranked, scored optimization approach for a given
// context.
type Strategy struct {
	Name               StrategyName
	Context            map[string]any
	EffectivenessScore float64
	SampleSize         int
	Confidence         float64
}

// ChangeRecordType enumerates the kinds of events the AuditLog records.
type ChangeRecordType string

const (
	ChangeTypeOptimizationCycle  ChangeRecordType = "optimization_cycle"
	ChangeTypeOptimizationFailed ChangeRecordType = "optimization_failure"
	ChangeTypeRollbackExecution  ChangeRecordType = "rollback_execution"
	ChangeTypeManualTrigger      ChangeRecordType = "manual_trigger"
	ChangeTypeHistoryCleared     ChangeRecordType = "history_cleared"
)

// Improvement is one entry in a ChangeRecord's improvements_identified list.
type Improvement struct {
	Type      string `json:"type"`
	Component string `json:"component"`
	Before    any    `json:"before,omitempty"`
	After     any    `json:"after,omitempty"`
	Reason    string `json:"reason"`
	Impact    string `json:"impact"`
}

// ChangeRecord is the core unit of the audit trail: every improvement
// cycle, failure, rollback, and manual trigger produces exactly one.
type ChangeRecord struct {
	ChangeID               string           `json:"change_id"`
	CycleID                string           `json:"cycle_id"`
	Type                   ChangeRecordType `json:"type"`
	Timestamp              time.Time        `json:"timestamp"`
	TriggerReason          string           `json:"trigger_reason"`
	QualityScoreBefore     *float64         `json:"quality_score_before,omitempty"`
	ComponentsExecuted     []string         `json:"components_executed,omitempty"`
	ImprovementsIdentified []Improvement    `json:"improvements_identified,omitempty"`
	Success                bool             `json:"success"`
	Error                  string           `json:"error,omitempty"`
	Metadata               map[string]any   `json:"metadata,omitempty"`
}

// RawRun is the wire shape returned by the observability backend before the
// QualityEvaluator normalizes it into a Trace/QualityMetric pair. Keeping it
// distinct isolates JSON decoding surprises (DataShape errors) at the
// ingestion boundary instead of letting them leak into core logic.
type RawRun struct {
	ID               string         `json:"id"`
	SessionName      string         `json:"session_name"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time"`
	Status           string         `json:"status"`
	Error            string         `json:"error,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	FeedbackStats    map[string]any `json:"feedback_stats,omitempty"`
	PromptTokens     int            `json:"prompt_tokens,omitempty"`
	CompletionTokens int            `json:"completion_tokens,omitempty"`
	TotalTokens      int            `json:"total_tokens,omitempty"`
}

// WorkspaceStats mirrors the backend's workspace statistics response.
type WorkspaceStats struct {
	TenantID          string  `json:"tenant_id"`
	DatasetCount      int     `json:"dataset_count"`
	TracerSessionCount int    `json:"tracer_session_count"`
	RunCount          int64   `json:"run_count"`
	Fallback          bool    `json:"-"`
}

// RunStats mirrors the backend's aggregate run statistics response.
type RunStats struct {
	TotalRuns   int64   `json:"total_runs"`
	AvgLatency  float64 `json:"avg_latency"`
	SuccessRate float64 `json:"success_rate"`
	Fallback    bool    `json:"-"`
}

// DatasetRef identifies a dataset created or discovered in the backend.
type DatasetRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Example is one input/output pair stored in a dataset.
type Example struct {
	ID      string         `json:"id,omitempty"`
	Inputs  map[string]any `json:"inputs"`
	Outputs map[string]any `json:"outputs"`
}

// FeedbackRef identifies a feedback record created against a run.
type FeedbackRef struct {
	ID    string  `json:"id"`
	RunID string  `json:"run_id"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// ExportStatus reports the progress of a bulk export job.
type ExportStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Progress float64 `json:"progress"`
}

// RollbackResult is returned by AuditLog.Rollback.
type RollbackResult struct {
	Success               bool           `json:"success"`
	RolledBackTo          string         `json:"rolled_back_to,omitempty"`
	ConfigurationsChanged int            `json:"configurations_changed"`
	Details               []Improvement  `json:"details,omitempty"`
	Message               string         `json:"message,omitempty"`
	Error                 string         `json:"error,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
}

// AuditSummary is the digest returned by AuditLog.Summary.
type AuditSummary struct {
	Total                int       `json:"total_changes_tracked"`
	OptimizationCycles   int       `json:"optimization_cycles_completed"`
	FailedOptimizations  int       `json:"failed_optimizations"`
	SuccessRate          float64   `json:"success_rate"`
	LastChange           time.Time `json:"last_change"`
	CurrentQuality       float64   `json:"current_quality"`
}

// SummaryRef points at the most recent successful optimization cycle
// without carrying its full body — used for status/history display. A
// SummaryRef is never accepted as a rollback target directly; Rollback
// always re-fetches the full ChangeRecord by CycleID first.
type SummaryRef struct {
	CycleID      string    `json:"cycle_id"`
	Timestamp    time.Time `json:"timestamp"`
	QualityScore float64   `json:"quality_score"`
	Improvements int       `json:"improvements"`
	Components   []string  `json:"components"`
}
