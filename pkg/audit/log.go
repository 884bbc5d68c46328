// Package audit implements the AuditLog (C12): a durable, append-only
// change history with a bounded in-memory mirror, a summary digest, and a
// rollback procedure that always re-reads the full target record before
// computing its inverse.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/telemetry"
)

const (
	defaultMemSize           = 50
	appendQueueCapacity      = 256
	consecutiveFailureDegrade = 3
)

// Log implements C12. A single background goroutine owns all writes to
// Store; Append only enqueues, so callers (notably the orchestrator, which
// must never block on disk or network I/O mid-cycle) never wait on it.
type Log struct {
	store   Store
	memSize int
	logger  *logrus.Logger
	metrics *telemetry.Metrics

	appendCh chan models.ChangeRecord

	mu                  sync.RWMutex
	mem                 []models.ChangeRecord
	consecutiveFailures int
	degraded            bool
}

// New constructs a Log. Call Run in a goroutine to start the writer.
func New(store Store, memSize int, logger *logrus.Logger, metrics *telemetry.Metrics) *Log {
	if memSize <= 0 {
		memSize = defaultMemSize
	}
	return &Log{
		store:    store,
		memSize:  memSize,
		logger:   logger,
		metrics:  metrics,
		appendCh: make(chan models.ChangeRecord, appendQueueCapacity),
	}
}

// Append enqueues record for durable persistence. It satisfies
// orchestrator.Auditor. If the queue is full (sustained write outage) the
// record is dropped and logged rather than blocking the caller.
func (l *Log) Append(record models.ChangeRecord) {
	if record.ChangeID == "" {
		record.ChangeID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.mem = append(l.mem, record)
	if len(l.mem) > l.memSize {
		l.mem = l.mem[len(l.mem)-l.memSize:]
	}
	l.mu.Unlock()

	select {
	case l.appendCh <- record:
	default:
		l.logger.WithField("change_id", record.ChangeID).Warn("audit log: write queue full, dropping durable persistence for this record")
	}
}

// Run drains the append queue into Store until ctx is cancelled.
func (l *Log) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-l.appendCh:
			l.persist(ctx, record)
		}
	}
}

func (l *Log) persist(ctx context.Context, record models.ChangeRecord) {
	err := l.store.Append(ctx, record)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		l.consecutiveFailures++
		if l.metrics != nil {
			l.metrics.AuditWriteFailures.Inc()
		}
		l.logger.WithError(err).WithField("change_id", record.ChangeID).Error("audit log: durable write failed")
		if l.consecutiveFailures >= consecutiveFailureDegrade && !l.degraded {
			l.degraded = true
			l.logger.Error("audit log: entering degraded mode after repeated durable write failures")
		}
		return
	}

	l.consecutiveFailures = 0
	l.degraded = false
	if l.metrics != nil {
		l.metrics.AuditLogSize.Set(float64(len(l.mem)))
	}
}

// Degraded reports whether the log has given up on durable persistence
// after repeated consecutive failures.
func (l *Log) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// Recent returns up to limit of the most recently appended records, newest
// last, from the bounded in-memory mirror.
func (l *Log) Recent(limit int) []models.ChangeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.mem) {
		limit = len(l.mem)
	}
	out := make([]models.ChangeRecord, limit)
	copy(out, l.mem[len(l.mem)-limit:])
	return out
}

// Summary digests the in-memory mirror into a status-endpoint-friendly
// shape.
func (l *Log) Summary() models.AuditSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	summary := models.AuditSummary{Total: len(l.mem)}
	var successes int
	var lastQuality float64
	for _, r := range l.mem {
		switch r.Type {
		case models.ChangeTypeOptimizationCycle:
			summary.OptimizationCycles++
			if r.Success {
				successes++
			}
		case models.ChangeTypeOptimizationFailed:
			summary.FailedOptimizations++
		}
		if r.Timestamp.After(summary.LastChange) {
			summary.LastChange = r.Timestamp
		}
		if r.QualityScoreBefore != nil {
			lastQuality = *r.QualityScoreBefore
		}
	}
	if summary.OptimizationCycles > 0 {
		summary.SuccessRate = float64(successes) / float64(summary.OptimizationCycles)
	}
	summary.CurrentQuality = lastQuality
	return summary
}

// LastSuccessfulState returns a lightweight reference to the most recent
// successful optimization cycle, or false if none exists yet. It is never
// itself an acceptable Rollback target: Rollback always re-fetches the
// full ChangeRecord by CycleID.
func (l *Log) LastSuccessfulState() (models.SummaryRef, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.mem) - 1; i >= 0; i-- {
		r := l.mem[i]
		if r.Type == models.ChangeTypeOptimizationCycle && r.Success {
			var quality float64
			if r.QualityScoreBefore != nil {
				quality = *r.QualityScoreBefore
			}
			return models.SummaryRef{
				CycleID:      r.CycleID,
				Timestamp:    r.Timestamp,
				QualityScore: quality,
				Improvements: len(r.ImprovementsIdentified),
				Components:   r.ComponentsExecuted,
			}, true
		}
	}
	return models.SummaryRef{}, false
}

// Rollback builds and appends the inverse of the targeted cycle (or, if
// targetCycleID is empty, the most recent successful optimization cycle).
// It always re-reads the full record from Store before computing the
// inverse set; a SummaryRef is never trusted as a stand-in.
func (l *Log) Rollback(ctx context.Context, targetCycleID string) models.RollbackResult {
	records, err := l.store.Load(ctx)
	if err != nil {
		return models.RollbackResult{
			Success:   false,
			Error:     fmt.Sprintf("target_details_unavailable: %v", err),
			Timestamp: time.Now(),
		}
	}

	target, ok := findRollbackTarget(records, targetCycleID)
	if !ok {
		return models.RollbackResult{
			Success:   false,
			Error:     "target_details_unavailable",
			Timestamp: time.Now(),
		}
	}

	inverses := make([]models.Improvement, 0, len(target.ImprovementsIdentified))
	for _, imp := range target.ImprovementsIdentified {
		if imp.Before == nil || imp.After == nil {
			continue
		}
		inverses = append(inverses, models.Improvement{
			Type:      "rollback_" + imp.Type,
			Component: imp.Component,
			Before:    imp.After,
			After:     imp.Before,
			Reason:    fmt.Sprintf("Rollback from cycle %s", target.CycleID),
			Impact:    "Restoring previous stable configuration",
		})
	}

	record := models.ChangeRecord{
		ChangeID:               uuid.NewString(),
		CycleID:                uuid.NewString(),
		Type:                   models.ChangeTypeRollbackExecution,
		Timestamp:              time.Now(),
		TriggerReason:          fmt.Sprintf("rollback of cycle %s", target.CycleID),
		ComponentsExecuted:     []string{"audit_log"},
		ImprovementsIdentified: inverses,
		Success:                true,
		Metadata:               map[string]any{"rolled_back_cycle_id": target.CycleID},
	}
	l.Append(record)

	return models.RollbackResult{
		Success:               true,
		RolledBackTo:          target.CycleID,
		ConfigurationsChanged: len(inverses),
		Details:               inverses,
		Timestamp:             record.Timestamp,
	}
}

// findRollbackTarget finds the record to invert: the one matching
// targetCycleID if given, else the most recent successful optimization
// cycle.
func findRollbackTarget(records []models.ChangeRecord, targetCycleID string) (models.ChangeRecord, bool) {
	if targetCycleID != "" {
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].CycleID == targetCycleID {
				return records[i], true
			}
		}
		return models.ChangeRecord{}, false
	}

	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type == models.ChangeTypeOptimizationCycle && records[i].Success {
			return records[i], true
		}
	}
	return models.ChangeRecord{}, false
}

// ClearHistory truncates the in-memory mirror. It does not touch Store:
// the durable trail is never deleted, only the bounded working-set view.
func (l *Log) ClearHistory() {
	l.mu.Lock()
	l.mem = nil
	l.mu.Unlock()
}
