// Package threshold implements the ThresholdMonitor (C5): multi-tier
// quality classification, alert emission, and cooldown-gated improvement
// cycle triggering.
package threshold

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/telemetry"
)

// Tiers holds the configurable quality-tier boundaries. Defaults match the
// spec: critical < 0.70 ≤ high < 0.80 ≤ medium < 0.85 ≤ low < 0.90 ≤ minimal.
type Tiers struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// DefaultTiers returns the default tier boundaries.
func DefaultTiers() Tiers {
	return Tiers{Critical: 0.70, High: 0.80, Medium: 0.85, Low: 0.90}
}

// Trigger is implemented by whatever consumes a cooldown-gated request for
// a new improvement cycle (the ImprovementOrchestrator).
type Trigger interface {
	Trigger(reason string) models.ChangeRecord
}

// CooldownClock is an atomic, last-writer-wins Unix-nanos clock shared
// between the ThresholdMonitor and the ImprovementOrchestrator.
type CooldownClock struct {
	lastCommitUnixNano atomic.Int64
	cooldown           time.Duration
}

// NewCooldownClock constructs a clock with the given cooldown duration.
func NewCooldownClock(cooldown time.Duration) *CooldownClock {
	return &CooldownClock{cooldown: cooldown}
}

// Elapsed reports whether enough time has passed since the last commit to
// permit another trigger.
func (c *CooldownClock) Elapsed() bool {
	last := c.lastCommitUnixNano.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= c.cooldown
}

// Remaining returns how much longer the caller must wait, or 0 if elapsed.
func (c *CooldownClock) Remaining() time.Duration {
	last := c.lastCommitUnixNano.Load()
	if last == 0 {
		return 0
	}
	remaining := c.cooldown - time.Since(time.Unix(0, last))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MarkCommitted resets the cooldown clock to now; called after any cycle
// (success or coalesce) commits.
func (c *CooldownClock) MarkCommitted() {
	c.lastCommitUnixNano.Store(time.Now().UnixNano())
}

const minimalAlertGap = 15 * time.Minute

// Monitor implements C5.
type Monitor struct {
	tiers   Tiers
	cooldown *CooldownClock
	trigger Trigger
	logger  *logrus.Logger
	metrics *telemetry.Metrics

	mu              sync.Mutex
	armed           bool
	lastMinimalAt   time.Time
	alertSink       func(models.Alert)
}

// New constructs a Monitor. armed starts true; disarming is used by the
// HTTP adapter to pause automatic triggering without stopping ingestion.
func New(tiers Tiers, cooldown *CooldownClock, trigger Trigger, logger *logrus.Logger, metrics *telemetry.Metrics) *Monitor {
	return &Monitor{
		tiers:    tiers,
		cooldown: cooldown,
		trigger:  trigger,
		logger:   logger,
		metrics:  metrics,
		armed:    true,
	}
}

// OnAlert registers a callback invoked whenever an alert is emitted (used
// by the HTTP adapter's status endpoint to surface the most recent alert).
func (m *Monitor) OnAlert(sink func(models.Alert)) {
	m.mu.Lock()
	m.alertSink = sink
	m.mu.Unlock()
}

// SetArmed enables or disables automatic cycle triggering.
func (m *Monitor) SetArmed(armed bool) {
	m.mu.Lock()
	m.armed = armed
	m.mu.Unlock()
}

// Evaluate classifies currentQuality into a tier, emits the corresponding
// alert, and — for high/critical tiers with cooldown elapsed — requests an
// improvement cycle.
func (m *Monitor) Evaluate(currentQuality float64, perModel, perProvider map[string]float64, metadata map[string]any) {
	if currentQuality == 0.0 {
		m.logger.Info("threshold monitor: zero quality observed, suppressing alerts (cold start or all-errors gate)")
		return
	}

	level, thresholdCrossed, shouldTrigger := m.classify(currentQuality)

	if level == models.AlertLevelMinimal {
		m.mu.Lock()
		gapOK := time.Since(m.lastMinimalAt) >= minimalAlertGap
		if gapOK {
			m.lastMinimalAt = time.Now()
		}
		m.mu.Unlock()
		if !gapOK {
			return
		}
	}

	alert := models.Alert{
		Level:            level,
		ThresholdCrossed: thresholdCrossed,
		Observed:         currentQuality,
		Message:          fmt.Sprintf("tier=%s observed=%.4f", level, currentQuality),
		EmittedAt:        time.Now(),
		Metadata:         metadata,
	}
	m.emit(alert)

	if !shouldTrigger {
		return
	}

	m.mu.Lock()
	armed := m.armed
	m.mu.Unlock()
	if !armed {
		return
	}

	if !m.cooldown.Elapsed() {
		return
	}

	reason := fmt.Sprintf("tier=%s observed=%.4f", level, currentQuality)
	m.trigger.Trigger(reason)
}

func (m *Monitor) emit(alert models.Alert) {
	if m.metrics != nil {
		m.metrics.AlertsEmitted.WithLabelValues(string(alert.Level)).Inc()
	}
	m.logger.WithFields(logrus.Fields{
		"level":    alert.Level,
		"observed": alert.Observed,
	}).Info("quality alert emitted")

	m.mu.Lock()
	sink := m.alertSink
	m.mu.Unlock()
	if sink != nil {
		sink(alert)
	}
}

// classify returns the tier, the threshold value that was crossed, and
// whether the tier warrants requesting an improvement cycle (high/critical
// only).
func (m *Monitor) classify(q float64) (models.AlertLevel, float64, bool) {
	switch {
	case q < m.tiers.Critical:
		return models.AlertLevelCritical, m.tiers.Critical, true
	case q < m.tiers.High:
		return models.AlertLevelHigh, m.tiers.High, true
	case q < m.tiers.Medium:
		return models.AlertLevelMedium, m.tiers.Medium, false
	case q < m.tiers.Low:
		return models.AlertLevelLow, m.tiers.Low, false
	default:
		return models.AlertLevelMinimal, m.tiers.Low, false
	}
}
