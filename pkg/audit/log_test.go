package audit

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilores/qualityplane/pkg/models"
)

type memStore struct {
	mu      sync.Mutex
	records []models.ChangeRecord
	failN   int
}

func (m *memStore) Append(ctx context.Context, record models.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return assertErr
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memStore) Load(ctx context.Context) ([]models.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ChangeRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

var assertErr = assertError("simulated write failure")

type assertError string

func (e assertError) Error() string { return string(e) }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func runLogFor(t *testing.T, l *Log, ctx context.Context) {
	t.Helper()
	go l.Run(ctx)
}

func TestAppendAndRecent_BoundsToMemSize(t *testing.T) {
	store := &memStore{}
	l := New(store, 2, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runLogFor(t, l, ctx)

	l.Append(models.ChangeRecord{CycleID: "1"})
	l.Append(models.ChangeRecord{CycleID: "2"})
	l.Append(models.ChangeRecord{CycleID: "3"})

	recent := l.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].CycleID)
	assert.Equal(t, "3", recent[1].CycleID)
}

func TestRollback_FailsWhenTargetUnavailable(t *testing.T) {
	store := &memStore{}
	l := New(store, 50, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runLogFor(t, l, ctx)

	result := l.Rollback(ctx, "nonexistent")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "target_details_unavailable")
}

func TestRollback_InvertsImprovementsFromFullRecord(t *testing.T) {
	store := &memStore{}
	l := New(store, 50, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runLogFor(t, l, ctx)

	l.Append(models.ChangeRecord{
		CycleID: "cycle-1",
		Type:    models.ChangeTypeOptimizationCycle,
		Success: true,
		ImprovementsIdentified: []models.Improvement{
			{Type: "threshold_adjustment", Component: "threshold_monitor", Before: 0.80, After: 0.75, Reason: "x", Impact: "y"},
		},
	})
	time.Sleep(20 * time.Millisecond)

	result := l.Rollback(ctx, "cycle-1")
	require.True(t, result.Success)
	assert.Equal(t, "cycle-1", result.RolledBackTo)
	require.Len(t, result.Details, 1)
	assert.Equal(t, 0.75, result.Details[0].Before)
	assert.Equal(t, 0.80, result.Details[0].After)
}

func TestRollback_SkipsImprovementsMissingBeforeOrAfter(t *testing.T) {
	store := &memStore{}
	l := New(store, 50, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runLogFor(t, l, ctx)

	l.Append(models.ChangeRecord{
		CycleID: "cycle-2",
		Type:    models.ChangeTypeOptimizationCycle,
		Success: true,
		ImprovementsIdentified: []models.Improvement{
			{Type: "threshold_adjustment", Component: "threshold_monitor", Before: 0.80, After: 0.75, Reason: "x", Impact: "y"},
			{Type: "strategy_recommendation", Component: "meta_learner", After: "pattern_reinforcement", Reason: "effectiveness=0.90"},
		},
	})
	time.Sleep(20 * time.Millisecond)

	result := l.Rollback(ctx, "cycle-2")
	require.True(t, result.Success)
	assert.Equal(t, 1, result.ConfigurationsChanged)
	require.Len(t, result.Details, 1)
	assert.Equal(t, "rollback_threshold_adjustment", result.Details[0].Type)
}

func TestSummary_ComputesSuccessRate(t *testing.T) {
	store := &memStore{}
	l := New(store, 50, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runLogFor(t, l, ctx)

	l.Append(models.ChangeRecord{Type: models.ChangeTypeOptimizationCycle, Success: true})
	l.Append(models.ChangeRecord{Type: models.ChangeTypeOptimizationCycle, Success: false})
	l.Append(models.ChangeRecord{Type: models.ChangeTypeOptimizationFailed})

	summary := l.Summary()
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.OptimizationCycles)
	assert.Equal(t, 1, summary.FailedOptimizations)
	assert.InDelta(t, 0.5, summary.SuccessRate, 1e-9)
}

func TestDegraded_SetAfterConsecutiveFailures(t *testing.T) {
	store := &memStore{failN: 3}
	l := New(store, 50, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runLogFor(t, l, ctx)

	for i := 0; i < 3; i++ {
		l.Append(models.ChangeRecord{CycleID: "x"})
		time.Sleep(10 * time.Millisecond)
	}

	assert.True(t, l.Degraded())
}
