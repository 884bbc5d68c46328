package controlplane

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilores/qualityplane/pkg/audit"
	"github.com/tilores/qualityplane/pkg/batch"
	"github.com/tilores/qualityplane/pkg/evaluator"
	"github.com/tilores/qualityplane/pkg/ingest"
	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/obsclient"
	"github.com/tilores/qualityplane/pkg/telemetry"
	"github.com/tilores/qualityplane/pkg/threshold"
)

type fakeBackend struct {
	obsclient.BackendAPI
	runs     []models.RawRun
	fallback bool
}

func (f *fakeBackend) ListRuns(ctx context.Context, filter obsclient.RunFilter) ([]models.RawRun, error) {
	return f.runs, nil
}

func (f *fakeBackend) GetWorkspaceStats(ctx context.Context) (models.WorkspaceStats, error) {
	return models.WorkspaceStats{Fallback: f.fallback}, nil
}

type memStore struct{}

func (memStore) Append(ctx context.Context, record models.ChangeRecord) error { return nil }
func (memStore) Load(ctx context.Context) ([]models.ChangeRecord, error)      { return nil, nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEngine(t *testing.T, backend *fakeBackend) *Engine {
	t.Helper()
	logger := testLogger()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	ingestor := ingest.New(backend, ingest.Config{PollInterval: time.Hour, BatchSize: 10}, 4, logger, metrics)
	aggregates := batch.NewAggregates()
	cooldown := threshold.NewCooldownClock(time.Hour)
	monitor := threshold.New(threshold.DefaultTiers(), cooldown, noopTrigger{}, logger, metrics)
	processor := batch.New(ingestor.Out(), evaluator.New(), aggregates, monitor, 10, logger, metrics)
	auditLog := audit.New(memStore{}, 50, logger, metrics)

	return New(backend, ingestor, processor, auditLog, logger, metrics)
}

type noopTrigger struct{}

func (noopTrigger) Trigger(reason string) models.ChangeRecord { return models.ChangeRecord{} }

func TestCheckHealth_AllComponentsHealthyByDefault(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{})
	e.checkHealth(context.Background())

	snap := e.Snapshot()
	assert.True(t, snap["observability_backend"])
	assert.True(t, snap["audit_log"])
	assert.True(t, snap["trace_ingestion"])
}

func TestCheckHealth_FlagsFallbackBackendUnhealthy(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{fallback: true})
	e.checkHealth(context.Background())

	assert.False(t, e.Healthy("observability_backend"))
}

func TestCheckHealth_FlagsDegradedAuditLog(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{})

	failing := audit.New(failingStore{}, 50, testLogger(), telemetry.NewMetrics(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go failing.Run(ctx)
	for i := 0; i < 3; i++ {
		failing.Append(models.ChangeRecord{CycleID: "x"})
	}
	require.Eventually(t, failing.Degraded, time.Second, time.Millisecond)
	e.auditLog = failing

	e.checkHealth(context.Background())
	assert.False(t, e.Healthy("audit_log"))
}

type failingStore struct{}

func (failingStore) Append(ctx context.Context, record models.ChangeRecord) error {
	return assert.AnError
}
func (failingStore) Load(ctx context.Context) ([]models.ChangeRecord, error) { return nil, nil }

func TestRun_ExitsOnCancel(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Run did not exit after cancellation")
	}
}
