package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilores/qualityplane/pkg/abtest"
	"github.com/tilores/qualityplane/pkg/audit"
	"github.com/tilores/qualityplane/pkg/batch"
	"github.com/tilores/qualityplane/pkg/delta"
	"github.com/tilores/qualityplane/pkg/evaluator"
	"github.com/tilores/qualityplane/pkg/feedback"
	"github.com/tilores/qualityplane/pkg/metalearn"
	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/obsclient"
	"github.com/tilores/qualityplane/pkg/orchestrator"
	"github.com/tilores/qualityplane/pkg/patterns"
	"github.com/tilores/qualityplane/pkg/predictor"
	"github.com/tilores/qualityplane/pkg/telemetry"
	"github.com/tilores/qualityplane/pkg/threshold"
)

type emptyBackend struct {
	obsclient.BackendAPI
}

func (emptyBackend) ListRuns(ctx context.Context, f obsclient.RunFilter) ([]models.RawRun, error) {
	return nil, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testSigningKey = []byte("test-signing-key")

func newTestServer(t *testing.T) (*Server, *audit.Log) {
	t.Helper()
	logger := testLogger()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	backend := emptyBackend{}
	eval := evaluator.New()
	deltaAnalyzer := delta.New(backend, eval)
	patternIndex := patterns.New(backend, "ds")
	metaLearner := metalearn.New()
	feedbackCollector := feedback.New(nil)
	pred := predictor.New()
	abTester := abtest.New()
	aggregates := batch.NewAggregates()
	cooldown := threshold.NewCooldownClock(time.Hour)
	auditStore := &fakeStore{}
	auditLog := audit.New(auditStore, 50, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go auditLog.Run(ctx)

	orch := orchestrator.New(deltaAnalyzer, patternIndex, metaLearner, feedbackCollector, pred, abTester, aggregates, auditLog, cooldown, logger, metrics)
	monitor := threshold.New(threshold.DefaultTiers(), cooldown, orch, logger, metrics)

	server := New(monitor, orch, auditLog, aggregates, cooldown, nil, testSigningKey, logger)
	return server, auditLog
}

type fakeStore struct {
	records []models.ChangeRecord
}

func (f *fakeStore) Append(ctx context.Context, record models.ChangeRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeStore) Load(ctx context.Context) ([]models.ChangeRecord, error) {
	return f.records, nil
}

func signedToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := token.SignedString(testSigningKey)
	require.NoError(t, err)
	return signed
}

func TestStatus_ReturnsCurrentQualityAndCooldown(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body, "cooldown_remaining")
}

func TestTrigger_RequiresBearerToken(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/trigger", strings.NewReader(`{"reason":"manual"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTrigger_SucceedsWithValidToken(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/trigger", strings.NewReader(`{"reason":"manual","override":true}`))
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRollback_NotFoundWhenNoHistory(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/rollback", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearHistory_RequiresAuth(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/clear_history", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type failingStore struct{}

func (failingStore) Append(ctx context.Context, record models.ChangeRecord) error {
	return assert.AnError
}

func (failingStore) Load(ctx context.Context) ([]models.ChangeRecord, error) {
	return nil, nil
}

func TestTrigger_RefusesWhenAuditLogDegraded(t *testing.T) {
	logger := testLogger()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	auditLog := audit.New(failingStore{}, 50, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go auditLog.Run(ctx)

	for i := 0; i < 3; i++ {
		auditLog.Append(models.ChangeRecord{CycleID: "x"})
	}
	require.Eventually(t, auditLog.Degraded, time.Second, time.Millisecond, "audit log never entered degraded mode")

	backend := emptyBackend{}
	eval := evaluator.New()
	deltaAnalyzer := delta.New(backend, eval)
	patternIndex := patterns.New(backend, "ds")
	metaLearner := metalearn.New()
	feedbackCollector := feedback.New(nil)
	pred := predictor.New()
	abTester := abtest.New()
	aggregates := batch.NewAggregates()
	cooldown := threshold.NewCooldownClock(time.Hour)

	orch := orchestrator.New(deltaAnalyzer, patternIndex, metaLearner, feedbackCollector, pred, abTester, aggregates, auditLog, cooldown, logger, metrics)
	monitor := threshold.New(threshold.DefaultTiers(), cooldown, orch, logger, metrics)
	server := New(monitor, orch, auditLog, aggregates, cooldown, nil, testSigningKey, logger)

	req := httptest.NewRequest(http.MethodPost, "/trigger", strings.NewReader(`{"reason":"manual","override":true}`))
	req.Header.Set("Authorization", "Bearer "+signedToken(t))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "audit log degraded", body["reason"])
}
