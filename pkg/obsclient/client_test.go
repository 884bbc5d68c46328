package obsclient

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/telemetry"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	c := New(Config{
		APIKey:             "key",
		OrganizationID:     "org",
		BaseURL:            "https://api.test.internal",
		RateLimitPerMinute: 1000,
		MaxRetries:         2,
		RetryBaseDelay:     time.Millisecond,
	}, testLogger(), telemetry.NewMetrics(prometheus.NewRegistry()))

	httpmock.ActivateNonDefault(c.http)
	return c, httpmock.DeactivateAndReset
}

func TestGetWorkspaceStats_FallsBackOn405(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	httpmock.RegisterResponder(http.MethodGet, "https://api.test.internal/api/v1/workspaces/current/stats",
		httpmock.NewStringResponder(405, `{"error":"method not allowed"}`))
	httpmock.RegisterResponder(http.MethodPost, "https://api.test.internal/api/v1/workspaces/stats",
		httpmock.NewStringResponder(404, `{"error":"not found"}`))

	stats, err := c.GetWorkspaceStats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Fallback)
	assert.Equal(t, models.WorkspaceStats{Fallback: true}, stats)
}

func TestGetRunsStats_ReturnsParsedValue(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	httpmock.RegisterResponder(http.MethodGet, "https://api.test.internal/api/v1/runs/stats",
		httpmock.NewStringResponder(200, `{"total_runs":42,"avg_latency":1.5,"success_rate":0.97}`))

	stats, err := c.GetRunsStats(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.TotalRuns)
	assert.False(t, stats.Fallback)
}

func TestDoJSON_RetriesOn5xxThenSucceeds(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	attempts := 0
	httpmock.RegisterResponder(http.MethodGet, "https://api.test.internal/api/v1/runs",
		func(req *http.Request) (*http.Response, error) {
			attempts++
			if attempts < 2 {
				return httpmock.NewStringResponse(503, `{"error":"unavailable"}`), nil
			}
			return httpmock.NewStringResponse(200, `{"runs":[]}`), nil
		})

	runs, err := c.ListRuns(context.Background(), RunFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Equal(t, 2, attempts)
}

func TestDoJSON_SurfacesNonRetryable4xx(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	httpmock.RegisterResponder(http.MethodPost, "https://api.test.internal/api/v1/feedback",
		httpmock.NewStringResponder(422, `{"error":"bad score"}`))

	_, err := c.CreateFeedback(context.Background(), "run-1", "quality", 0.5, "", "")
	require.Error(t, err)
	var backendErr *ErrBackend
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, 422, backendErr.Status)
}
