// Package obsclient implements the ObservabilityClient (C1): a
// rate-limited, retrying HTTP client for the observability backend that
// stores traces, feedback, datasets, and annotation queues.
package obsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/telemetry"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config configures a Client.
type Config struct {
	APIKey             string
	OrganizationID     string
	BaseURL            string
	RateLimitPerMinute int
	Timeout            time.Duration
	MaxRetries         int
	RetryBaseDelay     time.Duration
	// FallbackRoutes maps a GET path that the backend is known to answer
	// with 405 to the POST path to retry instead. Kept externally
	// configurable per the endpoint-drift design note: the real contract
	// belongs to the backend operator, not this client.
	FallbackRoutes map[string]string
}

// DefaultFallbackRoutes is the documented 405 fallback table observed
// against the LangSmith-compatible backend contract.
func DefaultFallbackRoutes() map[string]string {
	return map[string]string{
		"/api/v1/workspaces/current/stats": "/api/v1/workspaces/stats",
		"/api/v1/runs/stats":               "/api/v1/runs/query/stats",
	}
}

// BackendAPI is the full interface contract this client exposes; defined
// separately from *Client so orchestrator-side packages can depend on the
// narrow surface they use and tests can supply a hand-written fake.
type BackendAPI interface {
	ListRuns(ctx context.Context, f RunFilter) ([]models.RawRun, error)
	GetWorkspaceStats(ctx context.Context) (models.WorkspaceStats, error)
	GetRunsStats(ctx context.Context, f RunFilter) (models.RunStats, error)
	GetRunsGroupStats(ctx context.Context, f RunFilter, groupBy string) (map[string]models.RunStats, error)
	CreateDataset(ctx context.Context, name, description string) (models.DatasetRef, error)
	AddExamples(ctx context.Context, datasetID string, examples []models.Example) (int, error)
	SearchExamples(ctx context.Context, datasetID, query string, limit int) ([]models.Example, error)
	CreateFeedback(ctx context.Context, runID, key string, score float64, comment, correction string) (models.FeedbackRef, error)
	CreateBulkExport(ctx context.Context, f RunFilter) (string, error)
	GetBulkExportStatus(ctx context.Context, id string) (models.ExportStatus, error)
	DownloadBulkExport(ctx context.Context, id string) ([]byte, error)
	ListSessions(ctx context.Context) ([]map[string]any, error)
	CreateSession(ctx context.Context, name string) (string, error)
	GetSessionStats(ctx context.Context, name string) (map[string]any, error)
	Close() error
}

// RunFilter narrows a runs query.
type RunFilter struct {
	SessionNames    []string
	Start, End      time.Time
	Limit           int
	Offset          int
	IncludeFeedback bool
}

// Client is the concrete ObservabilityClient.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *slidingWindowLimiter
	logger  *logrus.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// New constructs a Client. The caller retains ownership of metrics/logger.
func New(cfg Config, logger *logrus.Logger, metrics *telemetry.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.smith.langchain.com"
	}
	if cfg.FallbackRoutes == nil {
		cfg.FallbackRoutes = DefaultFallbackRoutes()
	}

	limiter := newSlidingWindowLimiter(cfg.RateLimitPerMinute, 60*time.Second)
	if metrics != nil {
		limiter.rateLimitedHook = func() { metrics.ObsClientRateLimited.Inc() }
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 30,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		logger:  logger,
		tracer:  telemetry.Tracer("obsclient"),
		metrics: metrics,
	}
}

// Close releases idle connections held by the underlying HTTP transport.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) headers(req *http.Request) {
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("X-Organization-Id", c.cfg.OrganizationID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "qualityplane-obsclient/1.0")
}

// doJSON performs method+path with an optional JSON body, retrying
// TransientNetwork failures (5xx, 429, connection errors) with exponential
// backoff, and decodes a 2xx JSON response into out (if non-nil). It
// returns *ErrBackend for a non-retryable 4xx, and the raw transport error
// (wrapped) if retries are exhausted.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	ctx, span := c.tracer.Start(ctx, "obsclient."+method+" "+path)
	defer span.End()

	start := time.Now()
	outcome := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordObsClientDuration(ctx, time.Since(start).Seconds(), outcome)
		}
	}()

	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("obsclient: marshal request body: %w", err)
		}
		bodyBytes = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := c.limiter.wait(ctx); err != nil {
			return err
		}

		status, respBody, err := c.doOnce(ctx, method, path, query, bodyBytes)
		if err != nil {
			lastErr = fmt.Errorf("obsclient: transient network error: %w", err)
			outcome = "network_error"
			c.countOutcome(outcome)
			continue
		}

		switch {
		case status >= 200 && status < 300:
			outcome = "success"
			c.countOutcome(outcome)
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("obsclient: unexpected response shape from %s: %w", path, err)
				}
			}
			return nil
		case status == 429:
			lastErr = &ErrRateLimited{Attempts: attempt + 1}
			outcome = "rate_limited"
			c.countOutcome(outcome)
			continue
		case status >= 500:
			lastErr = &ErrHTTP{Status: status, Body: string(respBody)}
			outcome = "server_error"
			c.countOutcome(outcome)
			continue
		default:
			outcome = "client_error"
			c.countOutcome(outcome)
			span.SetStatus(codes.Error, "backend contract error")
			return &ErrBackend{Status: status, Body: string(respBody)}
		}
	}

	outcome = "retries_exhausted"
	span.SetStatus(codes.Error, "retries exhausted")
	return lastErr
}

func (c *Client) countOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.ObsClientRequests.WithLabelValues(outcome).Inc()
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, err
	}
	c.headers(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	// 405 endpoint-drift fallback: retry once against the documented
	// alternate route before surfacing anything to the caller.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		if alt, ok := c.cfg.FallbackRoutes[path]; ok {
			c.logger.WithFields(logrus.Fields{"path": path, "fallback": alt}).
				Warn("observability backend returned 405, retrying fallback route")
			altMethod := method
			if method == http.MethodGet {
				altMethod = http.MethodPost
			}
			return c.doOnce(ctx, altMethod, alt, nil, body)
		}
	}

	return resp.StatusCode, respBody, nil
}

// ListRuns fetches runs matching f. DataShape errors for individual
// malformed entries are never raised here: callers (QualityEvaluator /
// BatchProcessor) are responsible for per-item fault isolation once decoded
// into a RawRun succeeds structurally.
func (c *Client) ListRuns(ctx context.Context, f RunFilter) ([]models.RawRun, error) {
	q := url.Values{}
	for _, s := range f.SessionNames {
		q.Add("session", s)
	}
	if !f.Start.IsZero() {
		q.Set("start_time", f.Start.UTC().Format(time.RFC3339))
	}
	if !f.End.IsZero() {
		q.Set("end_time", f.End.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	q.Set("include_feedback", strconv.FormatBool(f.IncludeFeedback))

	var out struct {
		Runs []models.RawRun `json:"runs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/runs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// GetWorkspaceStats fetches workspace-level statistics, falling back to a
// deterministic zero value if every documented route fails.
func (c *Client) GetWorkspaceStats(ctx context.Context) (models.WorkspaceStats, error) {
	var stats models.WorkspaceStats
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/workspaces/current/stats", nil, nil, &stats)
	if err == nil {
		return stats, nil
	}

	var backendErr *ErrBackend
	if asErrBackend(err, &backendErr) {
		c.logger.WithError(err).Warn("workspace stats unavailable on all routes, returning zero-valued fallback")
		return models.WorkspaceStats{Fallback: true}, nil
	}
	return models.WorkspaceStats{}, err
}

// GetRunsStats fetches aggregate run statistics, with the same
// zero-valued-fallback behavior as GetWorkspaceStats.
func (c *Client) GetRunsStats(ctx context.Context, f RunFilter) (models.RunStats, error) {
	q := statsFilterQuery(f)
	var stats models.RunStats
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/runs/stats", q, nil, &stats)
	if err == nil {
		return stats, nil
	}

	var backendErr *ErrBackend
	if asErrBackend(err, &backendErr) {
		c.logger.WithError(err).Warn("run stats unavailable on all routes, returning zero-valued fallback")
		return models.RunStats{TotalRuns: 0, SuccessRate: 1.0, Fallback: true}, nil
	}
	return models.RunStats{}, err
}

// GetRunsGroupStats fetches per-group (e.g. per-model) run statistics.
func (c *Client) GetRunsGroupStats(ctx context.Context, f RunFilter, groupBy string) (map[string]models.RunStats, error) {
	q := statsFilterQuery(f)
	q.Set("group_by", groupBy)

	var out map[string]models.RunStats
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/runs/group/stats", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func statsFilterQuery(f RunFilter) url.Values {
	q := url.Values{}
	for _, s := range f.SessionNames {
		q.Add("session", s)
	}
	if !f.Start.IsZero() {
		q.Set("start_time", f.Start.UTC().Format(time.RFC3339))
	}
	if !f.End.IsZero() {
		q.Set("end_time", f.End.UTC().Format(time.RFC3339))
	}
	return q
}

// CreateDataset creates a named dataset used by the PatternIndex.
func (c *Client) CreateDataset(ctx context.Context, name, description string) (models.DatasetRef, error) {
	body := map[string]string{"name": name, "description": description}
	var ref models.DatasetRef
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/datasets", nil, body, &ref); err != nil {
		return models.DatasetRef{}, err
	}
	return ref, nil
}

// AddExamples appends examples to a dataset, returning the number added.
func (c *Client) AddExamples(ctx context.Context, datasetID string, examples []models.Example) (int, error) {
	body := map[string]any{"examples": examples}
	var out struct {
		Added int `json:"added"`
	}
	path := fmt.Sprintf("/api/v1/datasets/%s/examples", datasetID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return 0, err
	}
	return out.Added, nil
}

// SearchExamples performs a similarity search over a dataset's examples.
func (c *Client) SearchExamples(ctx context.Context, datasetID, query string, limit int) ([]models.Example, error) {
	q := url.Values{"query": {query}, "limit": {strconv.Itoa(limit)}}
	var out struct {
		Examples []models.Example `json:"examples"`
	}
	path := fmt.Sprintf("/api/v1/datasets/%s/search", datasetID)
	if err := c.doJSON(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Examples, nil
}

// CreateFeedback attaches a feedback score (and optional correction) to a
// run.
func (c *Client) CreateFeedback(ctx context.Context, runID, key string, score float64, comment, correction string) (models.FeedbackRef, error) {
	body := map[string]any{
		"run_id":     runID,
		"key":        key,
		"score":      score,
		"comment":    comment,
		"correction": correction,
	}
	var ref models.FeedbackRef
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/feedback", nil, body, &ref); err != nil {
		return models.FeedbackRef{}, err
	}
	return ref, nil
}

// CreateBulkExport requests an asynchronous export job and returns its id.
func (c *Client) CreateBulkExport(ctx context.Context, f RunFilter) (string, error) {
	body := map[string]any{
		"session": f.SessionNames,
		"start":   f.Start,
		"end":     f.End,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/bulk-exports", nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetBulkExportStatus polls the state of a bulk export job.
func (c *Client) GetBulkExportStatus(ctx context.Context, id string) (models.ExportStatus, error) {
	var status models.ExportStatus
	path := fmt.Sprintf("/api/v1/bulk-exports/%s", id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &status); err != nil {
		return models.ExportStatus{}, err
	}
	return status, nil
}

// DownloadBulkExport fetches the completed export's payload.
func (c *Client) DownloadBulkExport(ctx context.Context, id string) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/bulk-exports/%s/download", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.headers(req)

	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("obsclient: download export: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// ListSessions lists known tracer sessions (projects).
func (c *Client) ListSessions(ctx context.Context) ([]map[string]any, error) {
	var out struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// CreateSession registers a new tracer session and returns its id.
func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	body := map[string]string{"name": name}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetSessionStats fetches per-session aggregate statistics.
func (c *Client) GetSessionStats(ctx context.Context, name string) (map[string]any, error) {
	q := url.Values{"session": {name}}
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions/stats", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func asErrBackend(err error, target **ErrBackend) bool {
	b, ok := err.(*ErrBackend)
	if !ok {
		return false
	}
	*target = b
	return true
}
