// Package controlplane composes the twelve components (C1-C12) into one
// runnable unit: it owns the trace-ingestion, batch-processing, and
// audit-log writer loops, plus a periodic health check that watches the
// observability backend, the audit log, and the ingest pipeline for
// sustained trouble, the way DimaJoyti-AIOS's ModelMonitor watches model
// health on its own ticker.
package controlplane

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilores/qualityplane/pkg/audit"
	"github.com/tilores/qualityplane/pkg/batch"
	"github.com/tilores/qualityplane/pkg/ingest"
	"github.com/tilores/qualityplane/pkg/obsclient"
	"github.com/tilores/qualityplane/pkg/telemetry"
)

// defaultHealthInterval matches the 30s cadence DimaJoyti-AIOS's
// ModelMonitor uses for its own health-check goroutine.
const defaultHealthInterval = 30 * time.Second

// healthPingTimeout bounds each health check's backend round trip well
// under the interval so a slow backend can't make checks pile up.
const healthPingTimeout = 5 * time.Second

// Engine owns the long-running loops named in the concurrency model:
// trace ingestion, batch processing, the audit log's single writer, and
// the periodic health check. Threshold monitoring and orchestration run
// synchronously inside the batch-processing loop and are not separate
// goroutines here.
type Engine struct {
	obsClient obsclient.BackendAPI
	ingestor  *ingest.Ingestor
	processor *batch.Processor
	auditLog  *audit.Log

	healthInterval time.Duration
	logger         *logrus.Logger
	metrics        *telemetry.Metrics

	mu      sync.RWMutex
	healthy map[string]bool
}

// New constructs an Engine around already-wired components. obsClient is
// used only for health-check pings; ingestion reads traces through
// ingestor independently.
func New(
	obsClient obsclient.BackendAPI,
	ingestor *ingest.Ingestor,
	processor *batch.Processor,
	auditLog *audit.Log,
	logger *logrus.Logger,
	metrics *telemetry.Metrics,
) *Engine {
	return &Engine{
		obsClient:      obsClient,
		ingestor:       ingestor,
		processor:      processor,
		auditLog:       auditLog,
		healthInterval: defaultHealthInterval,
		logger:         logger,
		metrics:        metrics,
		healthy:        make(map[string]bool),
	}
}

// Run starts the ingestion, batch-processing, audit-log writer, and
// health-check loops and blocks until ctx is cancelled and every loop has
// exited.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		e.auditLog.Run,
		e.ingestor.Run,
		e.processor.Run,
		e.healthLoop,
	}
	wg.Add(len(loops))
	for _, loop := range loops {
		loop := loop
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

// Healthy reports the most recent health check's verdict for component,
// or true if it has never been checked (nothing has failed yet).
func (e *Engine) Healthy(component string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	healthy, checked := e.healthy[component]
	return !checked || healthy
}

// Snapshot returns a copy of the last health-check result for every
// component checked so far, for use in status endpoints.
func (e *Engine) Snapshot() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.healthy))
	for k, v := range e.healthy {
		out[k] = v
	}
	return out
}

func (e *Engine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(e.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkHealth(ctx)
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	anyUnhealthy := false

	anyUnhealthy = e.setHealthy("observability_backend", e.checkObsClient(ctx)) || anyUnhealthy
	anyUnhealthy = e.setHealthy("audit_log", !e.auditLog.Degraded()) || anyUnhealthy
	anyUnhealthy = e.setHealthy("trace_ingestion", e.ingestor.DroppedCount() == 0) || anyUnhealthy

	if anyUnhealthy {
		e.logger.WithField("status", e.Snapshot()).Warn("health check found an unhealthy component")
		if e.metrics != nil {
			e.metrics.HealthChecksFailed.Inc()
		}
	}
}

// checkObsClient pings the backend with a cheap, already-fallback-safe
// call. GetWorkspaceStats never errors on an all-routes-failed backend, it
// returns a zero-valued fallback instead, so the fallback marker is the
// real health signal here, not the error return.
func (e *Engine) checkObsClient(ctx context.Context) bool {
	if e.obsClient == nil {
		return true
	}
	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	stats, err := e.obsClient.GetWorkspaceStats(pingCtx)
	return err == nil && !stats.Fallback
}

// setHealthy records the check result and returns true when it flipped
// the component into (or kept it in) an unhealthy state.
func (e *Engine) setHealthy(component string, healthy bool) bool {
	e.mu.Lock()
	e.healthy[component] = healthy
	e.mu.Unlock()

	if e.metrics != nil {
		value := 0.0
		if healthy {
			value = 1.0
		}
		e.metrics.ComponentHealthy.WithLabelValues(component).Set(value)
	}
	return !healthy
}
