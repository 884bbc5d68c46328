// Command controlplane runs the autonomous quality-management control
// plane: it continuously ingests traces from the observability backend,
// scores them, watches for regressions, and drives improvement cycles.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tilores/qualityplane/internal/buildinfo"
	"github.com/tilores/qualityplane/pkg/abtest"
	"github.com/tilores/qualityplane/pkg/audit"
	"github.com/tilores/qualityplane/pkg/batch"
	"github.com/tilores/qualityplane/pkg/config"
	"github.com/tilores/qualityplane/pkg/controlplane"
	"github.com/tilores/qualityplane/pkg/delta"
	"github.com/tilores/qualityplane/pkg/evaluator"
	"github.com/tilores/qualityplane/pkg/feedback"
	"github.com/tilores/qualityplane/pkg/httpapi"
	"github.com/tilores/qualityplane/pkg/ingest"
	"github.com/tilores/qualityplane/pkg/metalearn"
	"github.com/tilores/qualityplane/pkg/obsclient"
	"github.com/tilores/qualityplane/pkg/orchestrator"
	"github.com/tilores/qualityplane/pkg/patterns"
	"github.com/tilores/qualityplane/pkg/predictor"
	"github.com/tilores/qualityplane/pkg/telemetry"
	"github.com/tilores/qualityplane/pkg/threshold"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "controlplane",
		Short:   "Autonomous LLM quality-management control plane",
		Version: buildinfo.String(),
		RunE:    run,
	}

	rootCmd.Flags().String("config", "", "directory to search for config.yaml")
	_ = viper.BindPFlag("config_dir", rootCmd.Flags().Lookup("config"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config")

	mgr := config.NewManager(configDir)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	mgr.Watch(func(newCfg *config.Config) {
		logger.Info("configuration reloaded")
	})

	apiKey := cfg.Observability.APIKey
	if cfg.Secrets.EncryptionKey != "" {
		resolved, err := resolveAPIKey(cfg.Secrets, apiKey)
		if err != nil {
			logger.WithError(err).Warn("falling back to configured api_key, could not resolve encrypted secret")
		} else {
			apiKey = resolved
		}
	}

	obsClient := obsclient.New(obsclient.Config{
		APIKey:             apiKey,
		OrganizationID:     cfg.Observability.OrganizationID,
		BaseURL:            cfg.Observability.BaseURL,
		RateLimitPerMinute: cfg.Observability.RateLimitPerMinute,
		Timeout:            time.Duration(cfg.Observability.RequestTimeoutSecs) * time.Second,
		MaxRetries:         cfg.Observability.MaxRetries,
		RetryBaseDelay:     time.Duration(cfg.Observability.RetryBaseDelayMillis) * time.Millisecond,
		FallbackRoutes:     obsclient.DefaultFallbackRoutes(),
	}, logger, metrics)
	defer obsClient.Close()

	eval := evaluator.New()

	ingestor := ingest.New(obsClient, ingest.Config{
		PollInterval: cfg.Ingest.PollInterval(),
		BatchSize:    cfg.Ingest.BatchSize,
	}, cfg.Ingest.TraceChanCapacity, logger, metrics)

	aggregates := batch.NewAggregates()
	cooldown := threshold.NewCooldownClock(cfg.Threshold.CooldownDuration())

	deltaAnalyzer := delta.New(obsClient, eval)
	patternIndex := patterns.New(obsClient, "")
	metaLearner := metalearn.New()
	feedbackCollector := feedback.New(obsClient)
	pred := predictor.New()
	abTester := abtest.New()

	store, err := buildAuditStore(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("build audit store: %w", err)
	}
	auditLog := audit.New(store, cfg.Audit.MemSize, logger, metrics)

	orch := orchestrator.New(deltaAnalyzer, patternIndex, metaLearner, feedbackCollector, pred, abTester, aggregates, auditLog, cooldown, logger, metrics)
	monitor := threshold.New(threshold.DefaultTiers(), cooldown, orch, logger, metrics)

	processor := batch.New(ingestor.Out(), eval, aggregates, monitor, cfg.Ingest.BatchSize, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := patternIndex.EnsureDataset(ctx, "quality-exemplars", "High-quality run exemplars retained for similarity search"); err != nil {
		logger.WithError(err).Warn("pattern index: failed to ensure backend dataset, continuing with local-only index")
	}

	engine := controlplane.New(obsClient, ingestor, processor, auditLog, logger, metrics)
	var engineWG sync.WaitGroup
	engineWG.Add(1)
	go func() {
		defer engineWG.Done()
		engine.Run(ctx)
	}()

	apiServer := httpapi.New(monitor, orch, auditLog, aggregates, cooldown, engine, []byte(cfg.HTTP.JWTSigningKey), logger)

	mainMux := http.NewServeMux()
	mainMux.Handle("/", apiServer.Router())
	mainMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      mainMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTP.ListenAddr).Info("control plane HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server error")
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error shutting down HTTP server")
	}
	cancel()
	engineWG.Wait()

	logger.Info("control plane stopped")
	return nil
}

func buildAuditStore(cfg config.AuditConfig, logger *logrus.Logger) (audit.Store, error) {
	if cfg.KVURL != "" {
		return audit.NewKVStore(cfg.KVURL)
	}
	return audit.NewFileStore(cfg.Path, logger)
}

// resolveAPIKey decrypts the observability API key from the secrets store
// when secrets.encryption_key is configured, falling back to the literal
// configured value if no encrypted secret named "observability_api_key"
// exists yet.
func resolveAPIKey(cfg config.SecretsConfig, fallback string) (string, error) {
	mgr, err := config.NewSecretsManager(cfg.EncryptionKey, cfg.Path)
	if err != nil {
		return "", fmt.Errorf("init secrets manager: %w", err)
	}

	if !mgr.Exists("observability_api_key") {
		return fallback, nil
	}

	return mgr.Retrieve("observability_api_key")
}

func waitForShutdown(logger *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")
}
