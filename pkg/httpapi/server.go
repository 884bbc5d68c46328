// Package httpapi implements the control plane's operator-facing HTTP
// surface: status, history, manual trigger, rollback, and history
// clearing, with bearer-token auth guarding the mutating endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tilores/qualityplane/pkg/audit"
	"github.com/tilores/qualityplane/pkg/batch"
	"github.com/tilores/qualityplane/pkg/models"
	"github.com/tilores/qualityplane/pkg/orchestrator"
	"github.com/tilores/qualityplane/pkg/threshold"
)

// HealthReporter exposes the control-plane Engine's periodic health-check
// results. Declared narrowly here so this package never imports
// pkg/controlplane.
type HealthReporter interface {
	Snapshot() map[string]bool
}

// Server wires the control plane's read/write surface onto a gorilla/mux
// router.
type Server struct {
	monitor      *threshold.Monitor
	orchestrator *orchestrator.Orchestrator
	auditLog     *audit.Log
	aggregates   *batch.Aggregates
	cooldown     *threshold.CooldownClock
	health       HealthReporter
	signingKey   []byte
	logger       *logrus.Logger

	router *mux.Router

	lastAlertMu sync.RWMutex
	lastAlert   *alertView
}

type alertView struct {
	Level     string    `json:"level"`
	Observed  float64   `json:"observed"`
	EmittedAt time.Time `json:"emitted_at"`
}

// New constructs a Server and registers its routes.
func New(
	monitor *threshold.Monitor,
	orch *orchestrator.Orchestrator,
	auditLog *audit.Log,
	aggregates *batch.Aggregates,
	cooldown *threshold.CooldownClock,
	health HealthReporter,
	signingKey []byte,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		monitor:      monitor,
		orchestrator: orch,
		auditLog:     auditLog,
		aggregates:   aggregates,
		cooldown:     cooldown,
		health:       health,
		signingKey:   signingKey,
		logger:       logger,
		router:       mux.NewRouter(),
	}

	monitor.OnAlert(func(a models.Alert) {
		s.lastAlertMu.Lock()
		s.lastAlert = &alertView{Level: string(a.Level), Observed: a.Observed, EmittedAt: a.EmittedAt}
		s.lastAlertMu.Unlock()
	})

	s.routes()
	return s
}

// Router returns the underlying handler for use with net/http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(otelhttp.NewMiddleware("qualityplane-controlplane"))
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	s.router.Handle("/trigger", s.requireAuth(http.HandlerFunc(s.handleTrigger))).Methods(http.MethodPost)
	s.router.Handle("/rollback", s.requireAuth(http.HandlerFunc(s.handleRollback))).Methods(http.MethodPost)
	s.router.Handle("/clear_history", s.requireAuth(http.HandlerFunc(s.handleClearHistory))).Methods(http.MethodPost)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.aggregates.Snapshot()
	summary := s.auditLog.Summary()

	s.lastAlertMu.RLock()
	alert := s.lastAlert
	s.lastAlertMu.RUnlock()

	var health map[string]bool
	if s.health != nil {
		health = s.health.Snapshot()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"current_quality":    snap.AvgQuality,
		"traces_processed":   snap.TracesProcessed,
		"quality_checks":     snap.QualityChecks,
		"cooldown_remaining": s.cooldown.Remaining().Seconds(),
		"degraded":           s.auditLog.Degraded(),
		"last_alert":         alert,
		"summary":            summary,
		"component_health":   health,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": s.auditLog.Recent(limit)})
}

type triggerRequest struct {
	Reason   string `json:"reason"`
	Override bool   `json:"override"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.auditLog.Degraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "reason": "audit log degraded"})
		return
	}

	var req triggerRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !req.Override && !s.cooldown.Elapsed() {
		writeError(w, http.StatusConflict, "cooldown active, pass override=true to force")
		return
	}

	if req.Reason == "" {
		req.Reason = "manual_trigger"
	}
	record := s.orchestrator.Trigger(req.Reason)
	writeJSON(w, http.StatusAccepted, record)
}

type rollbackRequest struct {
	TargetCycleID string `json:"target_cycle_id"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	result := s.auditLog.Rollback(r.Context(), req.TargetCycleID)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	cleared := s.auditLog.Summary().Total
	s.auditLog.ClearHistory()
	s.auditLog.Append(models.ChangeRecord{
		Type:          models.ChangeTypeHistoryCleared,
		Timestamp:     time.Now(),
		TriggerReason: "manual clear_history request",
		Success:       true,
		Metadata:      map[string]any{"records_cleared": cleared},
	})
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
