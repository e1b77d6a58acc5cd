// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
	sentinelerrors "anomaly-sentinel/errors"
	"anomaly-sentinel/events"
	"anomaly-sentinel/health"
	"anomaly-sentinel/ingest"
	"anomaly-sentinel/internal/reporter"
	"anomaly-sentinel/logger"
	"anomaly-sentinel/logstore"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceVersion = "2.0.0"

	serverReadHeaderTimeout = 10 * time.Second
	serverIdleTimeout       = 120 * time.Second

	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000

	simulationReadings = 5
)

// simulationInterval spaces the injected readings so the detector sees them
// as distinct measurements, matching live traffic pacing.
var simulationInterval = 500 * time.Millisecond

// TestMailer sends a synthetic report outside the dispatch pipeline, used to
// verify SMTP settings without touching cooldowns.
type TestMailer interface {
	SendTest(ctx context.Context, recipient string) error
}

// Server exposes the detection pipeline over HTTP
type Server struct {
	coordinator *ingest.Coordinator
	detector    *anomaly.Detector
	store       *logstore.Store
	reporter    *reporter.AutoReporter
	dispatcher  *reporter.Dispatcher
	stream      *events.StreamServer
	hub         *events.Hub
	checker     *health.Checker
	config      *config.Holder
	mailer      TestMailer
	configPath  string

	httpServer *http.Server
}

// Deps are the components the server serves. Coordinator, Detector and
// Config are required for the core endpoints; the rest may be nil and their
// endpoints answer 503.
type Deps struct {
	Coordinator *ingest.Coordinator
	Detector    *anomaly.Detector
	Store       *logstore.Store
	Reporter    *reporter.AutoReporter
	Dispatcher  *reporter.Dispatcher
	Stream      *events.StreamServer
	Hub         *events.Hub
	Health      *health.Checker
	Config      *config.Holder
	Mailer      TestMailer
	// ConfigPath, when set, receives the updated YAML after a successful
	// config PUT. Persistence failures are logged, never fatal.
	ConfigPath string
}

// NewServer creates a new API server instance
func NewServer(deps Deps) *Server {
	return &Server{
		coordinator: deps.Coordinator,
		detector:    deps.Detector,
		store:       deps.Store,
		reporter:    deps.Reporter,
		dispatcher:  deps.Dispatcher,
		stream:      deps.Stream,
		hub:         deps.Hub,
		checker:     deps.Health,
		config:      deps.Config,
		mailer:      deps.Mailer,
		configPath:  deps.ConfigPath,
	}
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	cfg := s.config.Current()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("🌐 Starting API server on %s", addr)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       serverIdleTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the full route tree with auth and CORS applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Detection
	mux.HandleFunc("/api/v1/analyze", s.withAuth(s.handleAnalyze))
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	// Management
	mux.HandleFunc("/api/v1/config", s.withAuth(s.handleConfig))
	mux.HandleFunc("/api/v1/reset", s.withAuth(s.handleReset))

	// Auto-reporting
	mux.HandleFunc("/api/v1/auto-report/status", s.handleReportStatus)
	mux.HandleFunc("/api/v1/auto-report/config", s.withAuth(s.handleReportConfig))
	mux.HandleFunc("/api/v1/auto-report/clear-buffer", s.withAuth(s.handleClearBuffer))
	mux.HandleFunc("/api/v1/auto-report/test", s.withAuth(s.handleTestReport))

	// Simulation
	mux.HandleFunc("/api/v1/simulate/", s.withAuth(s.handleSimulate))

	// Streaming and operational surfaces
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)

	mux.HandleFunc("/", s.handleRoot)

	if s.config != nil && s.config.Current().Server.AllowCORS {
		return s.withCORS(mux)
	}
	return mux
}

// withCORS answers preflight requests and opens the API to browser clients
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces bearer JWT auth on mutating methods once a secret is
// configured. Reads stay open either way.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next(w, r)
			return
		}

		secret := ""
		if s.config != nil {
			secret = s.config.Current().Server.JWTSecret
		}
		if secret == "" {
			next(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing authorization token")
			return
		}
		if !isValidToken(token, secret) {
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

// isValidToken checks if a token is valid with signature and expiration validation
func isValidToken(token, secret string) bool {
	parsedToken, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		// Ensure the signing method is HMAC (prevent algorithm substitution attacks)
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))

	if err != nil {
		logger.Warn("Token validation failed: %v", err)
		return false
	}
	if !parsedToken.Valid {
		logger.Warn("Token validation failed: invalid token")
		return false
	}

	// Verify standard claims including expiration
	if claims, ok := parsedToken.Claims.(jwt.MapClaims); ok {
		if exp, ok := claims["exp"].(float64); ok {
			if time.Now().Unix() > int64(exp) {
				logger.Warn("Token validation failed: token has expired")
				return false
			}
		}
		// Check issued-at time to prevent future tokens
		if iat, ok := claims["iat"].(float64); ok {
			if time.Now().Unix() < int64(iat) {
				logger.Warn("Token validation failed: token used before issued")
				return false
			}
		}
	}

	return true
}

// handleRoot answers the service banner on / and 404s everything unrouted
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s", r.URL.Path))
		return
	}
	s.writeJSONResponse(w, map[string]interface{}{
		"service": "Industrial Anomaly Detection Service",
		"version": serviceVersion,
		"status":  "running",
		"health":  "/api/v1/health",
		"metrics": "/metrics",
		"stream":  "/ws",
	})
}

// handleAnalyze handles POST /api/v1/analyze
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	const op = "api.Analyze"
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.coordinator == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ingest pipeline not available")
		return
	}

	var reading anomaly.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		s.writeError(w, op, sentinelerrors.ValidationError(op, "invalid JSON body: "+err.Error()))
		return
	}

	result, err := s.coordinator.Ingest(r.Context(), reading)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	s.writeJSONResponse(w, result)
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.detector == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "detector not available")
		return
	}

	resp := map[string]interface{}{
		"total_sensors": s.detector.ActiveSensors(),
		"sensors":       s.detector.Stats(),
		"timestamp":     time.Now().UTC(),
	}
	if s.store != nil {
		resp["log_store"] = s.store.LogStats()
	}
	s.writeJSONResponse(w, resp)
}

// handleHistory handles GET /api/v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	const op = "api.History"
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "log store not available")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, op, sentinelerrors.ValidationErrorf(op, "invalid limit %q", v))
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	readings := s.store.Recent(limit)
	s.writeJSONResponse(w, map[string]interface{}{
		"readings":  readings,
		"anomalies": s.store.Anomalies(limit),
		"count":     len(readings),
		"limit":     limit,
		"timestamp": time.Now().UTC(),
	})
}

// handleHealth handles GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	activeSensors := 0
	if s.detector != nil {
		activeSensors = s.detector.ActiveSensors()
	}

	resp := map[string]interface{}{
		"status":         "healthy",
		"version":        serviceVersion,
		"active_sensors": activeSensors,
	}
	code := http.StatusOK
	if s.checker != nil {
		report := s.checker.HealthReport()
		resp["components"] = report.Components
		resp["last_check"] = report.LastCheck
		if !report.Healthy {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

// handleConfig handles GET and PUT /api/v1/config
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	const op = "api.UpdateConfig"
	if s.config == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "config holder not available")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSONResponse(w, s.config.Current())
	case http.MethodPut:
		// Decoding onto a clone keeps fields absent from the body at their
		// current values, so partial updates are safe.
		updated := s.config.Current().Clone()
		if err := json.NewDecoder(r.Body).Decode(updated); err != nil {
			s.writeError(w, op, sentinelerrors.ValidationError(op, "invalid JSON body: "+err.Error()))
			return
		}
		if err := s.config.Swap(updated); err != nil {
			s.writeError(w, op, sentinelerrors.Wrap(err, sentinelerrors.KindValidation, op, "config rejected"))
			return
		}
		if s.coordinator != nil {
			s.coordinator.ApplyConfig(updated, "config")
		}
		s.persistConfig(updated)
		s.writeJSONResponse(w, updated)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleReset handles POST /api/v1/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.coordinator == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ingest pipeline not available")
		return
	}

	s.coordinator.Reset()
	logger.Warn("System reset requested via API, in-memory history dropped")

	s.writeJSONResponse(w, map[string]interface{}{
		"status":    "success",
		"message":   "System state reset, log files kept",
		"timestamp": time.Now().UTC(),
	})
}

// handleReportStatus handles GET /api/v1/auto-report/status
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reporter == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "auto-reporter not available")
		return
	}

	resp := map[string]interface{}{
		"auto_reporting": s.reporter.Status(),
		"timestamp":      time.Now().UTC(),
	}
	if s.dispatcher != nil {
		resp["dispatch"] = map[string]interface{}{
			"recent_reports": s.dispatcher.Recent(),
			"dropped":        s.dispatcher.Dropped(),
		}
	}
	if s.hub != nil {
		resp["events"] = s.hub.Stats()
	}
	if s.stream != nil {
		resp["ws_clients"] = s.stream.ClientCount()
	}
	s.writeJSONResponse(w, resp)
}

// handleReportConfig handles GET and PUT /api/v1/auto-report/config
func (s *Server) handleReportConfig(w http.ResponseWriter, r *http.Request) {
	const op = "api.UpdateReportConfig"
	if s.reporter == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "auto-reporter not available")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSONResponse(w, s.reporter.Config())
	case http.MethodPut:
		if s.config == nil {
			s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "config holder not available")
			return
		}
		updated := s.config.Current().Clone()
		if err := json.NewDecoder(r.Body).Decode(&updated.AutoReporting); err != nil {
			s.writeError(w, op, sentinelerrors.ValidationError(op, "invalid JSON body: "+err.Error()))
			return
		}
		if err := s.config.Swap(updated); err != nil {
			s.writeError(w, op, sentinelerrors.Wrap(err, sentinelerrors.KindValidation, op, "config rejected"))
			return
		}
		if s.coordinator != nil {
			s.coordinator.ApplyConfig(updated, "auto_reporting")
		} else {
			s.reporter.UpdateConfig(updated.AutoReporting)
		}
		s.persistConfig(updated)
		s.writeJSONResponse(w, updated.AutoReporting)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleClearBuffer handles POST /api/v1/auto-report/clear-buffer
func (s *Server) handleClearBuffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reporter == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "auto-reporter not available")
		return
	}

	cleared := s.reporter.ClearBuffer()
	s.writeJSONResponse(w, map[string]interface{}{
		"status":    "success",
		"cleared":   cleared,
		"timestamp": time.Now().UTC(),
	})
}

// handleTestReport handles POST /api/v1/auto-report/test
func (s *Server) handleTestReport(w http.ResponseWriter, r *http.Request) {
	const op = "api.TestReport"
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.mailer == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "mailer not configured")
		return
	}

	var req struct {
		Recipient string `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, op, sentinelerrors.ValidationError(op, "invalid JSON body: "+err.Error()))
		return
	}
	if req.Recipient == "" {
		s.writeError(w, op, sentinelerrors.ValidationError(op, "recipient is required"))
		return
	}

	if err := s.mailer.SendTest(r.Context(), req.Recipient); err != nil {
		s.writeError(w, op, sentinelerrors.UnavailableError(op, err))
		return
	}
	s.writeJSONResponse(w, map[string]interface{}{
		"status":    "sent",
		"recipient": req.Recipient,
		"timestamp": time.Now().UTC(),
	})
}

type simulationScenario struct {
	SensorType string
	Value      float64
	Unit       string
	Message    string
}

var simulationScenarios = map[string]simulationScenario{
	"bottle_jam":        {SensorType: "motor_current", Value: 8.5, Unit: "A", Message: "Simulating bottle jam"},
	"broken_bottle":     {SensorType: "acoustic_noise", Value: 95.0, Unit: "dB", Message: "Simulating broken bottle"},
	"power_fluctuation": {SensorType: "system_voltage", Value: 20.5, Unit: "V", Message: "Simulating power fluctuation"},
}

// handleSimulate handles POST /api/v1/simulate/{scenario}
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.coordinator == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "ingest pipeline not available")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/v1/simulate/")
	scenario, ok := simulationScenarios[name]
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown scenario %q", name))
		return
	}

	go s.runSimulation(name, scenario)

	s.writeJSONResponse(w, map[string]interface{}{
		"status":   "started",
		"scenario": name,
		"message":  scenario.Message,
		"readings": simulationReadings,
	})
}

// runSimulation injects jittered anomalous readings through the normal
// ingest path, so simulations exercise detection, broadcast and reporting
// exactly like live traffic.
func (s *Server) runSimulation(name string, scenario simulationScenario) {
	for i := 0; i < simulationReadings; i++ {
		reading := anomaly.Reading{
			SensorID:   "sim_01",
			SensorType: scenario.SensorType,
			Value:      scenario.Value + (rand.Float64() - 0.5),
			Unit:       scenario.Unit,
			Timestamp:  time.Now(),
		}
		if _, err := s.coordinator.Ingest(context.Background(), reading); err != nil {
			logger.Error("Simulation %s reading rejected: %v", name, err)
		}
		time.Sleep(simulationInterval)
	}
	logger.Info("Simulation %s finished", name)
}

// handleWS upgrades /ws to the event stream
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "event stream not available")
		return
	}
	s.stream.HandleWS(w, r)
}

// handleLiveness handles /healthz
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	if s.checker != nil {
		if err := s.checker.Liveness(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	fmt.Fprintln(w, "ok")
}

// handleReadiness handles /readyz
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.checker != nil {
		if err := s.checker.Readiness(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	fmt.Fprintln(w, "ok")
}

// persistConfig writes the active configuration back to disk, best effort
func (s *Server) persistConfig(cfg *config.Config) {
	if s.configPath == "" {
		return
	}
	if err := cfg.Save(s.configPath); err != nil {
		logger.Error("Failed to persist configuration to %s: %v", s.configPath, err)
		return
	}
	logger.Info("Configuration saved to %s", s.configPath)
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// writeError maps a pipeline error onto a status code and the error JSON
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	kind := sentinelerrors.GetKind(err)
	code := statusForKind(kind)
	if code >= http.StatusInternalServerError {
		logger.Error("%s: %v", op, err)
	}
	s.writeJSONError(w, code, kind, err.Error())
}

func statusForKind(kind string) int {
	switch kind {
	case sentinelerrors.KindValidation, sentinelerrors.KindConfig:
		return http.StatusBadRequest
	case sentinelerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case sentinelerrors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, code int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: kind, Detail: detail}); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

// writeJSONResponse writes JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
