// Package gateway is the HTTP surface: task intake from the delivery system,
// event streaming to readers over SSE and WebSocket, and quota inspection.
// Task intake always acknowledges with 202 once the message parses; admission
// rejections travel over the task's event channel, never as an HTTP error,
// so the at-least-once delivery system does not re-deliver an
// already-reported rejection.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/quotagate/internal/dispatch"
	"github.com/meridianlabs/quotagate/internal/ledger"
	"github.com/meridianlabs/quotagate/internal/shared"
	"github.com/meridianlabs/quotagate/internal/stream"
	"github.com/meridianlabs/quotagate/internal/telemetry"
)

// Config carries the gateway settings.
type Config struct {
	// AuthToken protects every endpoint except /healthz. Empty disables auth.
	AuthToken string
	// RateRPS and RateBurst bound requests per client token (or remote addr).
	RateRPS   float64
	RateBurst int
	// ConfigFingerprint is exposed on /healthz for drift checks.
	ConfigFingerprint string
}

// Server handles the HTTP API.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Store
	hub        *stream.Hub
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	limiter    *rateLimiter
}

func New(cfg Config, d *dispatch.Dispatcher, ls *ledger.Store, hub *stream.Hub,
	logger *slog.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		ledger:     ls,
		hub:        hub,
		logger:     logger,
		metrics:    metrics,
		limiter:    newRateLimiter(cfg.RateRPS, cfg.RateBurst),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/events", s.handleEventsSSE)
	mux.HandleFunc("/api/v1/events/ws", s.handleEventsWS)
	mux.HandleFunc("/api/v1/quota", s.handleQuota)
	return mux
}

// handleTasks implements POST /api/v1/tasks. A parseable message is always
// acknowledged with 202; whether it was admitted, replayed, or rejected is
// reported only on its event channel.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.allowRate(r) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var task dispatch.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task message")
		return
	}
	if task.TaskID == "" || task.UserID == "" || task.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "task_id, user_id, and service_id are required")
		return
	}
	if task.Kind != "stream" && task.Kind != "batch" {
		writeError(w, http.StatusBadRequest, `kind must be "stream" or "batch"`)
		return
	}

	requestID := shared.NewRequestID()
	s.dispatcher.Submit(task, requestID)
	s.logger.Info("task accepted",
		"task_id", task.TaskID, "user_id", task.UserID, "request_id", requestID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"task_id":    task.TaskID,
		"request_id": requestID,
	})
}

// handleQuota implements GET /api/v1/quota?user_id=X.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	ctx := r.Context()
	balance, err := s.ledger.Balance(ctx, userID)
	if errors.Is(err, ledger.ErrNoAccount) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		s.logger.Error("quota read failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	txns, err := s.ledger.Transactions(ctx, userID, 50)
	if err != nil {
		s.logger.Error("transaction read failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"balance":      balance,
		"transactions": txns,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.ledger.StalePendingDebits(r.Context(), time.Time{}, 1); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"channels":           s.hub.Len(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// authorize checks the bearer token. Constant-time compare; query-param
// fallback exists for SSE clients that cannot set headers.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(extractToken(r)), []byte(s.cfg.AuthToken)) == 1
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func (s *Server) allowRate(r *http.Request) bool {
	key := extractToken(r)
	if key == "" {
		key = r.RemoteAddr
	}
	if s.limiter.allow(key) {
		return true
	}
	s.metrics.RateLimitRejects.Add(r.Context(), 1)
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// channelParams pulls the (user, service, task, fromLatest) tuple shared by
// the SSE and WS endpoints.
func channelParams(r *http.Request) (key string, fromLatest bool, ok bool) {
	q := r.URL.Query()
	userID, serviceID, taskID := q.Get("user_id"), q.Get("service_id"), q.Get("task_id")
	if userID == "" || serviceID == "" || taskID == "" {
		return "", false, false
	}
	return stream.ChannelKey(userID, serviceID, taskID), q.Get("from_latest") == "1", true
}

// requestID threads a correlation id into streaming read contexts.
func requestContext(r *http.Request) context.Context {
	return shared.WithRequestID(r.Context(), uuid.NewString())
}
