// Package httpapi exposes the attendance engine over a local HTTP API and
// provides the Go client the CLI uses to drive it.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/attendsync/internal/attendance"
)

// Engine is the part of *attendance.Engine the API serves.
type Engine interface {
	Mark(in attendance.MarkInput) (attendance.Record, error)
	BulkUpdateStatus(ids []string, status attendance.Status) ([]attendance.Record, error)
	Remove(ids []string) error
	Clear() error
	SetEndpoint(endpoint string) error
	Records() []attendance.Record
	Tombstones() []string
	Status() attendance.SyncStatus
	Flush() error
	Subscribe() (<-chan struct{}, func())
}

type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Metrics         http.Handler
	Logger          *slog.Logger
}

type Server struct {
	engine      Engine
	cfg         ServerConfig
	log         *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		log:         cfg.Logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/records" && r.Method == http.MethodGet:
		route = "records"
	case r.URL.Path == "/v1/marks" && r.Method == http.MethodPost:
		route = "mark"
	case r.URL.Path == "/v1/marks/status" && r.Method == http.MethodPost:
		route = "mark_status"
	case r.URL.Path == "/v1/records/remove" && r.Method == http.MethodPost:
		route = "remove"
	case r.URL.Path == "/v1/records/clear" && r.Method == http.MethodPost:
		route = "clear"
	case r.URL.Path == "/v1/sync/status" && r.Method == http.MethodGet:
		route = "sync_status"
	case r.URL.Path == "/v1/sync/endpoint" && r.Method == http.MethodPut:
		route = "sync_endpoint"
	case r.URL.Path == "/v1/sync/flush" && r.Method == http.MethodPost:
		route = "sync_flush"
	case r.URL.Path == "/v1/sync/stream" && r.Method == http.MethodGet:
		route = "sync_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	s.log.Debug("api request", "route", route, "correlation_id", correlationID)
	switch route {
	case "records":
		s.handleRecords(w, correlationID)
	case "mark":
		s.handleMark(w, r, correlationID)
	case "mark_status":
		s.handleMarkStatus(w, r, correlationID)
	case "remove":
		s.handleRemove(w, r, correlationID)
	case "clear":
		s.handleClear(w, correlationID)
	case "sync_status":
		writeJSON(w, http.StatusOK, s.engine.Status())
	case "sync_endpoint":
		s.handleSetEndpoint(w, r, correlationID)
	case "sync_flush":
		s.handleFlush(w, correlationID)
	case "sync_stream":
		s.handleStream(w, r, correlationID)
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, correlationID string) {
	writeJSON(w, http.StatusOK, RecordsResponse{
		Records:    s.engine.Records(),
		Tombstones: s.engine.Tombstones(),
	})
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req attendance.MarkInput
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	record, err := s.engine.Mark(req)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, MarkResponse{Record: record, Pending: s.engine.Status().Pending})
}

func (s *Server) handleMarkStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req StatusUpdateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "status is required", correlationID)
		return
	}
	status, err := attendance.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return
	}
	updated, err := s.engine.BulkUpdateStatus(req.StudentIDs, status)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if updated == nil {
		updated = []attendance.Record{}
	}
	writeJSON(w, http.StatusOK, StatusUpdateResponse{Records: updated, Pending: s.engine.Status().Pending})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req RemoveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.StudentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "studentIds is required", correlationID)
		return
	}
	if err := s.engine.Remove(req.StudentIDs); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleClear(w http.ResponseWriter, correlationID string) {
	if err := s.engine.Clear(); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSetEndpoint(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req EndpointRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.engine.SetEndpoint(req.Endpoint); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleFlush(w http.ResponseWriter, correlationID string) {
	if err := s.engine.Flush(); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, s.engine.Status())
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	var validation *attendance.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "invalid_input", validation.Error(), correlationID)
	case errors.Is(err, attendance.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "engine is shutting down", correlationID)
	default:
		s.log.Error("engine action failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func newCorrelationID() string {
	return fmt.Sprintf("api_%d", time.Now().UnixNano())
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "request body is required", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, ErrorResponse{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
