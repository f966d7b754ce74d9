package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/feed"
)

type ServerConfig struct {
	// DeviceToken guards the sync routes; empty disables auth for local
	// development.
	DeviceToken     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxBatchOps     int
	ChangePageSize  int
}

// Applier is the engine surface the API depends on.
type Applier interface {
	Apply(ctx context.Context, env envelope.Envelope) envelope.ApplyResult
	ApplyBatch(ctx context.Context, envs []envelope.Envelope) []envelope.ApplyResult
}

type Server struct {
	applier     Applier
	log         *feed.Log
	hub         *feed.Hub
	cfg         ServerConfig
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

func NewServer(applier Applier, log *feed.Log, hub *feed.Hub, cfg ServerConfig) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxBatchOps <= 0 {
		cfg.MaxBatchOps = 100
	}
	if cfg.ChangePageSize <= 0 {
		cfg.ChangePageSize = 200
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{applier: applier, log: log, hub: hub, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/v1/sync/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	correlationID := getCorrelationID(r)
	if !s.authorize(w, r, correlationID) {
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", correlationID)
		return
	}

	switch {
	case r.URL.Path == "/v1/sync/apply" && r.Method == http.MethodPost:
		s.handleApply(w, r, correlationID)
	case r.URL.Path == "/v1/sync/batch" && r.Method == http.MethodPost:
		s.handleBatch(w, r, correlationID)
	case r.URL.Path == "/v1/sync/changes" && r.Method == http.MethodGet:
		s.handleChanges(w, r, correlationID)
	case r.URL.Path == "/v1/sync/feed" && r.Method == http.MethodGet:
		s.handleFeed(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.cfg.DeviceToken == "" {
		return true
	}
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		// browser websocket clients cannot set headers
		token = r.URL.Query().Get("token")
	}
	if token != s.cfg.DeviceToken {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid device token", correlationID)
		return false
	}
	return true
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	env, err := envelope.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope.ApplyResult{OpID: rawOpID(body), Message: err.Error()})
		return
	}
	result := s.applier.Apply(r.Context(), env)
	writeJSON(w, applyStatus(result), result)
}

func applyStatus(result envelope.ApplyResult) int {
	switch {
	case result.OK:
		return http.StatusOK
	case result.Retryable:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

type batchRequest struct {
	Ops json.RawMessage `json:"ops"`
}

type batchOp struct {
	Envelope json.RawMessage `json:"envelope"`
	// Preview is accepted for wire compatibility with older agents and
	// carries no server-side behavior.
	Preview *struct {
		Method string `json:"method"`
		Path   string `json:"path"`
	} `json:"preview,omitempty"`
}

type batchResponse struct {
	Results []envelope.ApplyResult `json:"results"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be a JSON object", correlationID)
		return
	}
	if len(req.Ops) == 0 || string(req.Ops) == "null" {
		writeError(w, http.StatusBadRequest, "invalid_body", "ops is required", correlationID)
		return
	}
	var ops []batchOp
	if err := json.Unmarshal(req.Ops, &ops); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "ops must be an array", correlationID)
		return
	}
	if len(ops) > s.cfg.MaxBatchOps {
		writeError(w, http.StatusBadRequest, "batch_too_large",
			fmt.Sprintf("batch exceeds %d ops", s.cfg.MaxBatchOps), correlationID)
		return
	}

	// per-op decode failures become per-op results: a malformed sibling
	// must not abort the rest of the batch
	envs := make([]envelope.Envelope, len(ops))
	decodeFailures := map[int]envelope.ApplyResult{}
	for i, op := range ops {
		if len(op.Envelope) == 0 {
			decodeFailures[i] = envelope.ApplyResult{Message: "envelope is required"}
			continue
		}
		env, err := envelope.Decode(op.Envelope)
		if err != nil {
			decodeFailures[i] = envelope.ApplyResult{OpID: rawOpID(op.Envelope), Message: err.Error()}
			continue
		}
		envs[i] = env
	}

	toApply := make([]envelope.Envelope, 0, len(envs))
	applyIdx := make([]int, 0, len(envs))
	for i := range envs {
		if _, failed := decodeFailures[i]; !failed {
			toApply = append(toApply, envs[i])
			applyIdx = append(applyIdx, i)
		}
	}
	applied := s.applier.ApplyBatch(r.Context(), toApply)

	results := make([]envelope.ApplyResult, len(ops))
	for i, res := range decodeFailures {
		results[i] = res
	}
	for j, res := range applied {
		results[applyIdx[j]] = res
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

type changesResponse struct {
	Changes []feed.Change `json:"changes"`
	// Watermark is the seq of the last returned change, or the request's
	// since when nothing newer exists.
	Watermark int64 `json:"watermark"`
	HasMore   bool  `json:"hasMore"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, correlationID string) {
	since := parseBoundedInt64(r.URL.Query().Get("since"), 0, 0, 1<<62)
	limit := parseBoundedInt(r.URL.Query().Get("limit"), s.cfg.ChangePageSize, 1, 500)
	changes, err := s.log.After(r.Context(), since, limit+1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), correlationID)
		return
	}
	resp := changesResponse{Watermark: since}
	if len(changes) > limit {
		resp.HasMore = true
		changes = changes[:limit]
	}
	resp.Changes = changes
	if len(changes) > 0 {
		resp.Watermark = changes[len(changes)-1].Seq
	}
	if resp.Changes == nil {
		resp.Changes = []feed.Change{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", correlationID)
		return nil, false
	}
	return body, true
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
}

// rawOpID pulls the op id out of an envelope that failed validation, so the
// failure result still correlates with the submitted op.
func rawOpID(data []byte) string {
	var partial struct {
		OpID string `json:"opId"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return strings.TrimSpace(partial.OpID)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	if device := strings.TrimSpace(r.URL.Query().Get("device")); device != "" {
		return device
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return fallback
	}
	return value
}

func parseBoundedInt64(raw string, fallback, min, max int64) int64 {
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < min || value > max {
		return fallback
	}
	return value
}
