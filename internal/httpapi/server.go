// Package httpapi exposes the synchronization engine over HTTP: record
// mutations run through the optimistic coordinator, admin routes inspect and
// reset circuit breakers, and lifecycle events stream over a websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/optimirror/internal/optimirror"
)

// RemoteFactory builds the single-shot upstream call for each mutation.
// *optimirror.RemoteClient satisfies it; tests substitute fakes.
type RemoteFactory interface {
	Create(dataType string, payload json.RawMessage, correlationID string) optimirror.RemoteOperation
	Update(dataType, id string, payload json.RawMessage, correlationID string) optimirror.RemoteOperation
	Delete(dataType, id, correlationID string) optimirror.RemoteOperation
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	coord       *optimirror.Coordinator
	remotes     RemoteFactory
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

func NewServer(coord *optimirror.Coordinator, remotes RemoteFactory) *Server {
	return NewServerWithConfig(coord, remotes, ServerConfig{})
}

func NewServerWithConfig(coord *optimirror.Coordinator, remotes RemoteFactory, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
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
		coord:       coord,
		remotes:     remotes,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "records" && r.Method == http.MethodGet:
		requiredScope = "records:read"
		route = "list_records"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "records" && r.Method == http.MethodPost:
		requiredScope = "records:write"
		route = "create_record"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "records" && r.Method == http.MethodGet:
		requiredScope = "records:read"
		route = "get_record"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "records" && r.Method == http.MethodPut:
		requiredScope = "records:write"
		route = "update_record"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "records" && r.Method == http.MethodDelete:
		requiredScope = "records:write"
		route = "delete_record"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "batch" && r.Method == http.MethodPost:
		requiredScope = "records:write"
		route = "batch"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "ops" && r.Method == http.MethodGet:
		requiredScope = "ops:read"
		route = "ops_list"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "breakers" && r.Method == http.MethodGet:
		requiredScope = "admin:breakers"
		route = "breakers"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "breakers" && parts[3] == "reset" && r.Method == http.MethodPost:
		requiredScope = "admin:breakers"
		route = "breakers_reset_all"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "breakers" && parts[4] == "reset" && r.Method == http.MethodPost:
		requiredScope = "admin:breakers"
		route = "breakers_reset"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list_records":
		s.handleListRecords(w, parts[2])
	case "create_record":
		s.handleCreateRecord(w, r, parts[2], correlationID)
	case "get_record":
		s.handleGetRecord(w, parts[2], parts[3], correlationID)
	case "update_record":
		s.handleUpdateRecord(w, r, parts[2], parts[3], correlationID)
	case "delete_record":
		s.handleDeleteRecord(w, r, parts[2], parts[3], correlationID)
	case "batch":
		s.handleBatch(w, r, correlationID)
	case "ops_list":
		s.handleOpsList(w)
	case "breakers":
		s.handleBreakers(w)
	case "breakers_reset_all":
		s.handleBreakersResetAll(w)
	case "breakers_reset":
		s.handleBreakersReset(w, parts[3])
	case "events_stream":
		s.handleEventStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListRecords(w http.ResponseWriter, dataType string) {
	records := s.coord.Store().List(dataType)
	writeJSON(w, http.StatusOK, map[string]any{
		"dataType": dataType,
		"records":  records,
		"count":    len(records),
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, dataType, id, correlationID string) {
	rec, ok := s.coord.Store().Get(dataType, id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request, dataType, correlationID string) {
	payload, ok := s.readJSONPayload(w, r, correlationID)
	if !ok {
		return
	}
	res := s.coord.Submit(r.Context(), optimirror.Submission{
		DataType:      dataType,
		Kind:          optimirror.OpCreate,
		Payload:       payload,
		Remote:        s.remotes.Create(dataType, payload, correlationID),
		CorrelationID: correlationID,
	})
	writeResult(w, res, http.StatusCreated)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request, dataType, id, correlationID string) {
	payload, ok := s.readJSONPayload(w, r, correlationID)
	if !ok {
		return
	}
	res := s.coord.Submit(r.Context(), optimirror.Submission{
		DataType:      dataType,
		RecordID:      id,
		Kind:          optimirror.OpUpdate,
		Payload:       payload,
		Remote:        s.remotes.Update(dataType, id, payload, correlationID),
		CorrelationID: correlationID,
	})
	writeResult(w, res, http.StatusOK)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request, dataType, id, correlationID string) {
	res := s.coord.Submit(r.Context(), optimirror.Submission{
		DataType:      dataType,
		RecordID:      id,
		Kind:          optimirror.OpDelete,
		Remote:        s.remotes.Delete(dataType, id, correlationID),
		CorrelationID: correlationID,
	})
	writeResult(w, res, http.StatusOK)
}

type batchOperationRequest struct {
	OperationID string          `json:"operationId,omitempty"`
	Kind        string          `json:"kind"`
	DataType    string          `json:"dataType"`
	RecordID    string          `json:"recordId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CircuitKey  string          `json:"circuitKey,omitempty"`
}

type batchRequest struct {
	Operations []batchOperationRequest `json:"operations"`
}

const maxBatchOperations = 100

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req batchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "operations must not be empty", correlationID)
		return
	}
	if len(req.Operations) > maxBatchOperations {
		writeError(w, http.StatusBadRequest, "bad_request", "too many operations in one batch", correlationID)
		return
	}

	subs := make([]optimirror.Submission, 0, len(req.Operations))
	for i, op := range req.Operations {
		sub := optimirror.Submission{
			OperationID:   op.OperationID,
			DataType:      op.DataType,
			RecordID:      op.RecordID,
			Payload:       op.Payload,
			CircuitKey:    op.CircuitKey,
			CorrelationID: correlationID,
		}
		switch optimirror.OperationKind(op.Kind) {
		case optimirror.OpCreate:
			sub.Kind = optimirror.OpCreate
			sub.Remote = s.remotes.Create(op.DataType, op.Payload, correlationID)
		case optimirror.OpUpdate:
			sub.Kind = optimirror.OpUpdate
			sub.Remote = s.remotes.Update(op.DataType, op.RecordID, op.Payload, correlationID)
		case optimirror.OpDelete:
			sub.Kind = optimirror.OpDelete
			sub.Remote = s.remotes.Delete(op.DataType, op.RecordID, correlationID)
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "invalid kind at operations["+strconv.Itoa(i)+"]", correlationID)
			return
		}
		subs = append(subs, sub)
	}

	batch := s.coord.SubmitBatch(r.Context(), subs)
	status := http.StatusOK
	if len(batch.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, batch)
}

func (s *Server) handleOpsList(w http.ResponseWriter) {
	ops := s.coord.PendingOperations()
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter) {
	stats := s.coord.Breakers().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": stats,
		"count":    len(stats),
	})
}

func (s *Server) handleBreakersResetAll(w http.ResponseWriter) {
	s.coord.Breakers().ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleBreakersReset(w http.ResponseWriter, key string) {
	s.coord.Breakers().Reset(key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "key": key})
}

// writeResult maps a coordinator outcome onto HTTP. Rolled-back mutations
// still return the full result body so callers see attempts and the error.
func writeResult(w http.ResponseWriter, res optimirror.Result, successStatus int) {
	if res.Success {
		writeJSON(w, successStatus, res)
		return
	}
	status := http.StatusBadGateway
	if strings.Contains(res.Error, optimirror.ErrCircuitOpen.Error()) {
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	} else if strings.Contains(res.Error, optimirror.ErrInvalidInput.Error()) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) readJSONPayload(w http.ResponseWriter, r *http.Request, correlationID string) (json.RawMessage, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return nil, false
	}
	return body, true
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
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
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
