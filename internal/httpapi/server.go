// Package httpapi serves a document store over HTTP: CRUD and queries as
// JSON, live queries over a websocket, and a health endpoint that clients
// probe for reachability.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/docstore"
)

const (
	listenBuffer       = 32
	listenWriteTimeout = 10 * time.Second
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AllowedOrigins lists origin patterns accepted on the listen socket.
	// Empty means same-origin only.
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	store       docstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
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

func NewServer(store docstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store docstore.Store, cfg ServerConfig) *Server {
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
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
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
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger.With("component", "httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	for i, p := range parts {
		if unescaped, err := url.PathUnescape(p); err == nil {
			parts[i] = unescaped
		}
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[1] == "docs" && r.Method == http.MethodGet:
		requiredScope = ScopeDocsRead
		route = "get_doc"
	case len(parts) == 4 && parts[1] == "docs" && r.Method == http.MethodPut:
		requiredScope = ScopeDocsWrite
		route = "set_doc"
	case len(parts) == 4 && parts[1] == "docs" && r.Method == http.MethodPatch:
		requiredScope = ScopeDocsWrite
		route = "update_doc"
	case len(parts) == 4 && parts[1] == "docs" && r.Method == http.MethodDelete:
		requiredScope = ScopeDocsWrite
		route = "delete_doc"
	case len(parts) == 3 && parts[1] == "docs" && r.Method == http.MethodPost:
		requiredScope = ScopeDocsWrite
		route = "add_doc"
	case len(parts) == 2 && parts[1] == "query" && r.Method == http.MethodPost:
		requiredScope = ScopeDocsRead
		route = "query"
	case len(parts) == 2 && parts[1] == "listen" && r.Method == http.MethodGet:
		requiredScope = ScopeDocsRead
		route = "listen"
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
	if correlationID == "" && route != "listen" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "get_doc":
		s.handleGetDoc(w, r, parts[2], parts[3], correlationID)
	case "set_doc":
		s.handleWriteDoc(w, r, parts[2], parts[3], false, correlationID)
	case "update_doc":
		s.handleWriteDoc(w, r, parts[2], parts[3], true, correlationID)
	case "delete_doc":
		s.handleDeleteDoc(w, r, parts[2], parts[3], correlationID)
	case "add_doc":
		s.handleAddDoc(w, r, parts[2], correlationID)
	case "query":
		s.handleQuery(w, r, correlationID)
	case "listen":
		s.handleListen(w, r, claims)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	doc, err := s.store.Get(r.Context(), docstore.Path(collection, id))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleWriteDoc(w http.ResponseWriter, r *http.Request, collection, id string, update bool, correlationID string) {
	var body docstore.WriteRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Fields == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing fields", correlationID)
		return
	}
	path := docstore.Path(collection, id)
	var err error
	if update {
		err = s.store.Update(r.Context(), path, body.Fields)
	} else {
		err = s.store.Set(r.Context(), path, body.Fields, body.Merge)
	}
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	if err := s.store.Delete(r.Context(), docstore.Path(collection, id)); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddDoc(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	var body docstore.WriteRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Fields == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing fields", correlationID)
		return
	}
	id, err := s.store.Add(r.Context(), collection, body.Fields)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, docstore.AddResponse{ID: id})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, correlationID string) {
	var q docstore.Query
	if !s.decodeJSONBody(w, r, correlationID, &q) {
		return
	}
	docs, err := s.store.Query(r.Context(), q)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	writeJSON(w, http.StatusOK, docstore.QueryResponse{Documents: docs})
}

// handleListen streams snapshots of one query until either side goes away.
// A client that cannot keep up is disconnected rather than buffered.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "subject", claims.Subject, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	ctx := r.Context()
	var req docstore.ListenRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		return
	}
	if err := req.Query.Validate(); err != nil {
		_ = wsjson.Write(ctx, conn, docstore.ListenFrame{Error: err.Error()})
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid query")
		return
	}
	ctx = conn.CloseRead(ctx)

	frames := make(chan docstore.ListenFrame, listenBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	push := func(f docstore.ListenFrame) {
		select {
		case frames <- f:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	}
	cancel := s.store.Subscribe(req.Query, docstore.SubscribeOptions{IncludeMetadataChanges: req.IncludeMetadataChanges}, docstore.Observer{
		Next:  func(snap docstore.Snapshot) { push(docstore.ListenFrame{Snapshot: &snap}) },
		Error: func(err error) { push(docstore.ListenFrame{Error: err.Error()}) },
	})
	defer cancel()
	s.logger.Debug("listener attached", "subject", claims.Subject, "collection", req.Query.Collection)

	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			s.logger.Warn("listener too slow; closing", "subject", claims.Subject, "collection", req.Query.Collection)
			_ = conn.Close(websocket.StatusTryAgainLater, "listener too slow")
			return
		case f := <-frames:
			writeCtx, cancelWrite := context.WithTimeout(ctx, listenWriteTimeout)
			err := wsjson.Write(writeCtx, conn, f)
			cancelWrite()
			if err != nil {
				return
			}
			if f.Error != "" {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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
