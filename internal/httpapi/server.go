// Package httpapi serves the importer's trigger API: health, metrics,
// starting a run, run history and a live stream of run events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/runlog"
	"github.com/datim/mechsync/internal/runner"
)

// Syncer starts runs and reports on them.
type Syncer interface {
	Start(ctx context.Context, trigger string) (runlog.Run, error)
	Active() (string, bool)
	Subscribe() (<-chan runner.Event, func())
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on /v1 routes.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Metrics         http.Handler
	Logger          *slog.Logger
	// BaseContext bounds runs started over HTTP; they outlive the request.
	BaseContext context.Context
}

type Server struct {
	syncer      Syncer
	store       runlog.Store
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

const (
	defaultRunLimit = 50
	maxRunLimit     = 1000
	streamWriteWait = 5 * time.Second
)

func NewServer(syncer Syncer, store runlog.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{syncer: syncer, store: store, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w)
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var route string
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "sync" && r.Method == http.MethodPost:
		route = "sync"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "runs" && r.Method == http.MethodGet:
		route = "runs"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "runs" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "runs" && r.Method == http.MethodGet:
		route = "run"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if authErr := authorizeBearer(r, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	switch route {
	case "sync":
		s.handleSync(w, r)
	case "runs":
		s.handleRuns(w, r)
	case "stream":
		s.handleStream(w, r)
	case "run":
		s.handleRun(w, r, parts[2])
	}
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	resp := map[string]any{"status": "ok", "running": false}
	if id, ok := s.syncer.Active(); ok {
		resp["running"] = true
		resp["activeRun"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	trigger := "http"
	if correlationID != "" {
		trigger = "http:" + correlationID
	}
	run, err := s.syncer.Start(s.cfg.BaseContext, trigger)
	switch {
	case errors.Is(err, runner.ErrBusy), errors.Is(err, runner.ErrLocked):
		resp := map[string]any{"code": "conflict", "message": err.Error(), "correlationId": correlationID}
		if id, ok := s.syncer.Active(); ok {
			resp["activeRun"] = id
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	case err != nil:
		s.cfg.Logger.Error("start sync run", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), defaultRunLimit, 1, maxRunLimit)
	runs, err := s.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := s.store.Get(r.Context(), id)
	if errors.Is(err, runlog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found", getCorrelationID(r))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleStream upgrades to a websocket and forwards run events until the
// client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.syncer.Subscribe()
	defer unsubscribe()

	// Nothing is read from the client; CloseRead handles control frames
	// and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
