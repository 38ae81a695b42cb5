package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayspace/internal/relayspace"
	"github.com/agentworkforce/relayspace/internal/session"
)

type ServerConfig struct {
	AdminToken      string
	OriginPatterns  []string
	MaxFrameBytes   int64
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// SessionStarter turns an accepted connection into a running session.
type SessionStarter func(ctx context.Context, conn session.Conn) (*session.Session, error)

type Deps struct {
	Sessions SessionStarter
	Backup   session.BackupTrigger
	Files    *relayspace.Files
	Metrics  http.Handler
	Stats    func() map[string]any
	Logger   zerolog.Logger
}

type Server struct {
	cfg         ServerConfig
	deps        Deps
	log         zerolog.Logger
	rateLimiter *rateLimiter

	ctx    context.Context
	cancel context.CancelFunc
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

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter: limiter,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close ends every websocket session served so far. Plain HTTP requests
// are left to http.Server.Shutdown.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.deps.Metrics != nil:
		s.deps.Metrics.ServeHTTP(w, r)
	case r.URL.Path == "/v1/ws" && r.Method == http.MethodGet:
		s.handleSession(w, r)
	case r.URL.Path == "/v1/admin/backup" && r.Method == http.MethodPost:
		s.handleAdminBackup(w, r)
	case r.URL.Path == "/v1/admin/stats" && r.Method == http.MethodGet:
		s.handleAdminStats(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/files/") && r.Method == http.MethodGet:
		s.handleFile(w, r, strings.TrimPrefix(r.URL.Path, "/v1/files/"))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sessions are not enabled", getCorrelationID(r))
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		// Accept has already written the failure response
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	sess, err := s.deps.Sessions(ctx, session.WebSocket(ws, s.cfg.MaxFrameBytes))
	if err != nil {
		s.log.Error().Err(err).Msg("start session")
		_ = ws.Close(websocket.StatusTryAgainLater, "server unavailable")
		return
	}
	s.log.Debug().Uint64("session", sess.ID()).Str("remote", r.RemoteAddr).Msg("session started")
	<-sess.Done()
}

func (s *Server) handleAdminBackup(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.deps.Backup == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "backups are not configured", correlationID)
		return
	}
	s.log.Warn().Str("remote", r.RemoteAddr).Msg("backup and shutdown requested over http")
	s.deps.Backup.Trigger(relayspace.TriggerHTTP)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "backup_scheduled"})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	stats := map[string]any{}
	if s.deps.Stats != nil {
		stats = s.deps.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleFile serves a stored blob by its content address.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, sum string) {
	correlationID := getCorrelationID(r)
	if s.deps.Files == nil || !validBlobHash(sum) {
		writeError(w, http.StatusNotFound, "not_found", "file not found", correlationID)
		return
	}
	f, err := os.Open(s.deps.Files.Path(sum))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error().Err(err).Str("sha256", sum).Msg("open blob")
		}
		writeError(w, http.StatusNotFound, "not_found", "file not found", correlationID)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "cannot read file", correlationID)
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "cannot read file", correlationID)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(head[:n]))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", strconv.Quote(sum))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func validBlobHash(sum string) bool {
	if len(sum) != 64 {
		return false
	}
	_, err := hex.DecodeString(sum)
	return err == nil && strings.ToLower(sum) == sum
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
