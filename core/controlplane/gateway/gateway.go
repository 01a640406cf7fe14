// Package gateway serves the lock and version HTTP API.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/davlock/core/dav"
	"github.com/cordum/davlock/core/infra/buildinfo"
	"github.com/cordum/davlock/core/infra/logging"
	infraMetrics "github.com/cordum/davlock/core/infra/metrics"
	"github.com/cordum/davlock/core/resource"
	"github.com/gorilla/websocket"
)

const (
	maxBodyBytes          = 64 << 10
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	shutdownTimeout       = 10 * time.Second
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "davlock-api-key"
)

const (
	envRateLimitRPS   = "DAVLOCK_RATE_LIMIT_RPS"
	envRateLimitBurst = "DAVLOCK_RATE_LIMIT_BURST"
	envAllowedOrigins = "DAVLOCK_ALLOWED_ORIGINS"
)

// Server exposes a resource.Gateway over HTTP.
type Server struct {
	gw      *resource.Gateway
	auth    AuthProvider
	metrics infraMetrics.GatewayMetrics
	hub     *Hub
	dav     http.Handler
	started time.Time
}

type Option func(*Server)

func WithAuth(auth AuthProvider) Option {
	return func(s *Server) { s.auth = auth }
}

func WithMetrics(m infraMetrics.GatewayMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHub serves the change stream from hub.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithDAV mounts a WebDAV handler under /dav/.
func WithDAV(h http.Handler) Option {
	return func(s *Server) { s.dav = h }
}

func New(gw *resource.Gateway, opts ...Option) *Server {
	s := &Server{gw: gw, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv(envRateLimitRPS); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv(envRateLimitBurst); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

var apiLimiter = newTokenBucketFromEnv()

// Handler returns the routed API behind the CORS, rate limit and auth chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("GET /api/v1/locks", s.instrumented("/api/v1/locks", s.handleGetLocks))
	mux.HandleFunc("POST /api/v1/locks/acquire", s.instrumented("/api/v1/locks/acquire", s.handleAcquireLock))
	mux.HandleFunc("POST /api/v1/locks/release", s.instrumented("/api/v1/locks/release", s.handleReleaseLock))
	mux.HandleFunc("POST /api/v1/locks/renew", s.instrumented("/api/v1/locks/renew", s.handleRenewLock))
	mux.HandleFunc("POST /api/v1/locks/authorize", s.instrumented("/api/v1/locks/authorize", s.handleAuthorize))

	mux.HandleFunc("GET /api/v1/versions", s.instrumented("/api/v1/versions", s.handleGetVersion))
	mux.HandleFunc("POST /api/v1/versions/bump", s.instrumented("/api/v1/versions/bump", s.handleBumpVersion))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	if s.dav != nil {
		mux.Handle("/dav/", s.instrumented("/dav/", s.dav.ServeHTTP))
	}

	return corsMiddleware(rateLimitMiddleware(apiKeyMiddleware(s.auth, mux)))
}

// Run serves the API on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logging.Info("gateway", "http listening", "addr", addr)
	return serve(ctx, srv)
}

// RunMetrics serves Prometheus metrics on addr until ctx is done.
func RunMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logging.Info("gateway", "metrics listening", "addr", addr+"/metrics")
	return serve(ctx, srv)
}

func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error("gateway", "http server error", "addr", srv.Addr, "error", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":          buildinfo.Info(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"stream_clients": s.hub.Len(),
	})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var se *dav.StorageError
	switch {
	case errors.Is(err, dav.ErrInvalidResource):
		status = http.StatusBadRequest
	case errors.Is(err, dav.ErrLocked):
		status = http.StatusLocked
	case errors.Is(err, dav.ErrPreconditionFailed):
		status = http.StatusPreconditionFailed
	case errors.As(err, &se):
		status = http.StatusServiceUnavailable
		if se.Committed {
			status = http.StatusInternalServerError
		}
	}
	if status >= http.StatusInternalServerError {
		logging.Error("gateway", "request failed", "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization, Lock-Token")
		w.Header().Set("Access-Control-Expose-Headers", "Lock-Token, ETag")
		if r.Method == http.MethodOptions && strings.HasPrefix(r.URL.Path, "/api/") {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	raw := strings.TrimSpace(os.Getenv(envAllowedOrigins))
	if raw == "" {
		return nil, false
	}
	if raw == "*" {
		return nil, true
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			set[p] = struct{}{}
		}
	}
	return set, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

func rateLimitMiddleware(next http.Handler) http.Handler {
	if apiLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !apiLimiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces auth on /api/ and injects the auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			logging.Debug("gateway", "unauthorized request", "path", r.URL.Path, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}
