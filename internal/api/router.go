// ABOUTME: chi router for the coven-chat HTTP surface
// ABOUTME: Mounts the REST API, the chat WebSocket, health probes and metrics

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/metrics"
)

// readyTimeout bounds the store ping behind /health/ready.
const readyTimeout = 2 * time.Second

// RouterOptions wires the router's collaborators. Sessions, Metrics and
// Ready may be nil.
type RouterOptions struct {
	Handlers    *Handlers
	Identity    auth.IdentityProvider
	Sessions    http.Handler // GET /ws/conversations/{id}
	Ready       Pinger
	Metrics     *metrics.Collector
	MetricsPath string
	Logger      *slog.Logger
}

// NewRouter builds the HTTP handler for the whole server.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger.With("component", "http")))
	r.Use(chimiddleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	r.Get("/health", handleHealth)
	r.Get("/health/ready", handleReady(opts.Ready, logger))
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(opts.Identity))

		if opts.Sessions != nil {
			// The session handler answers anonymous callers itself, before upgrading
			r.Method(http.MethodGet, "/ws/conversations/{id}", opts.Sessions)
		}

		r.Route("/api", func(r chi.Router) {
			h := opts.Handlers
			r.Use(auth.RequireIdentity(h.handleUnauthenticated))

			r.Get("/conversations", h.handleListConversations)
			r.Post("/conversations", h.handleCreateConversation)
			r.Get("/conversations/{id}", h.handleGetConversation)
			r.Post("/conversations/{id}/messages", h.handleCreateMessage)
			r.Get("/notifications", h.handleListNotifications)
		})
	})

	return r
}

// handleHealth handles GET /health.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady handles GET /health/ready by pinging the store.
func handleReady(p Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// requestLogger logs one line per request at debug, or warn for server errors.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr)
		})
	}
}
