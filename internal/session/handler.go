// ABOUTME: HTTP handler for GET /ws/conversations/{id}
// ABOUTME: Authorizes and joins before the upgrade so rejected callers never get a socket

package session

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
)

// RejectFunc writes the HTTP response for a refused upgrade.
type RejectFunc func(w http.ResponseWriter, r *http.Request, err error)

// Handler upgrades authorized participants to a chat session.
type Handler struct {
	convs    Conversations
	bus      *conversation.GroupBus
	frames   *dedupe.Cache
	cfg      Config
	metrics  Metrics
	reject   RejectFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// HandlerOptions configures a Handler. Zero values pick defaults.
type HandlerOptions struct {
	Config      Config
	Dedupe      *dedupe.Cache
	Metrics     Metrics
	Reject      RejectFunc
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(convs Conversations, bus *conversation.GroupBus, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reject := opts.Reject
	if reject == nil {
		reject = defaultReject
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		// Browser clients authenticate with a bearer token, not cookies
		checkOrigin = func(*http.Request) bool { return true }
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Handler{
		convs:   convs,
		bus:     bus,
		frames:  opts.Dedupe,
		cfg:     opts.Config.withDefaults(),
		metrics: metrics,
		reject:  reject,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// StatusFor maps a refused upgrade to its HTTP status. Non-participants get
// 403 whether or not the conversation exists.
func StatusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeNotFound, apperr.CodePermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func defaultReject(w http.ResponseWriter, r *http.Request, err error) {
	http.Error(w, http.StatusText(StatusFor(err)), StatusFor(err))
}

// ServeHTTP handles GET /ws/conversations/{id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := New(auth.UserID(r.Context()), chi.URLParam(r, "id"), h.convs, h.bus,
		WithConfig(h.cfg),
		WithDedupe(h.frames),
		WithMetrics(h.metrics),
		WithLogger(h.logger))

	if err := sess.Authorize(r.Context()); err != nil {
		sess.Close()
		h.reject(w, r, err)
		return
	}
	if err := sess.Join(r.Context()); err != nil {
		sess.Close()
		h.reject(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		sess.Close()
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	if err := sess.Serve(r.Context(), conn); err != nil {
		h.logger.Debug("session ended with error", "session_id", sess.ID, "error", err)
	}
}
