// ABOUTME: One live chat connection: authorize, join the conversation bus, serve frames
// ABOUTME: A read pump hands messages to the send path; a write pump delivers bus events

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/store"
)

// State is where a session is in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthorized
	StateJoined
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorized:
		return "authorized"
	case StateJoined:
		return "joined"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is returned when an operation is called out of order.
var ErrInvalidState = errors.New("session: invalid state")

// Conversations is what a session needs from the conversation layer.
type Conversations interface {
	GetForUser(ctx context.Context, conversationID, userID string) (*store.Conversation, error)
	Send(ctx context.Context, conversationID, senderID, text string) (*store.Message, error)
}

// Metrics receives session counters.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	SessionRejected()
	FrameRejected()
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()   {}
func (noopMetrics) SessionClosed()   {}
func (noopMetrics) SessionRejected() {}
func (noopMetrics) FrameRejected()   {}

// Config holds connection timing and limits.
type Config struct {
	WriteTimeout   time.Duration // deadline for one outbound frame
	PongWait       time.Duration // how long a peer may stay silent
	PingInterval   time.Duration // must be less than PongWait
	MaxMessageSize int64
	ReplyBuffer    int
}

// DefaultConfig returns the production connection settings.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 64 * 1024,
		ReplyBuffer:    16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 10 / 9
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReplyBuffer <= 0 {
		c.ReplyBuffer = d.ReplyBuffer
	}
	return c
}

// Session is one participant connected to one conversation.
//
// States move Connecting -> Authorized -> Joined -> Closed, or
// Connecting -> Rejected -> Closed. Close is valid from any state.
type Session struct {
	ID             string
	UserID         string
	ConversationID string

	convs   Conversations
	bus     *conversation.GroupBus
	frames  *dedupe.Cache
	cfg     Config
	metrics Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	sub    *conversation.Subscription
	cancel context.CancelFunc
}

// Option configures a Session.
type Option func(*Session)

// WithDedupe acknowledges retransmitted client_id frames instead of storing them twice.
func WithDedupe(c *dedupe.Cache) Option {
	return func(s *Session) { s.frames = c }
}

// WithConfig sets connection timing.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg.withDefaults() }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a session in the Connecting state. userID is empty for
// anonymous callers.
func New(userID, conversationID string, convs Conversations, bus *conversation.GroupBus, opts ...Option) *Session {
	s := &Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		ConversationID: conversationID,
		convs:          convs,
		bus:            bus,
		cfg:            DefaultConfig(),
		metrics:        noopMetrics{},
		logger:         slog.Default(),
		state:          StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(
		"component", "session",
		"session_id", s.ID,
		"user_id", userID,
		"conversation_id", conversationID)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authorize checks the caller is a participant. Anonymous callers get
// UNAUTHENTICATED; non-participants and unknown conversations get NOT_FOUND.
// Either way the session moves to Rejected and nothing is subscribed.
func (s *Session) Authorize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return ErrInvalidState
	}

	if s.UserID == "" {
		s.rejectLocked("anonymous")
		return apperr.Unauthenticated("authentication required")
	}
	if _, err := s.convs.GetForUser(ctx, s.ConversationID, s.UserID); err != nil {
		s.rejectLocked(string(apperr.CodeOf(err)))
		return err
	}

	s.state = StateAuthorized
	return nil
}

func (s *Session) rejectLocked(reason string) {
	s.state = StateRejected
	s.metrics.SessionRejected()
	s.logger.Info("session rejected", "reason", reason)
}

// Join subscribes to the conversation bus. The subscription lives until
// Close, independent of ctx.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthorized {
		return ErrInvalidState
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.sub = s.bus.Subscribe(subCtx, s.ConversationID)
	s.cancel = cancel
	s.state = StateJoined

	s.metrics.SessionOpened()
	s.logger.Info("session joined")
	return nil
}

// Close leaves the bus and marks the session Closed. It is idempotent and
// valid from any state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	joined := s.state == StateJoined
	s.state = StateClosed

	if s.sub != nil {
		s.bus.Unsubscribe(s.ConversationID, s.sub.ID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if joined {
		s.metrics.SessionClosed()
		s.logger.Info("session closed")
	}
}

// Serve runs the connection until the peer disconnects, ctx is cancelled or
// the bus shuts down. It always closes conn and the session.
func (s *Session) Serve(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		conn.Close()
		return ErrInvalidState
	}
	sub := s.sub
	s.mu.Unlock()

	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan any, s.cfg.ReplyBuffer)

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return s.readPump(ctx, conn, replies)
	})
	g.Go(func() error {
		defer cancel()
		defer conn.Close()
		return s.writePump(ctx, conn, sub, replies)
	})
	return g.Wait()
}

// readPump handles inbound frames one at a time, in arrival order.
func (s *Session) readPump(ctx context.Context, conn *websocket.Conn, replies chan<- any) error {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return nil
		}

		var reply any
		if messageType != websocket.TextMessage {
			reply = s.reject("binary frames are not supported", "")
		} else {
			reply = s.handleFrame(ctx, data)
		}
		if reply == nil {
			continue
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return nil
		}
	}
}

// handleFrame returns the reply for one inbound frame, or nil for none.
func (s *Session) handleFrame(ctx context.Context, data []byte) any {
	var in InboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return s.reject("malformed frame: expected JSON object", "")
	}
	if in.Message == nil {
		return s.reject(`missing "message" field`, in.ClientID)
	}

	var key string
	if in.ClientID != "" && s.frames != nil {
		key = dedupe.Key(s.ConversationID, s.UserID, in.ClientID)
		if messageID, dup := s.frames.Claim(key); dup {
			s.logger.Debug("duplicate frame acknowledged", "client_id", in.ClientID)
			return AckFrame{Type: FrameAck, ClientID: in.ClientID, MessageID: messageID, Duplicate: true}
		}
	}

	msg, err := s.convs.Send(ctx, s.ConversationID, s.UserID, *in.Message)
	if err != nil {
		if key != "" {
			s.frames.Release(key)
		}
		s.logger.Error("failed to send message", "error", err)
		return s.reject(safeMessage(err), in.ClientID)
	}
	if key != "" {
		s.frames.Complete(key, msg.ID)
	}

	if in.ClientID == "" {
		return nil
	}
	return AckFrame{Type: FrameAck, ClientID: in.ClientID, MessageID: msg.ID}
}

func (s *Session) reject(reason, clientID string) ErrorFrame {
	s.metrics.FrameRejected()
	return ErrorFrame{Type: FrameError, Error: reason, ClientID: clientID}
}

// safeMessage returns the caller-safe part of an error.
func safeMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// writePump is the only writer on conn. It delivers bus events and replies
// and keeps the peer alive with pings.
func (s *Session) writePump(ctx context.Context, conn *websocket.Conn, sub *conversation.Subscription, replies <-chan any) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				// Bus shut down or session closed
				s.writeClose(conn, websocket.CloseGoingAway)
				return nil
			}
			if !s.writeJSON(conn, chatFrame(ev)) {
				return nil
			}

		case reply := <-replies:
			if !s.writeJSON(conn, reply) {
				return nil
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				return nil
			}

		case <-ctx.Done():
			s.writeClose(conn, websocket.CloseNormalClosure)
			return nil
		}
	}
}

// writeJSON reports whether the frame was written. A failed write means the
// peer is gone.
func (s *Session) writeJSON(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Debug("failed to write frame", "error", err)
		return false
	}
	return true
}

func (s *Session) writeClose(conn *websocket.Conn, code int) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
}
