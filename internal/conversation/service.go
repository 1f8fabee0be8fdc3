// ABOUTME: Conversation service, the single send path for chat messages
// ABOUTME: Record first, then act: persist, publish to the bus, then fan out notifications

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/store"
)

// Store defines what the service needs from storage
type Store interface {
	store.ConversationStore
	store.MessageStore
}

// Notifier is invoked after a message is committed and published.
// It must not block the caller for long and never fails the send.
type Notifier interface {
	OnMessageCreated(ctx context.Context, msg *store.Message, conv *store.Conversation)
}

// ServiceMetrics receives send path counters.
type ServiceMetrics interface {
	MessageSent()
	SendFailed()
	ConversationCreated()
}

type noopServiceMetrics struct{}

func (noopServiceMetrics) MessageSent()         {}
func (noopServiceMetrics) SendFailed()          {}
func (noopServiceMetrics) ConversationCreated() {}

// Summary is a conversation as listed for one viewer.
type Summary struct {
	Conversation *store.Conversation
	LastMessage  *store.Message // nil when the conversation is empty
	UnreadCount  int
}

// Detail is a conversation opened by one viewer, with its history.
type Detail struct {
	Summary
	Messages []*store.Message
}

// Service is the conversation layer used by both the WebSocket sessions and
// the HTTP API. Every message flows through Send.
type Service struct {
	store        Store
	bus          *GroupBus
	notifier     Notifier
	metrics      ServiceMetrics
	historyLimit int
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the post-commit notification hook.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ServiceMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHistoryLimit caps how many messages Open returns. 0 means all.
func WithHistoryLimit(n int) Option {
	return func(s *Service) { s.historyLimit = n }
}

// New creates a conversation service. Pass nil logger for default.
func New(st Store, bus *GroupBus, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   st,
		bus:     bus,
		metrics: noopServiceMetrics{},
		logger:  logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the conversation whose participants are exactly
// otherIDs plus the requester, creating it if none exists.
//
// Without strict participant sets in the store, two concurrent identical
// calls may both create a conversation. Later lookups return the oldest.
func (s *Service) GetOrCreate(ctx context.Context, requesterID string, otherIDs []string) (*store.Conversation, error) {
	if requesterID == "" {
		return nil, apperr.Unauthenticated("authentication required")
	}
	if len(store.NormalizeParticipants(otherIDs)) == 0 {
		return nil, apperr.Validation("at least one participant required",
			map[string]string{"participant_ids": "at least one participant required"})
	}
	participants := store.NormalizeParticipants(append(lo.Compact(otherIDs), requesterID))

	conv, err := s.store.FindConversationByParticipants(ctx, participants)
	if err == nil {
		s.logger.Debug("found existing conversation", "conversation_id", conv.ID)
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal("failed to look up conversation", err)
	}

	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:           uuid.New().String(),
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another request created the same participant set between our
		// lookup and insert
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := s.store.FindConversationByParticipants(ctx, participants)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, apperr.Internal("failed to create conversation", err)
	}

	s.metrics.ConversationCreated()
	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"participants", len(conv.Participants))
	return conv, nil
}

// GetForUser returns a conversation the user participates in. A missing
// conversation and one the user is not part of both yield NOT_FOUND.
func (s *Service) GetForUser(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.NotFound("conversation not found")
	}
	return conv, nil
}

// ListForUser returns the user's conversations, most recent activity first,
// each with its last message and the user's unread count.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Summary, error) {
	convs, err := s.store.ListConversationsForUser(ctx, userID, 0)
	if err != nil {
		return nil, apperr.Internal("failed to list conversations", err)
	}

	summaries := make([]*Summary, 0, len(convs))
	for _, conv := range convs {
		summary, err := s.summarize(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Summary returns one conversation as ListForUser would show it, without
// marking anything read.
func (s *Service) Summary(ctx context.Context, conversationID, userID string) (*Summary, error) {
	conv, err := s.GetForUser(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, conv, userID)
}

func (s *Service) summarize(ctx context.Context, conv *store.Conversation, viewerID string) (*Summary, error) {
	last, err := s.store.LastMessage(ctx, conv.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal("failed to load last message", err)
	}
	unread, err := s.store.UnreadCount(ctx, conv.ID, viewerID)
	if err != nil {
		return nil, apperr.Internal("failed to count unread messages", err)
	}
	return &Summary{Conversation: conv, LastMessage: last, UnreadCount: unread}, nil
}

// Open returns a conversation with its history and marks every message the
// viewer has not sent as read.
func (s *Service) Open(ctx context.Context, conversationID, userID string) (*Detail, error) {
	conv, err := s.GetForUser(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	if _, err := s.MarkRead(ctx, conv.ID, userID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID, s.historyLimit)
	if err != nil {
		return nil, apperr.Internal("failed to load messages", err)
	}
	summary, err := s.summarize(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	return &Detail{Summary: *summary, Messages: msgs}, nil
}

// MarkRead marks the other participants' messages read for userID and
// returns how many changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	n, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return 0, apperr.Internal("failed to mark messages read", err)
	}
	return n, nil
}

// Send records a message from senderID and then delivers it.
//
// Key principle: record first, then act. The message is persisted before it
// is published to the bus, and notifications fan out only after publishing.
// A persist failure returns an error and nothing is published or notified.
func (s *Service) Send(ctx context.Context, conversationID, senderID, text string) (*store.Message, error) {
	conv, err := s.GetForUser(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	msg, err := s.store.AppendMessage(ctx, conv.ID, senderID, text)
	if err != nil {
		s.metrics.SendFailed()
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Internal("failed to record message", err)
	}

	s.logger.Debug("message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender", senderID)

	s.bus.Publish(conv.ID, EventFromMessage(msg))
	s.metrics.MessageSent()

	if s.notifier != nil {
		s.notifier.OnMessageCreated(ctx, msg, conv)
	}

	return msg, nil
}
