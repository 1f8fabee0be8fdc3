// ABOUTME: HTTP API handlers for conversations, messages and notifications
// ABOUTME: Every message created here goes through the same send path as the WebSocket

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Conversations is what the API needs from the conversation layer.
type Conversations interface {
	GetOrCreate(ctx context.Context, requesterID string, otherIDs []string) (*store.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*conversation.Summary, error)
	Summary(ctx context.Context, conversationID, userID string) (*conversation.Summary, error)
	Open(ctx context.Context, conversationID, userID string) (*conversation.Detail, error)
	Send(ctx context.Context, conversationID, senderID, text string) (*store.Message, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
// The caller is always a participant and need not be listed.
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,dive,required"`
}

// CreateMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
// Text is a pointer so an empty message is accepted and a missing one is not.
type CreateMessageRequest struct {
	Text *string `json:"text" validate:"required"`
}

// MessageResponse is one message as returned by the API.
type MessageResponse struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Read      bool   `json:"read"`
}

// ConversationResponse is a conversation as seen by the caller.
type ConversationResponse struct {
	ID           string           `json:"id"`
	Participants []string         `json:"participants"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	LastMessage  *MessageResponse `json:"last_message"`
	UnreadCount  int              `json:"unread_count"`
}

// ConversationDetailResponse is the JSON response for GET /api/conversations/{id}.
type ConversationDetailResponse struct {
	ConversationResponse
	Messages []MessageResponse `json:"messages"`
}

// NotificationResponse is one notification for the caller.
type NotificationResponse struct {
	ID                   string `json:"id"`
	Actor                string `json:"actor"`
	Verb                 string `json:"verb"`
	TargetConversationID string `json:"target_conversation_id"`
	Description          string `json:"description"`
	CreatedAt            string `json:"created_at"`
}

// Handlers serves the /api routes.
type Handlers struct {
	convs         Conversations
	notifications store.NotificationStore
	logger        *slog.Logger
}

// NewHandlers creates the API handlers. notifications may be nil when
// notifications are not stored; the listing is then always empty.
func NewHandlers(convs Conversations, notifications store.NotificationStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		convs:         convs,
		notifications: notifications,
		logger:        logger.With("component", "api"),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		Sender:    m.Sender,
		Text:      m.Text,
		CreatedAt: formatTime(m.CreatedAt),
		Read:      m.Read,
	}
}

func toConversationResponse(s *conversation.Summary) ConversationResponse {
	resp := ConversationResponse{
		ID:           s.Conversation.ID,
		Participants: s.Conversation.Participants,
		CreatedAt:    formatTime(s.Conversation.CreatedAt),
		UpdatedAt:    formatTime(s.Conversation.UpdatedAt),
		UnreadCount:  s.UnreadCount,
	}
	if s.LastMessage != nil {
		last := toMessageResponse(s.LastMessage)
		resp.LastMessage = &last
	}
	return resp
}

func decodeJSON(r *http.Request, w http.ResponseWriter, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return malformed(err)
	}
	return validateRequest(dst)
}

// handleListConversations handles GET /api/conversations.
func (h *Handlers) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.convs.ListForUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response := lo.Map(summaries, func(s *conversation.Summary, _ int) ConversationResponse {
		return toConversationResponse(s)
	})
	writeJSON(w, http.StatusOK, response)
}

// handleCreateConversation handles POST /api/conversations. It returns the
// existing conversation when one already has exactly these participants.
func (h *Handlers) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	userID := auth.UserID(r.Context())
	conv, err := h.convs.GetOrCreate(r.Context(), userID, req.ParticipantIDs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	summary, err := h.convs.Summary(r.Context(), conv.ID, userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(summary))
}

// handleGetConversation handles GET /api/conversations/{id}. Opening a
// conversation marks the other participants' messages read for the caller.
func (h *Handlers) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	detail, err := h.convs.Open(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response := ConversationDetailResponse{
		ConversationResponse: toConversationResponse(&detail.Summary),
		Messages: lo.Map(detail.Messages, func(m *store.Message, _ int) MessageResponse {
			return toMessageResponse(m)
		}),
	}
	writeJSON(w, http.StatusOK, response)
}

// handleCreateMessage handles POST /api/conversations/{id}/messages.
func (h *Handlers) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	msg, err := h.convs.Send(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), *req.Text)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// handleListNotifications handles GET /api/notifications.
// Supports an optional ?limit=N (default 50, max 1000).
func (h *Handlers) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			writeError(w, r, h.logger, apperr.Validation("Validation failed.",
				map[string]string{"limit": "limit must be a positive integer"}))
			return
		}
		limit = min(parsed, 1000)
	}

	response := []NotificationResponse{}
	if h.notifications != nil {
		notes, err := h.notifications.ListNotifications(r.Context(), auth.UserID(r.Context()), limit)
		if err != nil {
			writeError(w, r, h.logger, apperr.Internal("failed to list notifications", err))
			return
		}
		response = lo.Map(notes, func(n *store.Notification, _ int) NotificationResponse {
			return NotificationResponse{
				ID:                   n.ID,
				Actor:                n.Actor,
				Verb:                 n.Verb,
				TargetConversationID: n.TargetConversationID,
				Description:          n.Description,
				CreatedAt:            formatTime(n.CreatedAt),
			}
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleUnauthenticated rejects anonymous /api requests.
func (h *Handlers) handleUnauthenticated(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, h.logger, apperr.Unauthenticated("authentication credentials were not provided"))
}
