// ABOUTME: Store interfaces and data types for coven-chat persistence
// ABOUTME: Defines Conversation, Message, Notification and the storage contracts

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned in strict mode when a conversation with
// the same participant set already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// NotificationVerbMessage is the verb recorded on message notifications
const NotificationVerbMessage = "sent you a message"

// Conversation groups a fixed set of participants and their messages.
type Conversation struct {
	ID           string
	Participants []string // sorted, unique, never empty
	CreatedAt    time.Time
	UpdatedAt    time.Time // last activity, bumped on every appended message
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	_, found := slices.BinarySearch(c.Participants, userID)
	return found
}

// Message is a single entry of a conversation log. Only Read ever changes.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Text           string
	CreatedAt      time.Time
	Read           bool
	Seq            int64 // insertion sequence, breaks CreatedAt ties
}

// Notification tells a recipient that an actor did something in a conversation.
type Notification struct {
	ID                   string
	Recipient            string
	Actor                string
	Verb                 string
	TargetConversationID string
	Description          string
	CreatedAt            time.Time
}

// NormalizeParticipants drops empty ids and returns the sorted unique set.
func NormalizeParticipants(ids []string) []string {
	set := lo.Uniq(lo.Compact(ids))
	slices.Sort(set)
	return set
}

// ParticipantKey returns the canonical key for a participant set. Two sets are
// equal exactly when their keys are equal. The key is the JSON array of the
// normalized ids, so no identity can be mistaken for a separator.
func ParticipantKey(ids []string) string {
	key, err := json.Marshal(NormalizeParticipants(ids))
	if err != nil {
		// A []string always marshals
		panic(fmt.Sprintf("store: encoding participant key: %v", err))
	}
	return string(key)
}

// ConversationStore persists conversations and looks them up by participant set.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversationByParticipants(ctx context.Context, participants []string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*Conversation, error)
}

// MessageStore is the conversation-scoped append-only message log.
// Callers are trusted to have checked membership before appending.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	LastMessage(ctx context.Context, conversationID string) (*Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error)
}

// NotificationStore keeps notifications produced by the fanout.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, recipient string, limit int) ([]*Notification, error)
}

// Store is everything the chat server persists.
type Store interface {
	ConversationStore
	MessageStore
	NotificationStore

	// Ping checks the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the default and maximum page sizes of the notifications listing.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
