// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// The Fail* fields inject errors into the matching operations.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	keys          map[string]string        // participant key -> conversation ID (strict mode)
	messages      map[string][]*Message    // keyed by conversation ID
	notifications []*Notification
	seq           int64

	Strict bool

	FailAppend        error
	FailNotifications error
	FailPing          error

	// Now overrides time.Now when set
	Now func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		keys:          make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

func (m *MockStore) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv.Participants = NormalizeParticipants(conv.Participants)
	if len(conv.Participants) == 0 {
		return errors.New("conversation needs at least one participant")
	}

	key := ParticipantKey(conv.Participants)
	if m.Strict {
		if _, exists := m.keys[key]; exists {
			return ErrDuplicateConversation
		}
		m.keys[key] = conv.ID
	}

	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// FindConversationByParticipants returns the oldest conversation with exactly
// the given participant set.
func (m *MockStore) FindConversationByParticipants(ctx context.Context, participants []string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := ParticipantKey(participants)
	var found *Conversation
	for _, c := range m.conversations {
		if ParticipantKey(c.Participants) != key {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) ||
			(c.CreatedAt.Equal(found.CreatedAt) && c.ID < found.ID) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyConversation(found), nil
}

// ListConversationsForUser returns the user's conversations, most recent activity first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			out = append(out, copyConversation(c))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMessage adds a message and bumps the conversation's last activity.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend != nil {
		return nil, m.FailAppend
	}

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	createdAt := m.now()
	if msgs := m.messages[conversationID]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].CreatedAt; createdAt.Before(last) {
			createdAt = last
		}
	}

	m.seq++
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         senderID,
		Text:           text,
		CreatedAt:      createdAt,
		Seq:            m.seq,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	c.UpdatedAt = createdAt

	cp := *msg
	return &cp, nil
}

// ListMessages returns messages oldest first, limited to the newest `limit`
// when limit is positive.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// LastMessage returns the newest message of a conversation.
func (m *MockStore) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	cp := *msgs[len(msgs)-1]
	return &cp, nil
}

// MarkRead flags other participants' unread messages as read.
func (m *MockStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages[conversationID] {
		if !msg.Read && msg.Sender != readerID {
			msg.Read = true
			n++
		}
	}
	return n, nil
}

// UnreadCount counts other participants' unread messages.
func (m *MockStore) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msg := range m.messages[conversationID] {
		if !msg.Read && msg.Sender != viewerID {
			count++
		}
	}
	return count, nil
}

// SaveNotification stores a notification.
func (m *MockStore) SaveNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNotifications != nil {
		return m.FailNotifications
	}
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (m *MockStore) ListNotifications(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if n := m.notifications[i]; n.Recipient == recipient {
			cp := *n
			out = append(out, &cp)
		}
	}
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping reports FailPing.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.FailPing
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
