// ABOUTME: In-memory fan-out bus keyed by conversation ID
// ABOUTME: Delivers persisted chat messages to every live session of a conversation

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

// DefaultSubscriberBuffer is the channel buffer for each subscriber.
const DefaultSubscriberBuffer = 64

// EventTypeChatMessage is the only event type the bus carries today.
const EventTypeChatMessage = "chat_message"

// Event is a persisted message as seen by live sessions.
type Event struct {
	Type           string
	ConversationID string
	MessageID      string
	Message        string
	Sender         string
	Timestamp      time.Time
	Seq            int64
}

// EventFromMessage builds the bus event for a stored message.
func EventFromMessage(msg *store.Message) *Event {
	return &Event{
		Type:           EventTypeChatMessage,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        msg.Text,
		Sender:         msg.Sender,
		Timestamp:      msg.CreatedAt,
		Seq:            msg.Seq,
	}
}

// BusMetrics receives bus delivery counters.
type BusMetrics interface {
	EventDelivered()
	EventDropped()
	SubscribersChanged(delta int)
}

type noopBusMetrics struct{}

func (noopBusMetrics) EventDelivered()        {}
func (noopBusMetrics) EventDropped()          {}
func (noopBusMetrics) SubscribersChanged(int) {}

// Subscription is one live listener on a conversation.
// Events is closed when the subscription ends.
type Subscription struct {
	ID             string
	ConversationID string
	Events         <-chan *Event
}

// GroupBus provides in-memory pub/sub for persisted messages. Sessions
// subscribe to a conversation and receive every message published to it,
// including their own.
type GroupBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	closed      bool
	buffer      int
	metrics     BusMetrics
	logger      *slog.Logger
}

// NewGroupBus creates a bus. Pass nil logger for default and a buffer <= 0
// for DefaultSubscriberBuffer.
func NewGroupBus(buffer int, logger *slog.Logger) *GroupBus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &GroupBus{
		subscribers: make(map[string]map[string]chan *Event),
		buffer:      buffer,
		metrics:     noopBusMetrics{},
		logger:      logger.With("component", "bus"),
	}
}

// SetMetrics installs a metrics sink. Call before the bus is shared.
func (b *GroupBus) SetMetrics(m BusMetrics) {
	if m != nil {
		b.metrics = m
	}
}

// Subscribe registers a subscriber for the given conversation. The
// subscription is removed when ctx is cancelled. Subscribing to a closed bus
// returns a subscription whose channel is already closed.
func (b *GroupBus) Subscribe(ctx context.Context, conversationID string) *Subscription {
	subID := uuid.New().String()
	ch := make(chan *Event, b.buffer)
	sub := &Subscription{ID: subID, ConversationID: conversationID, Events: ch}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return sub
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.metrics.SubscribersChanged(1)
	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return sub
}

// Publish sends an event to all subscribers of the conversation.
// Non-blocking: the event is dropped for subscribers whose channels are full.
// Sends happen under the read lock so Unsubscribe cannot close a channel
// while it is being written.
func (b *GroupBus) Publish(conversationID string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[conversationID] {
		select {
		case ch <- event:
			b.metrics.EventDelivered()
		default:
			b.metrics.EventDropped()
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", subID,
				"message_id", event.MessageID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown subscriptions are ignored.
func (b *GroupBus) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.metrics.SubscribersChanged(-1)
	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// SubscriberCount returns the number of live subscribers of a conversation.
func (b *GroupBus) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close shuts down the bus and closes all subscriber channels.
func (b *GroupBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	n := 0
	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
			n++
		}
		delete(b.subscribers, convID)
	}
	if n > 0 {
		b.metrics.SubscribersChanged(-n)
	}

	b.logger.Debug("bus closed")
}
