// ABOUTME: Notification fanout invoked after a message is committed
// ABOUTME: Builds one notification per non-sender participant and hands it to a Sink

package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/coven-chat/internal/store"
)

// DescriptionLength is how many characters of the message text a
// notification carries.
const DescriptionLength = 50

// DefaultTimeout bounds one fanout when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Sink receives notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, n *store.Notification) error
}

// Metrics receives fanout counters.
type Metrics interface {
	NotificationDelivered()
	NotificationFailed()
}

type noopMetrics struct{}

func (noopMetrics) NotificationDelivered() {}
func (noopMetrics) NotificationFailed()    {}

// Fanout turns committed messages into notifications.
//
// It is best-effort: a failing sink is logged and counted, and the message
// that triggered it is unaffected.
type Fanout struct {
	sink    Sink
	timeout time.Duration
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewFanout creates a fanout delivering to sink. A timeout <= 0 means
// DefaultTimeout. Pass nil logger for default.
func NewFanout(sink Sink, timeout time.Duration, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fanout{
		sink:    sink,
		timeout: timeout,
		metrics: noopMetrics{},
		logger:  logger.With("component", "notify"),
		now:     time.Now,
	}
}

// SetMetrics installs a metrics sink.
func (f *Fanout) SetMetrics(m Metrics) {
	if m != nil {
		f.metrics = m
	}
}

// OnMessageCreated delivers one notification to every participant except the
// sender. It runs on a context detached from ctx's cancellation so a client
// hanging up mid-send does not lose notifications.
func (f *Fanout) OnMessageCreated(ctx context.Context, msg *store.Message, conv *store.Conversation) {
	recipients := lo.Without(conv.Participants, msg.Sender)
	if len(recipients) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	description := Describe(msg.Text)
	createdAt := f.now().UTC()

	for _, recipient := range recipients {
		n := &store.Notification{
			ID:                   uuid.New().String(),
			Recipient:            recipient,
			Actor:                msg.Sender,
			Verb:                 store.NotificationVerbMessage,
			TargetConversationID: conv.ID,
			Description:          description,
			CreatedAt:            createdAt,
		}
		if err := f.sink.Deliver(ctx, n); err != nil {
			f.metrics.NotificationFailed()
			f.logger.Error("failed to deliver notification",
				"error", err,
				"conversation_id", conv.ID,
				"message_id", msg.ID,
				"recipient", recipient)
			continue
		}
		f.metrics.NotificationDelivered()
	}

	f.logger.Debug("notifications fanned out",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"recipients", len(recipients))
}

// Describe returns the first DescriptionLength characters of text.
func Describe(text string) string {
	count := 0
	for i := range text {
		if count == DescriptionLength {
			return text[:i]
		}
		count++
	}
	return text
}
