// ABOUTME: Notification sinks: persist to the store, fan out to several sinks
// ABOUTME: WebhookSink lives in webhook.go

package notify

import (
	"context"
	"errors"

	"github.com/2389/coven-chat/internal/store"
)

// StoreSink saves notifications to the notification store.
type StoreSink struct {
	store store.NotificationStore
}

// NewStoreSink creates a sink backed by st.
func NewStoreSink(st store.NotificationStore) *StoreSink {
	return &StoreSink{store: st}
}

// Deliver saves the notification.
func (s *StoreSink) Deliver(ctx context.Context, n *store.Notification) error {
	return s.store.SaveNotification(ctx, n)
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

// Deliver tries every sink even when an earlier one fails.
func (m MultiSink) Deliver(ctx context.Context, n *store.Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscardSink drops every notification.
type DiscardSink struct{}

func (DiscardSink) Deliver(context.Context, *store.Notification) error { return nil }

var (
	_ Sink = (*StoreSink)(nil)
	_ Sink = MultiSink(nil)
	_ Sink = DiscardSink{}
)
