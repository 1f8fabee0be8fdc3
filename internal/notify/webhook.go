// ABOUTME: WebhookSink posts notifications as JSON to an external URL
// ABOUTME: Guarded by a sony/gobreaker circuit breaker so a dead endpoint fails fast

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/2389/coven-chat/internal/store"
)

// BreakerConfig holds circuit breaker settings for the webhook.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used in production.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      5,
	}
}

// webhookPayload is the JSON body posted for each notification.
type webhookPayload struct {
	ID                   string    `json:"id"`
	Recipient            string    `json:"recipient"`
	Actor                string    `json:"actor"`
	Verb                 string    `json:"verb"`
	TargetConversationID string    `json:"target_conversation_id"`
	Description          string    `json:"description"`
	CreatedAt            time.Time `json:"created_at"`
}

// WebhookSink delivers notifications with an HTTP POST.
type WebhookSink struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewWebhookSink creates a sink posting to url. Pass nil client for one with
// the given timeout and nil logger for default.
func NewWebhookSink(url string, client *http.Client, timeout time.Duration, cfg BreakerConfig, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger = logger.With("component", "webhook")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-webhook",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &WebhookSink{
		url:     url,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// State reports the circuit breaker state.
func (w *WebhookSink) State() gobreaker.State {
	return w.breaker.State()
}

// Deliver posts the notification. Returns gobreaker.ErrOpenState without a
// request while the breaker is open.
func (w *WebhookSink) Deliver(ctx context.Context, n *store.Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:                   n.ID,
		Recipient:            n.Recipient,
		Actor:                n.Actor,
		Verb:                 n.Verb,
		TargetConversationID: n.TargetConversationID,
		Description:          n.Description,
		CreatedAt:            n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	_, err = w.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("posting webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

var _ Sink = (*WebhookSink)(nil)
