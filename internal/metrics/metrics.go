// ABOUTME: Prometheus collector for coven-chat counters and HTTP request metrics
// ABOUTME: Owns its own registry and implements every package's metrics interface

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "coven_chat"

// Collector holds all Prometheus metrics for the server.
type Collector struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Messaging
	MessagesSent         prometheus.Counter
	SendFailures         prometheus.Counter
	ConversationsCreated prometheus.Counter

	// Bus
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge

	// Notifications
	Notifications *prometheus.CounterVec

	// Sessions
	ActiveSessions   prometheus.Gauge
	SessionsRejected prometheus.Counter
	FramesRejected   prometheus.Counter
}

// NewCollector creates a collector registered on a fresh registry, so tests
// can build as many as they like.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted and published",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_send_failures_total",
			Help:      "Messages that failed to persist",
		}),
		ConversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_created_total",
			Help:      "Conversations created by get-or-create",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_delivered_total",
			Help:      "Events queued to a subscriber",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscribers",
			Help:      "Current bus subscriptions across all conversations",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by result",
		}, []string{"result"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Chat sessions currently joined",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Session attempts refused before upgrade",
		}),
		FramesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Inbound frames answered with an error frame",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPRequests,
		c.HTTPDuration,
		c.MessagesSent,
		c.SendFailures,
		c.ConversationsCreated,
		c.EventsDelivered,
		c.EventsDropped,
		c.Subscribers,
		c.Notifications,
		c.ActiveSessions,
		c.SessionsRejected,
		c.FramesRejected,
	)

	return c
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// conversation.ServiceMetrics

func (c *Collector) MessageSent()         { c.MessagesSent.Inc() }
func (c *Collector) SendFailed()          { c.SendFailures.Inc() }
func (c *Collector) ConversationCreated() { c.ConversationsCreated.Inc() }

// conversation.BusMetrics

func (c *Collector) EventDelivered()              { c.EventsDelivered.Inc() }
func (c *Collector) EventDropped()                { c.EventsDropped.Inc() }
func (c *Collector) SubscribersChanged(delta int) { c.Subscribers.Add(float64(delta)) }

// notify.Metrics

func (c *Collector) NotificationDelivered() { c.Notifications.WithLabelValues("delivered").Inc() }
func (c *Collector) NotificationFailed()    { c.Notifications.WithLabelValues("failed").Inc() }

// session.Metrics

func (c *Collector) SessionOpened()   { c.ActiveSessions.Inc() }
func (c *Collector) SessionClosed()   { c.ActiveSessions.Dec() }
func (c *Collector) SessionRejected() { c.SessionsRejected.Inc() }
func (c *Collector) FrameRejected()   { c.FramesRejected.Inc() }

// Middleware records request counts and latency labelled by chi route
// pattern, so /api/conversations/{id} stays one series.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
