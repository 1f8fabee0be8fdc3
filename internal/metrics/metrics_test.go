// ABOUTME: Tests for the Prometheus collector
// ABOUTME: Checks interface wiring, counter values and the route-labelled middleware

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/session"
)

var (
	_ conversation.ServiceMetrics = (*Collector)(nil)
	_ conversation.BusMetrics     = (*Collector)(nil)
	_ notify.Metrics              = (*Collector)(nil)
	_ session.Metrics             = (*Collector)(nil)
)

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector("")
	b := NewCollector("")

	a.MessageSent()
	a.MessageSent()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.MessagesSent))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesSent))
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("test")

	c.SendFailed()
	c.ConversationCreated()
	c.EventDelivered()
	c.EventDropped()
	c.EventDropped()
	c.SubscribersChanged(3)
	c.SubscribersChanged(-1)
	c.NotificationDelivered()
	c.NotificationFailed()
	c.NotificationFailed()
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.SessionRejected()
	c.FrameRejected()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.SendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ConversationsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsDelivered))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.EventsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Notifications.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Notifications.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FramesRejected))
}

func TestCollector_BusReportsSubscribers(t *testing.T) {
	c := NewCollector("")
	bus := conversation.NewGroupBus(4, nil)
	defer bus.Close()
	bus.SetMetrics(c)

	sub := bus.Subscribe(testContext(t), "c1")
	bus.Subscribe(testContext(t), "c2")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Subscribers))

	bus.Unsubscribe("c1", sub.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Subscribers))
}

func TestCollector_MiddlewareLabelsByRoutePattern(t *testing.T) {
	c := NewCollector("")

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	got := testutil.ToFloat64(c.HTTPRequests.WithLabelValues(http.MethodGet, "/api/conversations/{id}", "418"))
	assert.Equal(t, 3.0, got)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("")
	c.MessageSent()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "coven_chat_messages_sent_total 1"))
}
