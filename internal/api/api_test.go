// ABOUTME: Tests for the HTTP API and router
// ABOUTME: Drives the full chi router over httptest with JWT callers

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
)

type testServer struct {
	srv      *httptest.Server
	store    *store.MockStore
	bus      *conversation.GroupBus
	metrics  *metrics.Collector
	verifier *auth.JWTVerifier
}

func newTestServer(t *testing.T, configure ...func(*store.MockStore)) *testServer {
	t.Helper()

	st := store.NewMockStore()
	for _, fn := range configure {
		fn(st)
	}
	collector := metrics.NewCollector("")
	bus := conversation.NewGroupBus(0, nil)
	bus.SetMetrics(collector)
	fanout := notify.NewFanout(notify.NewStoreSink(st), time.Second, nil)
	fanout.SetMetrics(collector)
	svc := conversation.New(st, bus, nil,
		conversation.WithNotifier(fanout),
		conversation.WithMetrics(collector))
	verifier := auth.NewJWTVerifier([]byte("api-test-secret-0123456789abcdef"))

	router := NewRouter(RouterOptions{
		Handlers: NewHandlers(svc, st, nil),
		Identity: auth.NewJWTProvider(verifier),
		Sessions: session.NewHandler(svc, bus, session.HandlerOptions{
			Metrics: collector,
			Reject:  RejectUpgrade(nil),
		}),
		Ready:   st,
		Metrics: collector,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		bus.Close()
	})
	return &testServer{srv: srv, store: st, bus: bus, metrics: collector, verifier: verifier}
}

func (ts *testServer) do(t *testing.T, user, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		token, err := ts.verifier.Generate(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) createConversation(t *testing.T, user string, others ...string) ConversationResponse {
	t.Helper()
	resp := ts.do(t, user, http.MethodPost, "/api/conversations",
		CreateConversationRequest{ParticipantIDs: others})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[ConversationResponse](t, resp)
}

func TestAPI_AnonymousRejected(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/conversations", "/api/notifications"} {
		resp := ts.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		body := decode[ErrorResponse](t, resp)
		assert.Equal(t, "Authentication failed.", body.Message)
	}
}

func TestAPI_InvalidTokenIsAnonymous(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_CreateConversationIsGetOrCreate(t *testing.T) {
	ts := newTestServer(t)

	first := ts.createConversation(t, "alice", "bob")
	assert.Equal(t, []string{"alice", "bob"}, first.Participants)
	assert.Nil(t, first.LastMessage)
	assert.Zero(t, first.UnreadCount)

	second := ts.createConversation(t, "bob", "alice")
	assert.Equal(t, first.ID, second.ID)

	// Listing the requester explicitly names the same set
	third := ts.createConversation(t, "alice", "bob", "alice")
	assert.Equal(t, first.ID, third.ID)

	group := ts.createConversation(t, "alice", "bob", "carol")
	assert.NotEqual(t, first.ID, group.ID)
}

func TestAPI_CreateConversationValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		body    any
		message string
		field   string
	}{
		{"empty list", CreateConversationRequest{ParticipantIDs: []string{}}, "Validation failed.", "participant_ids"},
		{"missing field", map[string]any{}, "Validation failed.", "participant_ids"},
		{"blank id", CreateConversationRequest{ParticipantIDs: []string{""}}, "Validation failed.", "participant_ids[0]"},
		{"not json", "{nope", "Malformed request.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, "alice", http.MethodPost, "/api/conversations", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.message, body.Message)
			if tt.field != "" {
				fields, ok := body.Errors.(map[string]any)
				require.True(t, ok, "errors should be a field map, got %T", body.Errors)
				assert.Contains(t, fields, tt.field)
			}
		})
	}
}

func TestAPI_SoloConversation(t *testing.T) {
	ts := newTestServer(t)

	solo := ts.createConversation(t, "alice", "alice")
	assert.Equal(t, []string{"alice"}, solo.Participants)
}

func TestAPI_IdentitiesAreOpaque(t *testing.T) {
	ts := newTestServer(t)

	joined := ts.createConversation(t, "alice", "a|b", "c")
	split := ts.createConversation(t, "alice", "a", "b", "c")

	assert.NotEqual(t, joined.ID, split.ID)
	assert.Equal(t, []string{"alice", "a|b", "c"}, joined.Participants)
	assert.Equal(t, joined.ID, ts.createConversation(t, "alice", "c", "a|b").ID)
}

func TestAPI_MessageFlow(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID

	resp := ts.do(t, "alice", http.MethodPost, path+"/messages", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[MessageResponse](t, resp)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hi", msg.Text)
	assert.False(t, msg.Read)
	_, err := time.Parse(time.RFC3339Nano, msg.CreatedAt)
	assert.NoError(t, err)

	// bob sees it unread in the listing
	resp = ts.do(t, "bob", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]ConversationResponse](t, resp)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "hi", list[0].LastMessage.Text)
	assert.Equal(t, 1, list[0].UnreadCount)

	// the sender has nothing unread
	resp = ts.do(t, "alice", http.MethodGet, "/api/conversations", nil)
	list = decode[[]ConversationResponse](t, resp)
	require.Len(t, list, 1)
	assert.Zero(t, list[0].UnreadCount)

	// opening marks read
	resp = ts.do(t, "bob", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[ConversationDetailResponse](t, resp)
	require.Len(t, detail.Messages, 1)
	assert.True(t, detail.Messages[0].Read)
	assert.Zero(t, detail.UnreadCount)

	resp = ts.do(t, "bob", http.MethodGet, "/api/conversations", nil)
	list = decode[[]ConversationResponse](t, resp)
	assert.Zero(t, list[0].UnreadCount)

	// bob was notified, alice was not
	resp = ts.do(t, "bob", http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	notes := decode[[]NotificationResponse](t, resp)
	require.Len(t, notes, 1)
	assert.Equal(t, "alice", notes[0].Actor)
	assert.Equal(t, store.NotificationVerbMessage, notes[0].Verb)
	assert.Equal(t, conv.ID, notes[0].TargetConversationID)
	assert.Equal(t, "hi", notes[0].Description)

	resp = ts.do(t, "alice", http.MethodGet, "/api/notifications", nil)
	assert.Empty(t, decode[[]NotificationResponse](t, resp))

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.MessagesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Notifications.WithLabelValues("delivered")))
}

func TestAPI_MessagePublishedToSessions(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")

	sub := ts.bus.Subscribe(testContext(t), conv.ID)
	resp := ts.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]string{"text": "over rest"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "over rest", ev.Message)
		assert.Equal(t, "alice", ev.Sender)
	case <-time.After(time.Second):
		t.Fatal("message was not published")
	}
}

func TestAPI_MessageValidation(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID + "/messages"

	resp := ts.do(t, "alice", http.MethodPost, path, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Errors, "text")

	resp = ts.do(t, "alice", http.MethodPost, path, map[string]string{"text": ""})
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "empty text is a valid message")
}

func TestAPI_NonParticipantGetsNotFound(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")
	path := "/api/conversations/" + conv.ID

	resp := ts.do(t, "mallory", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "Resource not found.", body.Message)

	resp = ts.do(t, "mallory", http.MethodPost, path+"/messages", map[string]string{"text": "let me in"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	msgs, err := ts.store.ListMessages(testContext(t), conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	resp = ts.do(t, "alice", http.MethodGet, "/api/conversations/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_StoreFailureIsGeneric(t *testing.T) {
	boom := assert.AnError
	ts := newTestServer(t, func(st *store.MockStore) { st.FailAppend = boom })
	conv := ts.createConversation(t, "alice", "bob")

	resp := ts.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "Internal server error.", body.Message)
	assert.NotContains(t, body.Errors, boom.Error())

	notes, err := ts.store.ListNotifications(testContext(t), "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, notes, "failed sends are not notified")
}

func TestAPI_NotificationLimit(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")
	for _, text := range []string{"one", "two", "three"} {
		resp := ts.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]string{"text": text})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := ts.do(t, "bob", http.MethodGet, "/api/notifications?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	notes := decode[[]NotificationResponse](t, resp)
	require.Len(t, notes, 2)
	assert.Equal(t, "three", notes[0].Description)

	resp = ts.do(t, "bob", http.MethodGet, "/api/notifications?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "", http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_ReadyFailsWhenStoreDown(t *testing.T) {
	ts := newTestServer(t, func(st *store.MockStore) { st.FailPing = assert.AnError })

	resp := ts.do(t, "", http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPI_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "", http.MethodGet, "/health", nil)

	resp := ts.do(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `coven_chat_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestAPI_WebSocketRejectionUsesEnvelope(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")

	token, err := ts.verifier.Generate("mallory", time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/conversations/" + conv.ID + "?token=" + token

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "You do not have permission to perform this action.", body.Message)
	assert.Zero(t, ts.bus.SubscriberCount(conv.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.SessionsRejected))
}

func TestAPI_WebSocketThroughRouter(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.createConversation(t, "alice", "bob")

	token, err := ts.verifier.Generate("bob", time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/conversations/" + conv.ID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := ts.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]string{"text": "hello bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame session.ChatFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, session.FrameChatMessage, frame.Type)
	assert.Equal(t, "hello bob", frame.Message)
	assert.Equal(t, "alice", frame.Sender)
}
