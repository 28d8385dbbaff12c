package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isgasho/otto-1/internal/domain"
	"github.com/isgasho/otto-1/internal/eventbus"
	"github.com/isgasho/otto-1/internal/platform/config"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireFrame mirrors domain.Frame on the client side.
type wireFrame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
	Context   map[string]any  `json:"context"`
}

type wirePayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func newTestConfig() *config.Config {
	return &config.Config{
		AppEnv: "development",
		Host:   "127.0.0.1",
		Port:   8000,
		MOTD:   "hello from the test bus",
		Channels: config.ChannelsConfig{
			Stateless: []string{"chat"},
			Stateful:  []string{"status"},
		},
		Connection: config.ConnectionConfig{
			OutboxSize:             16,
			AutoSubscribeBroadcast: true,
			CommandRate:            100,
			CommandBurst:           100,
			MaxMessageSize:         4096,
		},
		Limits: config.LimitsConfig{
			MaxConnections:  100,
			ConnectionRate:  100,
			ConnectionBurst: 100,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

type testServer struct {
	srv    *Server
	broker *eventbus.Broker
	http   *httptest.Server
}

// newTestServer runs on the real clock: the WebSocket stream derives socket deadlines from it.
func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := newTestConfig()
	if mutate != nil {
		mutate(cfg)
	}

	channels, err := domain.NewChannelSet(cfg.Channels.Stateless, cfg.Channels.Stateful)
	require.NoError(t, err)

	clock := clockwork.NewRealClock()
	broker := eventbus.NewBroker(channels, clock)

	srv, err := NewServer(cfg, broker, clock)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		broker.Stop()
	})

	return &testServer{srv: srv, broker: broker, http: ts}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/"
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialStatus attempts an upgrade that is expected to be refused and returns the HTTP status.
func (ts *testServer) dialStatus(t *testing.T, header http.Header) int {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func (ts *testServer) waitSubscribers(t *testing.T, channel string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := ts.broker.Stats(context.Background())
		if err != nil {
			return false
		}
		ch, ok := stats.Channel(channel)
		return ok && ch.Subscribers == want
	}, 2*time.Second, 10*time.Millisecond)
}

func (ts *testServer) publish(t *testing.T, channel, data string) {
	t.Helper()
	require.NoError(t, ts.broker.Publish(context.Background(), domain.NewEnvelope(channel, domain.MustMessage(data))))
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
}

func requireMessage(t *testing.T, f wireFrame, channel, data string) {
	t.Helper()
	require.Equal(t, "event", f.Type)
	assert.Equal(t, channel, f.Channel)

	var p wirePayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, domain.KindMessage, p.Kind)
	assert.JSONEq(t, data, string(p.Data))
}

func TestWebSocket_AutoSubscribedToBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	ts.waitSubscribers(t, domain.BroadcastChannel, 1)

	ts.publish(t, domain.BroadcastChannel, `{"text":"hi"}`)

	requireMessage(t, readFrame(t, conn), domain.BroadcastChannel, `{"text":"hi"}`)
}

func TestWebSocket_StatefulReplayThenLive(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Connection.AutoSubscribeBroadcast = false })
	ts.publish(t, "status", `{"state":"green"}`)

	conn := ts.dial(t)
	sendCommand(t, conn, `{"type":"subscribe","channel":"status"}`)
	requireMessage(t, readFrame(t, conn), "status", `{"state":"green"}`)

	ts.publish(t, "status", `{"state":"red"}`)
	requireMessage(t, readFrame(t, conn), "status", `{"state":"red"}`)
}

func TestWebSocket_UnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	ts.waitSubscribers(t, domain.BroadcastChannel, 1)

	sendCommand(t, conn, `{"type":"subscribe","channel":"chat"}`)
	ts.waitSubscribers(t, "chat", 1)
	sendCommand(t, conn, `{"type":"unsubscribe","channel":"chat"}`)
	ts.waitSubscribers(t, "chat", 0)

	ts.publish(t, "chat", `"dropped"`)
	ts.publish(t, domain.BroadcastChannel, `"kept"`)

	requireMessage(t, readFrame(t, conn), domain.BroadcastChannel, `"kept"`)
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		wantType    string
		wantContext map[string]any
	}{
		{"unknown channel", `{"type":"subscribe","channel":"nope"}`, "not_found", map[string]any{"channel": "nope"}},
		{"malformed json", `{"type":`, "validation", nil},
		{"missing channel", `{"type":"subscribe"}`, "validation", nil},
		{"unknown op", `{"type":"shout","channel":"chat"}`, "validation", map[string]any{"type": "shout"}},
		{"publish disabled", `{"type":"publish","channel":"chat","payload":1}`, "forbidden", map[string]any{"channel": "chat"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, func(c *config.Config) { c.Connection.AutoSubscribeBroadcast = false })
			conn := ts.dial(t)

			sendCommand(t, conn, tt.command)

			f := readFrame(t, conn)
			assert.Equal(t, "error", f.Type)
			assert.Equal(t, tt.wantType, f.ErrorType)
			assert.NotEmpty(t, f.Error)
			for k, v := range tt.wantContext {
				assert.Equal(t, v, f.Context[k])
			}
		})
	}
}

func TestWebSocket_ConnectionSurvivesErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	ts.waitSubscribers(t, domain.BroadcastChannel, 1)

	sendCommand(t, conn, `not json`)
	assert.Equal(t, "validation", readFrame(t, conn).ErrorType)

	ts.publish(t, domain.BroadcastChannel, `"still here"`)
	requireMessage(t, readFrame(t, conn), domain.BroadcastChannel, `"still here"`)
}

func TestWebSocket_ClientPublish(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Connection.AllowClientPublish = true })
	sender := ts.dial(t)
	receiver := ts.dial(t)
	ts.waitSubscribers(t, domain.BroadcastChannel, 2)

	sendCommand(t, sender, `{"type":"publish","channel":"all","payload":{"n":1}}`)

	requireMessage(t, readFrame(t, receiver), domain.BroadcastChannel, `{"n":1}`)
	requireMessage(t, readFrame(t, sender), domain.BroadcastChannel, `{"n":1}`)
}

func TestWebSocket_ClientPublishNullPayload(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Connection.AllowClientPublish = true
		c.Connection.AutoSubscribeBroadcast = false
	})
	conn := ts.dial(t)

	sendCommand(t, conn, `{"type":"publish","channel":"chat","payload":null}`)

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "validation", f.ErrorType)
}

func TestWebSocket_DisconnectRemovesSubscriptions(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	sendCommand(t, conn, `{"type":"subscribe","channel":"chat"}`)
	ts.waitSubscribers(t, "chat", 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	ts.waitSubscribers(t, "chat", 0)
	ts.waitSubscribers(t, domain.BroadcastChannel, 0)
	require.Eventually(t, func() bool { return ts.srv.limits.Global().Current() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ShutdownClosesConnections(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	ts.waitSubscribers(t, domain.BroadcastChannel, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebSocket_BrokerStopClosesConnections(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)
	ts.waitSubscribers(t, domain.BroadcastChannel, 1)

	ts.broker.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebSocket_OriginRejected(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.AppEnv = "production"
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	status := ts.dialStatus(t, http.Header{"Origin": []string{"https://evil.example.com"}})
	assert.Equal(t, http.StatusForbidden, status)

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), http.Header{"Origin": []string{"https://app.example.com"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestWebSocket_GlobalLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Limits.MaxConnections = 1 })
	ts.dial(t)

	assert.Equal(t, http.StatusServiceUnavailable, ts.dialStatus(t, nil))
}

func TestWebSocket_ConnectionRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Limits.ConnectionRate = 0.001
		c.Limits.ConnectionBurst = 1
	})
	ts.dial(t)

	assert.Equal(t, http.StatusTooManyRequests, ts.dialStatus(t, nil))
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(ts.http.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	status, body := get("/health/live")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")

	status, body = get("/health/ready")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
	assert.Len(t, body["channels"], 3)

	status, body = get("/version")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "go_version")

	ts.broker.Stop()

	status, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "broker", body["failed_check"])
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "hello from the test bus")
	assert.Contains(t, body, "<code>chat</code>")
	assert.Contains(t, body, "<code>status</code>")
	assert.Contains(t, body, "stateful")
	assert.Equal(t, 1, strings.Count(body, "<code>all</code>"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "connections_total")
}
