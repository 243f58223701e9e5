package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/pkg/models"
)

func setupTestManager(t *testing.T) (*Bus, *ConnectionManager, *httptest.Server) {
	t.Helper()

	b := New(newMemStore())
	manager := NewConnectionManager(b, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(func() { server.Close() })
	return b, manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, _, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_SubscribeConfirmAndPing(t *testing.T) {
	_, manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: WorkflowChannel("wf-1")})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "workflow:wf-1", msg["channel"])

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	assert.Equal(t, 1, manager.ActiveConnections())
	assert.Equal(t, 1, manager.subscriberCount("workflow:wf-1"))
}

func TestConnectionManager_SubscribeRequiresChannel(t *testing.T) {
	_, _, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestConnectionManager_BroadcastToSubscribers(t *testing.T) {
	b, _, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)

	writeJSON(t, conn1, ClientMessage{Action: "subscribe", Channel: WorkflowChannel("wf-1")})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn1)["type"])
	writeJSON(t, conn2, ClientMessage{Action: "subscribe", Channel: WorkflowChannel("wf-other")})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn2)["type"])

	require.NoError(t, b.Emit(context.Background(), testEvent("wf-1")))

	msg := readJSON(t, conn1)
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, "workflow:wf-1", msg["channel"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, "wf-1", event["workflow_id"])
	assert.Equal(t, float64(1), event["sequence"])

	// conn2 is on a different channel; a ping must be its next message.
	writeJSON(t, conn2, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn2)["type"])
}

func TestConnectionManager_AutoCatchupOnSubscribe(t *testing.T) {
	b, _, server := setupTestManager(t)
	ctx := context.Background()

	// Events emitted before anyone subscribes.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Emit(ctx, testEvent("wf-1")))
	}

	conn := connectWS(t, server)
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: WorkflowChannel("wf-1")})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])

	for i := 1; i <= 3; i++ {
		msg := readJSON(t, conn)
		require.Equal(t, "event", msg["type"])
		event := msg["event"].(map[string]any)
		assert.Equal(t, float64(i), event["sequence"])
	}
}

func TestConnectionManager_ExplicitCatchupFromSequence(t *testing.T) {
	b, _, server := setupTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Emit(ctx, testEvent("wf-1")))
	}

	conn := connectWS(t, server)
	readJSON(t, conn)

	last := int64(3)
	writeJSON(t, conn, ClientMessage{Action: "catchup", Channel: WorkflowChannel("wf-1"), LastSequence: &last})

	for i := 4; i <= 5; i++ {
		msg := readJSON(t, conn)
		event := msg["event"].(map[string]any)
		assert.Equal(t, float64(i), event["sequence"])
	}
}

func TestConnectionManager_FilteredSubscriptionOnBroadcast(t *testing.T) {
	b, _, server := setupTestManager(t)
	ctx := context.Background()

	conn := connectWS(t, server)
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{
		Action:     "subscribe",
		Channel:    WorkflowChannel("wf-1"),
		EventTypes: []string{"tool_call"},
		Levels:     []string{"info"},
	})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])

	emit := func(typ models.EventType, level models.EventLevel) {
		require.NoError(t, b.Emit(ctx, &models.Event{
			WorkflowID: "wf-1", Type: typ, Level: level, Message: "msg",
		}))
	}
	emit(models.EventAgentThinking, models.LevelInfo) // wrong type
	emit(models.EventToolCall, models.LevelDebug)     // wrong level
	emit(models.EventToolCall, models.LevelInfo)      // matches

	msg := readJSON(t, conn)
	require.Equal(t, "event", msg["type"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, "tool_call", event["event_type"])
	assert.Equal(t, "info", event["level"])
	assert.Equal(t, float64(3), event["sequence"])
}

func TestConnectionManager_FilteredCatchup(t *testing.T) {
	b, _, server := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, b.Emit(ctx, &models.Event{
		WorkflowID: "wf-1", Type: models.EventAgentThinking, Level: models.LevelDebug, Message: "noise",
	}))
	require.NoError(t, b.Emit(ctx, &models.Event{
		WorkflowID: "wf-1", Type: models.EventWorkflowStarted, Level: models.LevelInfo, Message: "started",
	}))

	conn := connectWS(t, server)
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{
		Action:  "subscribe",
		Channel: WorkflowChannel("wf-1"),
		Levels:  []string{"info"},
	})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])

	// Auto-catchup skips the debug event and replays only the info one.
	msg := readJSON(t, conn)
	require.Equal(t, "event", msg["type"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, "workflow_started", event["event_type"])
	assert.Equal(t, float64(2), event["sequence"])

	// A ping round-trip proves no further catchup events were queued.
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestConnectionManager_UnsubscribeStopsPump(t *testing.T) {
	b, manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: WorkflowChannel("wf-1")})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])
	require.Eventually(t, func() bool {
		return b.SubscriberCount(WorkflowChannel("wf-1")) == 1
	}, time.Second, 10*time.Millisecond)

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: WorkflowChannel("wf-1")})
	require.Eventually(t, func() bool {
		return manager.subscriberCount("workflow:wf-1") == 0 &&
			b.SubscriberCount(WorkflowChannel("wf-1")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionManager_IdleConnectionCloses(t *testing.T) {
	_, manager, server := setupTestManager(t)
	manager.SetIdleTimeout(100 * time.Millisecond)

	conn := connectWS(t, server)
	readJSON(t, conn)

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Traffic keeps a fresh connection alive past the idle bound.
	conn2 := connectWS(t, server)
	readJSON(t, conn2)
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		writeJSON(t, conn2, ClientMessage{Action: "ping"})
		require.Equal(t, "pong", readJSON(t, conn2)["type"])
	}
	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestConnectionManager_DisconnectCleansUp(t *testing.T) {
	b, manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: WorkflowChannel("wf-1")})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0 &&
			b.SubscriberCount(WorkflowChannel("wf-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
