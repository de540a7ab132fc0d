package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warm-transfer-server/apiclient"
)

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func (h *eventHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func dialEventHub(t *testing.T, serverURL, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(serverURL, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) serverEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt serverEvent
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestEventHubHelloAndPublish(t *testing.T) {
	hub := newEventHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	defer srv.Close()

	conn := dialEventHub(t, srv.URL, "")

	hello := readEvent(t, conn)
	assert.Equal(t, "connection_established", hello.Type)

	require.Eventually(t, func() bool { return hub.clientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Publish("transfer_initiated", "room-1", map[string]string{"to_room": "room-2"})

	evt := readEvent(t, conn)
	assert.Equal(t, "transfer_initiated", evt.Type)
	assert.Equal(t, "room-1", evt.RoomName)
	data, ok := evt.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "room-2", data["to_room"])
}

func TestEventHubEvictsFailedWriter(t *testing.T) {
	hub := newEventHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	defer srv.Close()

	conn := dialEventHub(t, srv.URL, "")
	readEvent(t, conn) // hello
	require.Eventually(t, func() bool { return hub.clientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		hub.Publish("call_status", "room-1", nil)
		return hub.clientCount() == 0
	}, 2*time.Second, 20*time.Millisecond, "failed writer must be evicted")
}

func TestEventHubClose(t *testing.T) {
	hub := newEventHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	defer srv.Close()

	conn := dialEventHub(t, srv.URL, "")
	readEvent(t, conn)
	require.Eventually(t, func() bool { return hub.clientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.clientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "client connection is closed by the hub")
}

func TestTransferEmitsEventOnFeed(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.http)
	defer srv.Close()

	conn := dialEventHub(t, srv.URL, "/ws")
	hello := readEvent(t, conn)
	require.Equal(t, "connection_established", hello.Type)
	require.Eventually(t, func() bool { return env.server.events.clientCount() == 1 },
		time.Second, 10*time.Millisecond)

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{
		FromRoom:          "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_b",
		Transcript:        "customer wants refund",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	evt := readEvent(t, conn)
	assert.Equal(t, "transfer_initiated", evt.Type)
	assert.Equal(t, "room-1", evt.RoomName)
	data, ok := evt.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "agent_a", data["initiator"])
	assert.NotEqual(t, "room-1", data["to_room"])
}
