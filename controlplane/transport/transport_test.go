package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestQueryServerRoundTripsRequestResponse(t *testing.T) {
	qs := NewQueryServer(nil, func(clientID string, req *protocol.Request) *protocol.Response {
		return protocol.OKResponse(map[string]any{"echoed": req.Payload["x"]})
	})
	srv := httptest.NewServer(qs)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := dialWS(t, wsURL)

	reqBody, _ := json.Marshal(protocol.Request{QueryType: "ECHO", Payload: map[string]any{"x": 7}})
	frame, _ := json.Marshal(envelope{Kind: kindRequest, Payload: reqBody})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, kindResponse, env.Kind)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, float64(7), resp.Payload["echoed"])
}

func TestPublishServerRelaysTargetedNotifications(t *testing.T) {
	bus := notify.New(notify.Config{})
	defer bus.Stop()

	ps := NewPublishServer(nil, bus)
	srv := httptest.NewServer(ps)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?client_id=alice_1"
	conn := dialWS(t, wsURL)

	time.Sleep(50 * time.Millisecond) // allow the subscribe to register
	bus.Unicast("ASYNC_QUERY_RESOLVE", map[string]any{"ref_id": 1}, "alice_1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, kindNotification, env.Kind)

	var n protocol.Notification
	require.NoError(t, json.Unmarshal(env.Payload, &n))
	assert.Equal(t, "ASYNC_QUERY_RESOLVE", n.Topic)
}

func TestPublishServerDoesNotRelayNotificationsForOtherClients(t *testing.T) {
	bus := notify.New(notify.Config{})
	defer bus.Stop()

	ps := NewPublishServer(nil, bus)
	srv := httptest.NewServer(ps)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?client_id=alice_1"
	conn := dialWS(t, wsURL)
	time.Sleep(50 * time.Millisecond)

	bus.Unicast("ASYNC_QUERY_RESOLVE", map[string]any{"ref_id": 1}, "bob_2")
	bus.Broadcast("REGISTRATION", map[string]any{"clients": []string{"bob_2"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	var n protocol.Notification
	require.NoError(t, json.Unmarshal(env.Payload, &n))
	assert.Equal(t, "REGISTRATION", n.Topic, "the unicast to bob_2 must not have been delivered here")
}

func TestGracefulServerStartBackgroundThenStop(t *testing.T) {
	qs := NewQueryServer(nil, func(clientID string, req *protocol.Request) *protocol.Response {
		return protocol.OKResponse(nil)
	})
	gs := NewGracefulServer(nil, "127.0.0.1:0", qs)

	_, err := gs.StartBackground()
	require.NoError(t, err)

	gs.GracefulStop()
	gs.GracefulStop() // idempotent
}
