package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkie-cad/wattson-controlplane/controlplane/config"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
	"github.com/fkie-cad/wattson-controlplane/controlplane/registry"
)

func newTestHandler(t *testing.T, onShutdown func(string)) (*Handler, *notify.Bus) {
	t.Helper()
	config.Reset()
	t.Cleanup(config.Reset)
	bus := notify.New(notify.Config{})
	t.Cleanup(bus.Stop)
	h := New(nil, registry.New(), registry.NewEvents(), bus, onShutdown)
	return h, bus
}

func TestHandleEchoReturnsPayloadUnchanged(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	resp := h.Handle(&protocol.Request{QueryType: protocol.QueryEcho, Payload: map[string]any{"x": 1}})
	require.NotNil(t, resp)
	assert.Equal(t, 1, resp.Payload["x"])
}

func TestHandleRegistrationAssignsIDAndBroadcasts(t *testing.T) {
	h, bus := newTestHandler(t, nil)

	var received *protocol.Notification
	unsub := bus.Subscribe("observer", func(n *protocol.Notification) { received = n })
	defer unsub()

	resp := h.Handle(&protocol.Request{QueryType: protocol.QueryRegistration, Payload: map[string]any{"name": "rtu"}})
	require.True(t, resp.OK)
	assert.Equal(t, "rtu_1", resp.Payload["id"])

	require.Eventually(t, func() bool { return received != nil }, time.Second, time.Millisecond)
	assert.Equal(t, protocol.TopicRegistration, received.Topic)
}

func TestHandleRegistrationRejectsEmptyName(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	resp := h.Handle(&protocol.Request{QueryType: protocol.QueryRegistration, Payload: map[string]any{}})
	assert.False(t, resp.OK)
}

func TestHandleRegistrationReregistersKnownID(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	first := h.Handle(&protocol.Request{QueryType: protocol.QueryRegistration, Payload: map[string]any{"name": "rtu"}})
	id := first.Payload["id"].(string)

	again := h.Handle(&protocol.Request{QueryType: protocol.QueryRegistration, Payload: map[string]any{"name": "rtu", "id": id}})
	assert.True(t, again.OK)
	assert.Equal(t, id, again.Payload["id"])
}

func TestHandleShutdownDefersCallbackUntilPostSend(t *testing.T) {
	var reason string
	h, _ := newTestHandler(t, func(r string) { reason = r })

	resp := h.Handle(&protocol.Request{QueryType: protocol.QueryRequestShutdown, Payload: map[string]any{"reason": "maintenance"}})
	require.True(t, resp.OK)
	assert.Empty(t, reason, "shutdown must not fire before the response is sent")

	resp.OnPostSend()
	assert.Equal(t, "maintenance", reason)
}

func TestSetEventThenGetEventStateReflectsChange(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	get := h.Handle(&protocol.Request{QueryType: protocol.QueryGetEventState, Payload: map[string]any{"name": "go"}})
	assert.False(t, get.Payload["state"].(bool))

	set := h.Handle(&protocol.Request{QueryType: protocol.QuerySetEvent, Payload: map[string]any{"name": "go"}})
	assert.True(t, set.Payload["state"].(bool))

	get2 := h.Handle(&protocol.Request{QueryType: protocol.QueryGetEventState, Payload: map[string]any{"name": "go"}})
	assert.True(t, get2.Payload["state"].(bool))

	clear := h.Handle(&protocol.Request{QueryType: protocol.QueryClearEvent, Payload: map[string]any{"name": "go"}})
	assert.False(t, clear.Payload["state"].(bool))
}

func TestGetConfigurationReturnsDefaultsMap(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	resp := h.Handle(&protocol.Request{QueryType: protocol.QueryGetConfiguration})
	require.True(t, resp.OK)
	assert.Equal(t, ":9090", resp.Payload["query_addr"])
}

func TestSetConfigurationOverridesSelectKeys(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	resp := h.Handle(&protocol.Request{QueryType: protocol.QuerySetConfiguration, Payload: map[string]any{"log_level": "DEBUG"}})
	require.True(t, resp.OK)
	assert.Equal(t, "DEBUG", resp.Payload["log_level"])
}

func TestResolveConfigurationDoesNotInstallResult(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	resolved := h.Handle(&protocol.Request{QueryType: protocol.QueryResolveConfiguration, Payload: map[string]any{"log_level": "DEBUG"}})
	assert.Equal(t, "DEBUG", resolved.Payload["log_level"])

	live := h.Handle(&protocol.Request{QueryType: protocol.QueryGetConfiguration})
	assert.Equal(t, "INFO", live.Payload["log_level"])
}

func TestSendNotificationThenGetNotificationHistoryRoundTrips(t *testing.T) {
	h, bus := newTestHandler(t, nil)

	resp := h.Handle(&protocol.Request{
		QueryType: protocol.QuerySendNotification,
		Payload:   map[string]any{"topic": "CUSTOM_TOPIC", "payload": map[string]any{"n": 1}},
	})
	require.True(t, resp.OK)

	require.Eventually(t, func() bool { return len(bus.History("CUSTOM_TOPIC")) == 1 }, time.Second, time.Millisecond)

	hist := h.Handle(&protocol.Request{QueryType: protocol.QueryGetNotificationHistory, Payload: map[string]any{"topic": "CUSTOM_TOPIC"}})
	require.True(t, hist.OK)
	entries := hist.Payload["entries"].([]map[string]any)
	require.Len(t, entries, 1)
}

func TestHasSimulatorAndGetSimulators(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	h.RegisterSimulator(SimulatorInfo{Name: "network"}, nil)

	has := h.Handle(&protocol.Request{QueryType: protocol.QueryHasSimulator, Payload: map[string]any{"name": "network"}})
	assert.True(t, has.Payload["has_simulator"].(bool))

	missing := h.Handle(&protocol.Request{QueryType: protocol.QueryHasSimulator, Payload: map[string]any{"name": "ghost"}})
	assert.False(t, missing.Payload["has_simulator"].(bool))

	list := h.Handle(&protocol.Request{QueryType: protocol.QueryGetSimulators})
	assert.Equal(t, []string{"network"}, list.Payload["simulators"])
}

type stubResolver struct{ data map[string]map[string]any }

func (s *stubResolver) ResolveEntity(entityID string) (map[string]any, bool) {
	d, ok := s.data[entityID]
	return d, ok
}

func TestGetEntityFallsThroughResolverChain(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	h.RegisterSimulator(SimulatorInfo{Name: "network"}, &stubResolver{data: map[string]map[string]any{
		"node_1": {"entity_id": "node_1", "kind": "node"},
	}})

	found := h.Handle(&protocol.Request{QueryType: protocol.QueryGetEntity, Payload: map[string]any{"entity_id": "node_1"}})
	require.True(t, found.OK)
	assert.Equal(t, "node", found.Payload["kind"])

	notFound := h.Handle(&protocol.Request{QueryType: protocol.QueryGetEntity, Payload: map[string]any{"entity_id": "ghost"}})
	assert.False(t, notFound.OK)
}

func TestGetEntityResolvesRegisteredClients(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	reg := h.Handle(&protocol.Request{QueryType: protocol.QueryRegistration, Payload: map[string]any{"name": "rtu"}})
	id := reg.Payload["id"].(string)

	resp := h.Handle(&protocol.Request{QueryType: protocol.QueryGetEntity, Payload: map[string]any{"entity_id": id}})
	require.True(t, resp.OK)
	assert.Equal(t, "client", resp.Payload["kind"])
}
