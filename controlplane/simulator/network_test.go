package simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/promise"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

func newTestNetworkSimulator(t *testing.T) (*NetworkSimulator, *notify.Bus) {
	t.Helper()
	bus := notify.New(notify.Config{})
	t.Cleanup(bus.Stop)
	groupEng := promise.NewGroupEngine(bus)
	return NewNetworkSimulator(bus, groupEng, 50*time.Millisecond), bus
}

func TestGetNodesReturnsGroupPromiseThenResolvesViaNotification(t *testing.T) {
	n, bus := newTestNetworkSimulator(t)
	n.AddNode(&protocol.Node{EntityID: "rtu_1"})

	var received *protocol.Notification
	unsub := bus.Subscribe("rtu_1", func(notif *protocol.Notification) { received = notif })
	defer unsub()

	resp := n.Handle(&protocol.Request{QueryType: protocol.QueryGetNodes, ClientID: "rtu_1"})
	require.True(t, resp.OK)
	assert.NotZero(t, resp.Payload["ref_id"])
	assert.Equal(t, protocol.QueryGetNodes, resp.Payload["group_key"])

	require.Eventually(t, func() bool { return received != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TopicAsyncQueryResolve, received.Topic)
}

func TestGetNodesServesFromCacheWithoutRejoiningGroup(t *testing.T) {
	n, _ := newTestNetworkSimulator(t)
	n.AddNode(&protocol.Node{EntityID: "rtu_1"})

	first := n.Handle(&protocol.Request{QueryType: protocol.QueryGetNodes, ClientID: "rtu_1"})
	require.True(t, first.OK)

	require.Eventually(t, func() bool {
		return n.nodesCache.cached != nil
	}, time.Second, 10*time.Millisecond)

	second := n.Handle(&protocol.Request{QueryType: protocol.QueryGetNodes, ClientID: "rtu_1"})
	require.True(t, second.OK)
	_, isGroupRef := second.Payload["ref_id"]
	assert.False(t, isGroupRef, "a warm cache hit must return the snapshot directly, not a new group reference")
	assert.NotNil(t, second.Payload["nodes"])
}

func TestAddLinkInvalidatesCacheAndAnnouncesTopologyChanged(t *testing.T) {
	n, bus := newTestNetworkSimulator(t)

	var received *protocol.Notification
	unsub := bus.Subscribe("observer", func(notif *protocol.Notification) { received = notif })
	defer unsub()

	resp := n.Handle(&protocol.Request{QueryType: protocol.QueryAddLink, Payload: map[string]any{
		"entity_id": "link_1", "interface_a_id": "if_a", "interface_b_id": "if_b",
	}})
	require.True(t, resp.OK)

	require.Eventually(t, func() bool { return received != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TopicTopologyChanged, received.Topic)
}

func TestSetLinkPropertyUpdatesModelAndBroadcasts(t *testing.T) {
	n, bus := newTestNetworkSimulator(t)
	n.Handle(&protocol.Request{QueryType: protocol.QueryAddLink, Payload: map[string]any{
		"entity_id": "link_1", "interface_a_id": "if_a", "interface_b_id": "if_b",
	}})

	var received *protocol.Notification
	unsub := bus.Subscribe("observer", func(notif *protocol.Notification) { received = notif })
	defer unsub()

	resp := n.Handle(&protocol.Request{QueryType: protocol.QuerySetLinkProperty, Payload: map[string]any{
		"link_id": "link_1", "delay_ms": 25.0,
	}})
	require.True(t, resp.OK)

	require.Eventually(t, func() bool { return received != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TopicLinkPropertyChanged, received.Topic)
}

func TestSetLinkPropertyUnknownLinkFails(t *testing.T) {
	n, _ := newTestNetworkSimulator(t)
	resp := n.Handle(&protocol.Request{QueryType: protocol.QuerySetLinkProperty, Payload: map[string]any{"link_id": "ghost"}})
	assert.False(t, resp.OK)
}

func TestStartStopKillServiceBroadcastsServiceEvent(t *testing.T) {
	n, bus := newTestNetworkSimulator(t)
	n.mu.Lock()
	n.services[1] = &protocol.Service{ID: 1}
	n.mu.Unlock()

	var received *protocol.Notification
	unsub := bus.Subscribe("observer", func(notif *protocol.Notification) { received = notif })
	defer unsub()

	resp := n.Handle(&protocol.Request{QueryType: protocol.QueryStartService, Payload: map[string]any{"service_id": 1.0}})
	require.True(t, resp.OK)

	require.Eventually(t, func() bool { return received != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TopicServiceEvent, received.Topic)
}

func TestResolveEntityFindsNodesAndLinks(t *testing.T) {
	n, _ := newTestNetworkSimulator(t)
	n.AddNode(&protocol.Node{EntityID: "rtu_1"})

	resolved, ok := n.ResolveEntity("rtu_1")
	require.True(t, ok)
	assert.Equal(t, "node", resolved["kind"])

	_, ok = n.ResolveEntity("ghost")
	assert.False(t, ok)
}

func TestRequiredClientsFiltersByRole(t *testing.T) {
	n, _ := newTestNetworkSimulator(t)
	n.AddNode(&protocol.Node{EntityID: "rtu_1", Roles: map[string]bool{"required_client": true}})
	n.AddNode(&protocol.Node{EntityID: "optional_1"})

	assert.Equal(t, []string{"rtu_1"}, n.RequiredClients())
}
