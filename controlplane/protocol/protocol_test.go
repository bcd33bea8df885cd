package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotificationBroadcastSemantics(t *testing.T) {
	empty := &Notification{Topic: TopicEvents}
	assert.True(t, empty.IsBroadcast())
	assert.True(t, empty.TargetsClient("alice_1"))

	star := &Notification{Topic: TopicEvents, Recipients: []string{BroadcastRecipient}}
	assert.True(t, star.IsBroadcast())

	unicast := &Notification{Topic: TopicAsyncQueryResolve, Recipients: []string{"alice_1"}}
	assert.False(t, unicast.IsBroadcast())
	assert.True(t, unicast.TargetsClient("alice_1"))
	assert.False(t, unicast.TargetsClient("bob_2"))
}

func TestRequestHandledBookkeeping(t *testing.T) {
	r := &Request{QueryType: QueryEcho}
	assert.False(t, r.IsHandled())
	r.MarkHandled()
	assert.True(t, r.IsHandled())
	assert.Equal(t, 1, r.HandledCount)
}

func TestGridValueReadRespectsFreeze(t *testing.T) {
	v := &GridValue{
		ElementIdentifier: "bus.1",
		Context:           ContextMeasurement,
		Name:              "voltage",
		Value:             1.02,
	}
	assert.Equal(t, 1.02, v.Read())

	v.Frozen = true
	v.FrozenValue = 1.00
	assert.Equal(t, 1.00, v.Read())

	v.Frozen = false
	assert.Equal(t, 1.02, v.Read())
}

func TestGridValueIdentifier(t *testing.T) {
	v := &GridValue{ElementIdentifier: "bus.1", Context: ContextConfiguration, Name: "voltage_setpoint"}
	assert.Equal(t, "bus.1.CONFIGURATION.voltage_setpoint", v.Identifier())
}

func TestGridElementIdentifier(t *testing.T) {
	e := &GridElement{Type: "bus", Index: 1}
	assert.Equal(t, "bus.1", e.Identifier())
}

func TestGroupPromiseResponseCarriesGroupKey(t *testing.T) {
	r := NewGroupPromiseResponse("GET_GRID_REPRESENTATION", 42)
	assert.True(t, r.OK)
	assert.Equal(t, uint64(42), r.RefID)
	assert.Equal(t, "GET_GRID_REPRESENTATION", r.GroupKey)
}

func TestUnhandledQueryResponse(t *testing.T) {
	r := UnhandledQueryResponse("FOO")
	assert.False(t, r.OK)
	assert.Contains(t, r.Payload["error"], "FOO")
}
