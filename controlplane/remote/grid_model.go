package remote

import (
	"fmt"
	"sync"

	"github.com/fkie-cad/wattson-controlplane/controlplane/client"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// RemoteGridModel is a client-side mirror of the server's grid representation.
// Synchronize builds the full RemoteGridValue tree once; afterwards the model
// keeps itself current by subscribing to the grid change topics and pushing
// updates straight into the matching RemoteGridValue, so callers that already
// hold a *RemoteGridValue never need to poll it themselves.
type RemoteGridModel struct {
	c *client.Client

	mu     sync.RWMutex
	values map[string]*RemoteGridValue

	unsubscribe []func()
}

// NewRemoteGridModel builds a model bound to c. Call Synchronize before use.
func NewRemoteGridModel(c *client.Client) *RemoteGridModel {
	m := &RemoteGridModel{
		c:      c,
		values: make(map[string]*RemoteGridValue),
	}
	m.unsubscribe = append(m.unsubscribe,
		c.Subscribe(protocol.TopicGridValueChanged, m.onGridValueChanged),
		c.Subscribe(protocol.TopicGridValuesUpdated, m.onGridValuesUpdated),
		c.Subscribe(protocol.TopicGridValueStateChanged, m.onGridValueStateChanged),
	)
	return m
}

// Close unsubscribes the model from its notification topics. It does not
// close the underlying client.
func (m *RemoteGridModel) Close() {
	for _, unsub := range m.unsubscribe {
		unsub()
	}
}

// Synchronize fetches the full grid representation and (re)builds the
// RemoteGridValue tree, preserving synchronization intervals and callbacks
// already registered on values that survive the rebuild.
func (m *RemoteGridModel) Synchronize() error {
	resp, err := m.c.Query(protocol.QueryGetGridRepresentation, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("GET_GRID_REPRESENTATION failed: %v", resp.Payload["error"])
	}

	var elements []*protocol.GridElement
	if err := decodeInto(resp.Payload["elements"], &elements); err != nil {
		return fmt.Errorf("decode grid representation: %w", err)
	}

	next := make(map[string]*RemoteGridValue, len(m.values))
	m.mu.Lock()
	for _, el := range elements {
		for _, gv := range el.Values {
			id := gv.Identifier()
			rv, ok := m.values[id]
			if !ok {
				rv = newRemoteGridValue(m.c, gv.ElementIdentifier, gv.Context, gv.Name)
			}
			rv.applyValue(gv.Read())
			rv.onNotifiedStateChange(gv.Locked, gv.Frozen)
			next[id] = rv
		}
	}
	m.values = next
	m.mu.Unlock()
	return nil
}

// Value returns the RemoteGridValue for identifier, if it was present in the
// last Synchronize call.
func (m *RemoteGridModel) Value(identifier string) (*RemoteGridValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[identifier]
	return v, ok
}

// Values returns every RemoteGridValue known to the model.
func (m *RemoteGridModel) Values() []*RemoteGridValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RemoteGridValue, 0, len(m.values))
	for _, v := range m.values {
		out = append(out, v)
	}
	return out
}

func (m *RemoteGridModel) lookup(identifier string) *RemoteGridValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[identifier]
}

func (m *RemoteGridModel) onGridValueChanged(n *protocol.Notification) {
	id, _ := n.Payload["identifier"].(string)
	if rv := m.lookup(id); rv != nil {
		rv.onNotifiedChange(n.Payload["value"])
	}
}

func (m *RemoteGridModel) onGridValuesUpdated(n *protocol.Notification) {
	batch, ok := n.Payload["grid_values"].(map[string]any)
	if !ok {
		return
	}
	for id, entry := range batch {
		rv := m.lookup(id)
		if rv == nil {
			continue
		}
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		rv.onNotifiedChange(fields["value"])
	}
}

func (m *RemoteGridModel) onGridValueStateChanged(n *protocol.Notification) {
	id, _ := n.Payload["identifier"].(string)
	rv := m.lookup(id)
	if rv == nil {
		return
	}
	var gv protocol.GridValue
	if err := decodeInto(n.Payload["value"], &gv); err != nil {
		return
	}
	rv.onNotifiedStateChange(gv.Locked, gv.Frozen)
}
