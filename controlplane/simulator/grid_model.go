package simulator

import (
	"fmt"
	"sync"

	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// GridModel owns the power-grid element/value graph (§3.5). Writes to
// CONFIGURATION-context values enqueue a simulation iteration; writes to
// measurement values (produced by the simulation loop itself) do not.
type GridModel struct {
	mu       sync.RWMutex
	elements map[string]*protocol.GridElement

	onSet       func(v *protocol.GridValue)
	enqueueIter func()
}

// NewGridModel builds an empty GridModel. onSet is invoked for every
// successful write (the observer hook §4.6 step 4 describes); enqueueIter is
// called whenever a CONFIGURATION write should trigger a simulation
// iteration.
func NewGridModel(onSet func(v *protocol.GridValue), enqueueIter func()) *GridModel {
	return &GridModel{
		elements:    make(map[string]*protocol.GridElement),
		onSet:       onSet,
		enqueueIter: enqueueIter,
	}
}

// element returns the GridElement for identifier, registering an empty one
// if it does not exist yet.
func (g *GridModel) element(identifier string, typ string, index int) *protocol.GridElement {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.elements[identifier]
	if !ok {
		e = &protocol.GridElement{Type: typ, Index: index, Values: make(map[string]*protocol.GridValue)}
		g.elements[identifier] = e
	}
	return e
}

// DefineValue registers a GridValue on an element, creating the element if
// needed. Used by scenario loading and the data point simulator.
func (g *GridModel) DefineValue(elementType string, elementIndex int, context protocol.GridValueContext, name string, initial any, unit string) *protocol.GridValue {
	identifier := fmt.Sprintf("%s.%d", elementType, elementIndex)
	e := g.element(identifier, elementType, elementIndex)

	g.mu.Lock()
	defer g.mu.Unlock()
	key := protocol.GridValueKey(context, name)
	v := &protocol.GridValue{ElementIdentifier: identifier, Context: context, Name: name, Value: initial, Unit: unit, Scale: 1}
	e.Values[key] = v
	return v
}

// Get returns the GridValue for the given identifier components, or nil.
func (g *GridModel) Get(elementIdentifier string, context protocol.GridValueContext, name string) *protocol.GridValue {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.elements[elementIdentifier]
	if !ok {
		return nil
	}
	return e.Values[protocol.GridValueKey(context, name)]
}

// Set writes a new value, refusing the write if the value is locked and
// override is false. Measurement/estimation writes (isMeasurement=true,
// produced by the simulation loop) never enqueue an iteration regardless of
// context; all other successful writes to a CONFIGURATION-context value do.
func (g *GridModel) Set(v *protocol.GridValue, newValue any, override bool, isMeasurement bool) error {
	g.mu.Lock()
	if v.Locked && !override {
		g.mu.Unlock()
		return ctlerrors.NewLockedError(v.Identifier())
	}
	if v.Value == newValue {
		g.mu.Unlock()
		return nil
	}
	v.Value = newValue
	g.mu.Unlock()

	if g.onSet != nil {
		g.onSet(v)
	}
	if !isMeasurement && v.Context == protocol.ContextConfiguration && g.enqueueIter != nil {
		g.enqueueIter()
	}
	return nil
}

// Freeze pins v to frozenValue until Unfreeze is called.
func (g *GridModel) Freeze(v *protocol.GridValue, frozenValue any) {
	g.mu.Lock()
	v.Frozen = true
	v.FrozenValue = frozenValue
	g.mu.Unlock()
}

// Unfreeze releases a previously frozen value.
func (g *GridModel) Unfreeze(v *protocol.GridValue) {
	g.mu.Lock()
	v.Frozen = false
	v.FrozenValue = nil
	g.mu.Unlock()
}

// Lock marks v as refusing non-override writes.
func (g *GridModel) Lock(v *protocol.GridValue) {
	g.mu.Lock()
	v.Locked = true
	g.mu.Unlock()
}

// Unlock clears v's locked flag.
func (g *GridModel) Unlock(v *protocol.GridValue) {
	g.mu.Lock()
	v.Locked = false
	g.mu.Unlock()
}

// Snapshot returns every GridElement, for GET_GRID_REPRESENTATION.
func (g *GridModel) Snapshot() []*protocol.GridElement {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*protocol.GridElement, 0, len(g.elements))
	for _, e := range g.elements {
		out = append(out, e)
	}
	return out
}

// AllValues returns every GridValue across every element, used by the
// simulation loop to apply and revert noise.
func (g *GridModel) AllValues() []*protocol.GridValue {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*protocol.GridValue
	for _, e := range g.elements {
		for _, v := range e.Values {
			out = append(out, v)
		}
	}
	return out
}

// ResolveEntity implements core.EntityResolver for grid elements.
func (g *GridModel) ResolveEntity(entityID string) (map[string]any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.elements[entityID]
	if !ok {
		return nil, false
	}
	return map[string]any{"entity_id": entityID, "kind": "grid_element", "element": e}, true
}
