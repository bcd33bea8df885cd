package simulator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// DataPointProvider backs one or more data points with a concrete source:
// direct grid access, a fieldbus register map, or a copy of another point.
type DataPointProvider interface {
	GetValue(identifier string) (any, error)
	SetValue(identifier string, value any) error
}

// DataPoint maps a device-local identifier onto a provider and the
// provider-specific key it should use to resolve it.
type DataPoint struct {
	Identifier   string `json:"identifier"`
	ProviderType string `json:"provider_type"`
	ProviderKey  string `json:"provider_key"`
}

// DataPointSimulator exposes a uniform façade RTU-style clients use to read
// and write device-local points without knowing which backend ultimately
// serves them (§4.6).
type DataPointSimulator struct {
	mu        sync.RWMutex
	points    map[string]*DataPoint
	providers map[string]DataPointProvider
}

// NewDataPointSimulator builds an empty DataPointSimulator.
func NewDataPointSimulator() *DataPointSimulator {
	return &DataPointSimulator{
		points:    make(map[string]*DataPoint),
		providers: make(map[string]DataPointProvider),
	}
}

// RegisterProvider wires a named backend (e.g. "power_grid", "modbus",
// "register", "copy") that DefinePoint can then reference.
func (d *DataPointSimulator) RegisterProvider(providerType string, provider DataPointProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[providerType] = provider
}

// DefinePoint registers a device-local identifier resolving through
// providerType using providerKey, used by scenario loading.
func (d *DataPointSimulator) DefinePoint(identifier, providerType, providerKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.points[identifier] = &DataPoint{Identifier: identifier, ProviderType: providerType, ProviderKey: providerKey}
}

func (d *DataPointSimulator) resolve(identifier string) (*DataPoint, DataPointProvider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dp, ok := d.points[identifier]
	if !ok {
		return nil, nil, ctlerrors.NewInvalidError(fmt.Sprintf("unknown data point %q", identifier))
	}
	provider, ok := d.providers[dp.ProviderType]
	if !ok {
		return nil, nil, ctlerrors.NewInvalidError(fmt.Sprintf("no provider registered for type %q", dp.ProviderType))
	}
	return dp, provider, nil
}

var dataPointQueryTypes = map[string]bool{
	protocol.QueryGetDataPoints:     true,
	protocol.QueryGetDataPointValue: true,
	protocol.QuerySetDataPointValue: true,
}

func (d *DataPointSimulator) Claims(queryType string) bool { return dataPointQueryTypes[queryType] }

func (d *DataPointSimulator) Handle(req *protocol.Request) *protocol.Response {
	switch req.QueryType {
	case protocol.QueryGetDataPoints:
		return protocol.OKResponse(map[string]any{"data_points": d.snapshot()})

	case protocol.QueryGetDataPointValue:
		identifier, _ := req.Payload["identifier"].(string)
		_, provider, err := d.resolve(identifier)
		if err != nil {
			return protocol.FailResponse(err.Error())
		}
		dp := d.pointFor(identifier)
		value, err := provider.GetValue(dp.ProviderKey)
		if err != nil {
			return protocol.FailResponse(err.Error())
		}
		return protocol.OKResponse(map[string]any{"identifier": identifier, "value": value})

	case protocol.QuerySetDataPointValue:
		identifier, _ := req.Payload["identifier"].(string)
		_, provider, err := d.resolve(identifier)
		if err != nil {
			return protocol.FailResponse(err.Error())
		}
		dp := d.pointFor(identifier)
		if err := provider.SetValue(dp.ProviderKey, req.Payload["value"]); err != nil {
			return protocol.FailResponse(err.Error())
		}
		return protocol.OKResponse(map[string]any{"identifier": identifier})
	}
	return nil
}

func (d *DataPointSimulator) pointFor(identifier string) *DataPoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.points[identifier]
}

func (d *DataPointSimulator) snapshot() []*DataPoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*DataPoint, 0, len(d.points))
	for _, dp := range d.points {
		out = append(out, dp)
	}
	return out
}

func (d *DataPointSimulator) RequiredClients() []string      { return nil }
func (d *DataPointSimulator) Start() error                   { return nil }
func (d *DataPointSimulator) Stop() error                    { return nil }
func (d *DataPointSimulator) Ready() bool                    { return true }
func (d *DataPointSimulator) LoadScenario(path string) error { return nil }

// PowerGridDataPointProvider implements DataPointProvider as a direct
// passthrough to a GridModel: provider keys are GridValue identifiers in
// "{element}.{context}.{name}" form.
type PowerGridDataPointProvider struct {
	model *GridModel
}

// NewPowerGridDataPointProvider wraps model for data point access.
func NewPowerGridDataPointProvider(model *GridModel) *PowerGridDataPointProvider {
	return &PowerGridDataPointProvider{model: model}
}

func (p *PowerGridDataPointProvider) GetValue(providerKey string) (any, error) {
	v, err := p.lookup(providerKey)
	if err != nil {
		return nil, err
	}
	return v.Read(), nil
}

func (p *PowerGridDataPointProvider) SetValue(providerKey string, value any) error {
	v, err := p.lookup(providerKey)
	if err != nil {
		return err
	}
	return p.model.Set(v, value, false, false)
}

func (p *PowerGridDataPointProvider) lookup(providerKey string) (*protocol.GridValue, error) {
	// Element identifiers contain a dot themselves ("bus.1"), so context and
	// name are taken from the last two dot-separated parts.
	nameSep := strings.LastIndex(providerKey, ".")
	ctxSep := -1
	if nameSep > 0 {
		ctxSep = strings.LastIndex(providerKey[:nameSep], ".")
	}
	if ctxSep <= 0 {
		return nil, ctlerrors.NewInvalidError(fmt.Sprintf("malformed power_grid provider key %q", providerKey))
	}
	v := p.model.Get(providerKey[:ctxSep], protocol.GridValueContext(providerKey[ctxSep+1:nameSep]), providerKey[nameSep+1:])
	if v == nil {
		return nil, ctlerrors.NewInvalidError(fmt.Sprintf("unknown grid value %q", providerKey))
	}
	return v, nil
}

// StubProvider illustrates the DataPointProvider interface for a
// protocol-specific backend (Modbus register map, static copy source, ...)
// without implementing real fieldbus I/O.
type StubProvider struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewStubProvider builds a StubProvider seeded with an in-memory value map,
// standing in for a Modbus/register/copy backend.
func NewStubProvider() *StubProvider {
	return &StubProvider{values: make(map[string]any)}
}

func (s *StubProvider) GetValue(providerKey string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[providerKey], nil
}

func (s *StubProvider) SetValue(providerKey string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[providerKey] = value
	return nil
}
