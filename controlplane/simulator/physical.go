package simulator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/cotime"
	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/observability"
	"github.com/fkie-cad/wattson-controlplane/controlplane/promise"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// gridUpdate describes one value change pending in the bulk flush buffer.
type gridUpdate struct {
	identifier string
	value      any
	wallTS     float64
	simTS      float64
}

// Solver runs one numeric power-flow pass over the grid model. The solver's
// internals are opaque to this package; it mutates GridValues it is given
// access to and reports whether the pass converged.
type Solver interface {
	Solve() error
}

// NoiseFunc mutates a set of GridValues in place, used both for pre-sim
// perturbation of configuration values and post-sim perturbation of
// measurement values.
type NoiseFunc func(values []*protocol.GridValue)

// CoalescingParams configures the physical simulator's iteration pacing and
// its protection emulator's trip delay/threshold.
type CoalescingParams struct {
	MinInterval    time.Duration
	MaxInterval    time.Duration
	TargetCPUShare float64

	ProtectionDelay     time.Duration
	ProtectionThreshold float64
}

// PhysicalSimulator owns the GridModel and runs the coalescing simulation
// loop described in §4.6.
type PhysicalSimulator struct {
	model  *GridModel
	bus    *notify.Bus
	clock  *cotime.CoTime
	solver Solver
	logger logging.Logger

	preNoise  NoiseFunc
	postNoise NoiseFunc

	params  CoalescingParams
	currentInterval time.Duration

	signal chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*gridUpdate

	ready   int32 // atomic bool
	started int32 // atomic bool

	protection *protectionEmulator

	representationCache *TimedCache
}

// NewPhysicalSimulator builds a PhysicalSimulator. solver and noise
// functions may be nil (no-op). groupEng and cacheTTL back the
// GET_GRID_REPRESENTATION snapshot cache the same way NewNetworkSimulator
// backs GET_NODES/GET_LINKS.
func NewPhysicalSimulator(bus *notify.Bus, clock *cotime.CoTime, solver Solver, groupEng *promise.GroupEngine, cacheTTL time.Duration, params CoalescingParams, logger logging.Logger) *PhysicalSimulator {
	if logger == nil {
		logger = logging.NewNoop()
	}
	if params.MinInterval <= 0 {
		params.MinInterval = 50 * time.Millisecond
	}
	if params.MaxInterval <= 0 {
		params.MaxInterval = time.Second
	}
	if params.TargetCPUShare <= 0 {
		params.TargetCPUShare = 0.25
	}
	if params.ProtectionDelay <= 0 {
		params.ProtectionDelay = 200 * time.Millisecond
	}
	if params.ProtectionThreshold <= 0 {
		params.ProtectionThreshold = 10.0
	}

	p := &PhysicalSimulator{
		bus:             bus,
		clock:           clock,
		solver:          solver,
		logger:          logger,
		params:          params,
		currentInterval: params.MinInterval,
		signal:          make(chan struct{}, 1),
		stop:            make(chan struct{}),
		pending:         make(map[string]*gridUpdate),
	}
	p.model = NewGridModel(p.onExternalSet, p.enqueueIteration)
	p.protection = newProtectionEmulator(bus, params.ProtectionDelay, params.ProtectionThreshold)
	p.representationCache = NewTimedCache(protocol.QueryGetGridRepresentation, cacheTTL, p.buildRepresentationSnapshot, groupEng)
	return p
}

func (p *PhysicalSimulator) buildRepresentationSnapshot() *protocol.Response {
	return protocol.OKResponse(map[string]any{"elements": p.model.Snapshot()})
}

// Model exposes the underlying GridModel for scenario loading and the data
// point simulator.
func (p *PhysicalSimulator) Model() *GridModel { return p.model }

// SetNoiseFunctions installs the pre-sim and post-sim noise functions.
func (p *PhysicalSimulator) SetNoiseFunctions(pre, post NoiseFunc) {
	p.preNoise = pre
	p.postNoise = post
}

func (p *PhysicalSimulator) onExternalSet(v *protocol.GridValue) {
	p.bus.Broadcast(protocol.TopicGridValueChanged, map[string]any{
		"identifier": v.Identifier(),
		"value":      v.Read(),
	})
}

func (p *PhysicalSimulator) enqueueIteration() {
	select {
	case p.signal <- struct{}{}:
	default:
		// Already one iteration queued; additional writes before it runs
		// coalesce into that same pass.
	}
}

// Start launches the coalescing worker goroutine.
func (p *PhysicalSimulator) Start() error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return nil
	}
	p.wg.Add(1)
	go p.loop()
	p.enqueueIteration()
	return nil
}

// Stop terminates the worker goroutine and waits for it to exit.
func (p *PhysicalSimulator) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.started, 1, 0) {
		return nil
	}
	close(p.stop)
	p.wg.Wait()
	return nil
}

func (p *PhysicalSimulator) Ready() bool { return atomic.LoadInt32(&p.ready) == 1 }

func (p *PhysicalSimulator) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.signal:
			start := time.Now()
			p.runIteration()
			atomic.StoreInt32(&p.ready, 1)
			p.adaptInterval(time.Since(start))

			select {
			case <-time.After(p.currentInterval):
			case <-p.stop:
				return
			}
		}
	}
}

// adaptInterval grows or shrinks the pause between iterations so the solver
// occupies roughly TargetCPUShare of wall-clock time, clamped to
// [MinInterval, MaxInterval].
func (p *PhysicalSimulator) adaptInterval(elapsed time.Duration) {
	if p.params.TargetCPUShare <= 0 || p.params.TargetCPUShare >= 1 {
		p.currentInterval = p.params.MinInterval
		return
	}
	totalCycle := time.Duration(float64(elapsed) / p.params.TargetCPUShare)
	idle := totalCycle - elapsed
	if idle < p.params.MinInterval {
		idle = p.params.MinInterval
	}
	if idle > p.params.MaxInterval {
		idle = p.params.MaxInterval
	}
	p.currentInterval = idle
	observability.SetSimulationInterval(idle.Seconds())
}

func (p *PhysicalSimulator) runIteration() {
	iterStart := time.Now()
	values := p.model.AllValues()
	configValues := filterByContext(values, protocol.ContextConfiguration)
	measurementValues := filterByContext(values, protocol.ContextMeasurement)

	original := snapshotValues(configValues)
	if p.preNoise != nil {
		p.preNoise(configValues)
	}

	var err error
	if p.solver != nil {
		err = p.solver.Solve()
	}

	restoreValues(configValues, original)

	if p.postNoise != nil {
		p.postNoise(measurementValues)
	}

	wallTS := p.wallNow()
	simTS := p.simNow()
	for _, v := range measurementValues {
		p.bufferUpdate(v, wallTS, simTS)
		p.protection.observe(v)
	}

	p.flushBulkUpdate()
	p.bus.Broadcast(protocol.TopicSimulationStepDone, map[string]any{"success": err == nil})
	observability.RecordSimulationIteration(err == nil, time.Since(iterStart).Seconds())
	if err != nil {
		p.logger.Warn("simulation_step_failed", "error", err.Error())
	}
}

func (p *PhysicalSimulator) wallNow() float64 {
	if p.clock == nil {
		return 0
	}
	return p.clock.WallNow()
}

func (p *PhysicalSimulator) simNow() float64 {
	if p.clock == nil {
		return 0
	}
	return p.clock.SimNow()
}

func (p *PhysicalSimulator) bufferUpdate(v *protocol.GridValue, wallTS, simTS float64) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending[v.Identifier()] = &gridUpdate{identifier: v.Identifier(), value: v.Read(), wallTS: wallTS, simTS: simTS}
}

func (p *PhysicalSimulator) flushBulkUpdate() {
	p.pendingMu.Lock()
	if len(p.pending) == 0 {
		p.pendingMu.Unlock()
		return
	}
	batch := make(map[string]any, len(p.pending))
	for id, u := range p.pending {
		batch[id] = map[string]any{"value": u.value, "wall_ts": u.wallTS, "sim_ts": u.simTS}
	}
	p.pending = make(map[string]*gridUpdate)
	p.pendingMu.Unlock()

	p.bus.Broadcast(protocol.TopicGridValuesUpdated, map[string]any{"grid_values": batch})
}

func filterByContext(values []*protocol.GridValue, context protocol.GridValueContext) []*protocol.GridValue {
	var out []*protocol.GridValue
	for _, v := range values {
		if v.Context == context {
			out = append(out, v)
		}
	}
	return out
}

func snapshotValues(values []*protocol.GridValue) map[string]any {
	out := make(map[string]any, len(values))
	for _, v := range values {
		out[v.Identifier()] = v.Value
	}
	return out
}

func restoreValues(values []*protocol.GridValue, snapshot map[string]any) {
	for _, v := range values {
		v.Value = snapshot[v.Identifier()]
	}
}

var physicalQueryTypes = map[string]bool{
	protocol.QueryGetGridRepresentation: true,
	protocol.QueryGetGridValue:          true,
	protocol.QuerySetGridValue:          true,
	protocol.QueryFreezeGridValue:       true,
	protocol.QueryUnfreezeGridValue:     true,
	protocol.QueryLockGridValue:         true,
	protocol.QueryUnlockGridValue:       true,
}

func (p *PhysicalSimulator) Claims(queryType string) bool { return physicalQueryTypes[queryType] }

func (p *PhysicalSimulator) Handle(req *protocol.Request) *protocol.Response {
	switch req.QueryType {
	case protocol.QueryGetGridRepresentation:
		return p.representationCache.Get(req.ClientID)

	case protocol.QueryGetGridValue:
		v := p.lookupValue(req.Payload)
		if v == nil {
			return protocol.FailResponse(ctlerrors.NewInvalidError("unknown grid value").Error())
		}
		return protocol.OKResponse(map[string]any{"identifier": v.Identifier(), "value": v.Read()})

	case protocol.QuerySetGridValue:
		return p.handleSetGridValue(req)

	case protocol.QueryFreezeGridValue:
		return p.handleFreeze(req, true)

	case protocol.QueryUnfreezeGridValue:
		return p.handleFreeze(req, false)

	case protocol.QueryLockGridValue:
		return p.handleLock(req, true)

	case protocol.QueryUnlockGridValue:
		return p.handleLock(req, false)
	}
	return nil
}

func (p *PhysicalSimulator) lookupValue(payload map[string]any) *protocol.GridValue {
	elementID, _ := payload["element_identifier"].(string)
	context, _ := payload["context"].(string)
	name, _ := payload["name"].(string)
	if elementID == "" || context == "" || name == "" {
		return nil
	}
	return p.model.Get(elementID, protocol.GridValueContext(context), name)
}

func (p *PhysicalSimulator) handleSetGridValue(req *protocol.Request) *protocol.Response {
	v := p.lookupValue(req.Payload)
	if v == nil {
		return protocol.FailResponse(ctlerrors.NewInvalidError("unknown grid value").Error())
	}
	override, _ := req.Payload["override"].(bool)
	if err := p.model.Set(v, req.Payload["value"], override, false); err != nil {
		return protocol.FailResponse(err.Error())
	}
	return protocol.OKResponse(map[string]any{"identifier": v.Identifier(), "value": v.Read()})
}

func (p *PhysicalSimulator) handleFreeze(req *protocol.Request, freeze bool) *protocol.Response {
	v := p.lookupValue(req.Payload)
	if v == nil {
		return protocol.FailResponse(ctlerrors.NewInvalidError("unknown grid value").Error())
	}
	if freeze {
		p.model.Freeze(v, req.Payload["value"])
	} else {
		p.model.Unfreeze(v)
	}
	p.bus.Broadcast(protocol.TopicGridValueStateChanged, map[string]any{"identifier": v.Identifier(), "value": v})
	return protocol.OKResponse(map[string]any{"identifier": v.Identifier(), "frozen": v.Frozen})
}

func (p *PhysicalSimulator) handleLock(req *protocol.Request, lock bool) *protocol.Response {
	v := p.lookupValue(req.Payload)
	if v == nil {
		return protocol.FailResponse(ctlerrors.NewInvalidError("unknown grid value").Error())
	}
	if lock {
		p.model.Lock(v)
	} else {
		p.model.Unlock(v)
	}
	p.bus.Broadcast(protocol.TopicGridValueStateChanged, map[string]any{"identifier": v.Identifier(), "value": v})
	return protocol.OKResponse(map[string]any{"identifier": v.Identifier(), "locked": v.Locked})
}

func (p *PhysicalSimulator) RequiredClients() []string { return nil }

func (p *PhysicalSimulator) LoadScenario(path string) error { return nil }

// ResolveEntity implements core.EntityResolver by delegating to the model.
func (p *PhysicalSimulator) ResolveEntity(entityID string) (map[string]any, bool) {
	return p.model.ResolveEntity(entityID)
}
