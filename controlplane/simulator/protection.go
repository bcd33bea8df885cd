package simulator

import (
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// protectionState tracks one monitored GridValue's sustained-exceedance
// window.
type protectionState struct {
	exceedingSince time.Time
	triggered      bool
}

// protectionEmulator watches MEASUREMENT GridValues relative to a nominal
// baseline captured the first time each identifier is observed, and raises
// PROTECTION_TRIGGERED once a value has stayed beyond thresholdPct of that
// baseline for at least delay. PROTECTION_CLEARED fires once the value
// returns inside the threshold.
type protectionEmulator struct {
	mu    sync.Mutex
	bus   *notify.Bus
	delay time.Duration

	thresholdPct float64
	baseline     map[string]float64
	states       map[string]*protectionState

	now func() time.Time
}

func newProtectionEmulator(bus *notify.Bus, delay time.Duration, thresholdPct float64) *protectionEmulator {
	return &protectionEmulator{
		bus:          bus,
		delay:        delay,
		thresholdPct: thresholdPct,
		baseline:     make(map[string]float64),
		states:       make(map[string]*protectionState),
		now:          time.Now,
	}
}

// observe checks v's current reading against its baseline, raising or
// clearing the protection trip for v's identifier as needed. Non-numeric
// values are ignored.
func (p *protectionEmulator) observe(v *protocol.GridValue) {
	reading, ok := asFloat(v.Read())
	if !ok {
		return
	}

	id := v.Identifier()

	p.mu.Lock()
	defer p.mu.Unlock()

	baseline, known := p.baseline[id]
	if !known {
		p.baseline[id] = reading
		return
	}
	if baseline == 0 {
		return
	}

	deviationPct := ((reading - baseline) / baseline) * 100
	if deviationPct < 0 {
		deviationPct = -deviationPct
	}

	state, ok := p.states[id]
	if !ok {
		state = &protectionState{}
		p.states[id] = state
	}

	exceeding := deviationPct >= p.thresholdPct
	now := p.now()

	if !exceeding {
		if state.triggered {
			state.triggered = false
			p.bus.Broadcast(protocol.TopicProtectionCleared, map[string]any{
				"identifier": id,
				"measurement": reading,
			})
		}
		state.exceedingSince = time.Time{}
		return
	}

	if state.exceedingSince.IsZero() {
		state.exceedingSince = now
	}
	if !state.triggered && now.Sub(state.exceedingSince) >= p.delay {
		state.triggered = true
		p.bus.Broadcast(protocol.TopicProtectionTriggered, map[string]any{
			"identifier":  id,
			"measurement": reading,
			"threshold":   p.thresholdPct,
		})
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
