package simulator

import (
	"github.com/fkie-cad/wattson-controlplane/controlplane/cotime"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// TimeSimulator owns the CoTime model and answers GET_TIME/SET_TIME, broken
// out from the core handler so the core handler needs no direct access to
// the clock implementation.
type TimeSimulator struct {
	clock *cotime.CoTime
	bus   *notify.Bus
}

// NewTimeSimulator builds a TimeSimulator broadcasting clock changes on bus.
func NewTimeSimulator(bus *notify.Bus) *TimeSimulator {
	return &TimeSimulator{clock: cotime.New(), bus: bus}
}

// Clock exposes the underlying CoTime for components that need direct reads
// (e.g. the physical simulator stamping grid value updates).
func (t *TimeSimulator) Clock() *cotime.CoTime { return t.clock }

func (t *TimeSimulator) Claims(queryType string) bool {
	return queryType == protocol.QueryGetTime || queryType == protocol.QuerySetTime
}

func (t *TimeSimulator) Handle(req *protocol.Request) *protocol.Response {
	switch req.QueryType {
	case protocol.QueryGetTime:
		snap := t.clock.ToSnapshot()
		return protocol.OKResponse(map[string]any{
			"wall_ref":  snap.WallRef,
			"sim_ref":   snap.SimRef,
			"speed":     snap.Speed,
			"wall_now":  t.clock.WallNow(),
			"sim_now":   t.clock.SimNow(),
		})

	case protocol.QuerySetTime:
		changed := false
		if speed, ok := floatPayload(req.Payload, "speed"); ok {
			changed = t.clock.SetSpeed(speed) || changed
		}
		if wallRef, ok := floatPayload(req.Payload, "wall_ref"); ok {
			changed = t.clock.SetWallReference(wallRef) || changed
		}
		if simRef, ok := floatPayload(req.Payload, "sim_ref"); ok {
			changed = t.clock.SetSimReference(simRef) || changed
		}
		if changed {
			t.broadcastTime()
		}
		return protocol.OKResponse(map[string]any{"changed": changed})
	}
	return nil
}

func (t *TimeSimulator) broadcastTime() {
	snap := t.clock.ToSnapshot()
	t.bus.Broadcast(protocol.TopicWattsonTime, map[string]any{
		"wall_ref": snap.WallRef,
		"sim_ref":  snap.SimRef,
		"speed":    snap.Speed,
	})
}

func (t *TimeSimulator) RequiredClients() []string   { return nil }
func (t *TimeSimulator) Start() error                { return nil }
func (t *TimeSimulator) Stop() error                  { return nil }
func (t *TimeSimulator) Ready() bool                  { return true }
func (t *TimeSimulator) LoadScenario(path string) error { return nil }

func floatPayload(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
