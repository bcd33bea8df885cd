// Package simulator implements the Simulator Interface (C6): the common
// contract every simulator satisfies, plus the network, physical, time, and
// data point simulators built on top of it.
package simulator

import "github.com/fkie-cad/wattson-controlplane/controlplane/protocol"

// Simulator is implemented by every component the Query Router can dispatch
// to after the core handler: network, physical, time, and
// data point simulators all satisfy this, and double as router.Handler since
// Claims/Handle match that interface exactly.
type Simulator interface {
	Claims(queryType string) bool
	Handle(req *protocol.Request) *protocol.Response

	// RequiredClients returns the client ids this simulator expects to
	// connect before the controller's startup wait loop proceeds.
	RequiredClients() []string

	Start() error
	Stop() error

	// Ready reports whether this simulator has finished its own startup
	// (e.g. the physical simulator's first solver pass), signalling the
	// controller's readiness gate.
	Ready() bool

	// LoadScenario configures this simulator from a scenario file.
	LoadScenario(path string) error
}
