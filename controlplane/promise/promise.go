// Package promise implements the Promise Engine (C3): deferred resolution of
// requests that can't be answered within the request/reply latency budget,
// including the group-promise mechanism that collapses many identical
// concurrent queries into a single computation.
package promise

import (
	"sync"
	"sync/atomic"

	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// Notifier is the subset of the Notification Bus the Promise Engine needs to
// push resolve notifications.
type Notifier interface {
	Unicast(topic string, payload map[string]any, recipient string)
}

// Engine is the server-side simple (non-group) promise engine. It mints
// monotonically increasing ref ids and remembers which client is waiting on
// each one.
type Engine struct {
	nextRefID uint64 // atomic

	mu      sync.Mutex
	pending map[uint64]string // ref_id -> client_id

	notifier Notifier
}

// NewEngine builds an Engine that publishes resolve notifications through n.
func NewEngine(n Notifier) *Engine {
	return &Engine{pending: make(map[uint64]string), notifier: n}
}

// NewPromise mints a fresh ref_id for clientID and returns the PromiseResponse
// to hand back to the router. The engine remembers (ref_id -> client_id) so a
// later Resolve call knows where to deliver the answer.
func (e *Engine) NewPromise(clientID string) *protocol.PromiseResponse {
	refID := atomic.AddUint64(&e.nextRefID, 1)
	e.mu.Lock()
	e.pending[refID] = clientID
	e.mu.Unlock()
	return protocol.NewPromiseResponse(refID)
}

// Resolve publishes the ASYNC_QUERY_RESOLVE notification for refID, carrying
// a reference_map with exactly this client's entry, and forgets refID. It is
// a no-op if refID is unknown (already resolved, or cancelled).
func (e *Engine) Resolve(refID uint64, response *protocol.Response) {
	e.mu.Lock()
	clientID, ok := e.pending[refID]
	if ok {
		delete(e.pending, refID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.notifier.Unicast(protocol.TopicAsyncQueryResolve, map[string]any{
		"reference_map": map[string]uint64{clientID: refID},
		"response":      response,
	}, clientID)
}

// CancelClient resolves every pending promise owned by clientID with a
// synthetic failure response (§4.3, promise cancellation on client
// shutdown/disconnect).
func (e *Engine) CancelClient(clientID string, reason string) {
	e.mu.Lock()
	var refIDs []uint64
	for refID, owner := range e.pending {
		if owner == clientID {
			refIDs = append(refIDs, refID)
		}
	}
	e.mu.Unlock()

	for _, refID := range refIDs {
		e.Resolve(refID, protocol.FailResponse(reason))
	}
}

// PendingCount reports how many promises are currently outstanding. Exposed
// for tests and diagnostics.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
