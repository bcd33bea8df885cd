package promise

import (
	"sync"

	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// pendingQuery is a promise as seen from the client: {ref_id, resolve_event,
// response_slot} per §9.
type pendingQuery struct {
	refID    uint64
	done     chan struct{}
	response *protocol.Response
}

// ClientTable is the client-side bookkeeping for outstanding promises (§4.3).
// On receipt of an ASYNC_QUERY_RESOLVE notification, the matching pending
// query's response slot is filled and its resolve event fires. If the
// notification arrives before the client has recorded the pending query —
// the registration race called out in §4.3 — the response is stashed in a
// pre-resolved table keyed by ref_id, and Register consults that table
// first.
type ClientTable struct {
	mu          sync.Mutex
	pending     map[uint64]*pendingQuery
	preResolved map[uint64]*protocol.Response
}

// NewClientTable builds an empty ClientTable.
func NewClientTable() *ClientTable {
	return &ClientTable{
		pending:     make(map[uint64]*pendingQuery),
		preResolved: make(map[uint64]*protocol.Response),
	}
}

// Register starts tracking refID. If a resolution already arrived for this
// ref_id (the pre-resolved race), the returned pendingQuery is already done.
func (t *ClientTable) Register(refID uint64) *pendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq := &pendingQuery{refID: refID, done: make(chan struct{})}
	if resp, ok := t.preResolved[refID]; ok {
		delete(t.preResolved, refID)
		pq.response = resp
		close(pq.done)
		return pq
	}
	t.pending[refID] = pq
	return pq
}

// Resolve fills the response slot for refID and signals its resolve event. If
// no pending query is registered yet for refID, the response is stashed in
// the pre-resolved table for a future Register call to pick up.
func (t *ClientTable) Resolve(refID uint64, response *protocol.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq, ok := t.pending[refID]
	if !ok {
		t.preResolved[refID] = response
		return
	}
	delete(t.pending, refID)
	pq.response = response
	close(pq.done)
}

// CancelAll resolves every currently pending query with a synthetic failure
// response (§4.3, promise cancellation on client shutdown).
func (t *ClientTable) CancelAll(reason string) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*pendingQuery)
	t.mu.Unlock()

	for _, pq := range pending {
		pq.response = protocol.FailResponse(reason)
		close(pq.done)
	}
}

// Wait blocks until pq is resolved, or timeoutCh fires first (e.g. a timer).
// Returns the response and whether it resolved before timeoutCh fired.
func Wait(pq *pendingQuery, timeoutCh <-chan struct{}) (*protocol.Response, bool) {
	select {
	case <-pq.done:
		return pq.response, true
	case <-timeoutCh:
		return nil, false
	}
}

// RefID returns the ref_id this pendingQuery tracks.
func (pq *pendingQuery) RefID() uint64 { return pq.refID }
