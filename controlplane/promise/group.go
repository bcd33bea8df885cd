package promise

import (
	"sync"
	"sync/atomic"

	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// groupPromise is the Go translation of the original wattson_async_group_response:
// a shared pending response for N clients asking the identical expensive
// query. modifyLock is the non-blocking try-lock guarding reference_map
// mutation; resolvable gates the goroutine running resolveTask until the
// response has actually been sent to at least one client (mirroring the
// original's "resolvable.set()" call once the query socket has replied).
type groupPromise struct {
	groupKey string

	modifyLock sync.Mutex
	resolving  bool

	mu           sync.Mutex
	referenceMap map[string]uint64 // client_id -> ref_id

	resolvableOnce sync.Once
	resolvableCh   chan struct{}
}

func newGroupPromise(groupKey string) *groupPromise {
	return &groupPromise{
		groupKey:     groupKey,
		referenceMap: make(map[string]uint64),
		resolvableCh: make(chan struct{}),
	}
}

func (g *groupPromise) registerReference(clientID string, refID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.referenceMap[clientID] = refID
}

func (g *groupPromise) referenceMapCopy() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]uint64, len(g.referenceMap))
	for k, v := range g.referenceMap {
		out[k] = v
	}
	return out
}

// markResolvable signals that the group's response has been handed off to
// the query router (§9 promise lifetime) and resolution may proceed.
func (g *groupPromise) markResolvable() {
	g.resolvableOnce.Do(func() { close(g.resolvableCh) })
}

// GroupEngine is the server-side group promise engine (§4.3, §9). It
// collapses many concurrent identical queries — keyed by an arbitrary
// group_key, typically the query type plus a canonicalized payload — into a
// single computation.
type GroupEngine struct {
	nextRefID uint64 // atomic

	mu     sync.Mutex
	groups map[string]*groupPromise

	notifier Notifier
}

// NewGroupEngine builds a GroupEngine publishing resolve notifications
// through n.
func NewGroupEngine(n Notifier) *GroupEngine {
	return &GroupEngine{groups: make(map[string]*groupPromise), notifier: n}
}

// Join attaches clientID to the pending group computation for groupKey,
// creating one if none exists or if the existing one is already resolving.
// Returns the GroupPromiseResponse to hand back to the router, and started
// reports whether the caller is responsible for kicking off the computation
// via Resolve (true exactly once per "fresh" group).
//
// Locking mirrors the original: a non-blocking try-lock on the group's
// reference map. If the lock is held (the group is already resolving), the
// open question in §9 resolves this as "start a fresh group" rather than
// wait indefinitely — late joiners never block on a resolving computation.
func (ge *GroupEngine) Join(groupKey, clientID string) (resp *protocol.GroupPromiseResponse, started bool) {
	refID := atomic.AddUint64(&ge.nextRefID, 1)

	ge.mu.Lock()
	existing, ok := ge.groups[groupKey]
	if !ok {
		existing = newGroupPromise(groupKey)
		ge.groups[groupKey] = existing
		ok = false
	}
	ge.mu.Unlock()

	if ok && existing.modifyLock.TryLock() {
		if existing.resolving {
			existing.modifyLock.Unlock()
			return ge.startFresh(groupKey, clientID, refID)
		}
		existing.registerReference(clientID, refID)
		existing.modifyLock.Unlock()
		return protocol.NewGroupPromiseResponse(groupKey, refID), false
	}
	if !ok {
		// Freshly created above; no contention possible yet.
		existing.registerReference(clientID, refID)
		return protocol.NewGroupPromiseResponse(groupKey, refID), true
	}
	// Lock contended: another goroutine is joining or resolving concurrently.
	// Per §9, treat this exactly like "already resolving" and start fresh.
	return ge.startFresh(groupKey, clientID, refID)
}

func (ge *GroupEngine) startFresh(groupKey, clientID string, refID uint64) (*protocol.GroupPromiseResponse, bool) {
	fresh := newGroupPromise(groupKey)
	fresh.registerReference(clientID, refID)

	ge.mu.Lock()
	ge.groups[groupKey] = fresh
	ge.mu.Unlock()

	return protocol.NewGroupPromiseResponse(groupKey, refID), true
}

// MarkResolvable signals that the caller who started the group (started==true
// from Join) has finished handing the initial GroupPromiseResponse to the
// router; resolution may now proceed once the computation completes.
func (ge *GroupEngine) MarkResolvable(groupKey string) {
	ge.mu.Lock()
	g, ok := ge.groups[groupKey]
	ge.mu.Unlock()
	if ok {
		g.markResolvable()
	}
}

// Resolve runs compute once markResolvable's gate has opened, then publishes
// one ASYNC_QUERY_RESOLVE notification per subscribed client, each carrying
// its own ref_id in a shared reference_map, and removes the group so the next
// Join for this key starts fresh work.
func (ge *GroupEngine) Resolve(groupKey string, compute func() *protocol.Response) {
	ge.mu.Lock()
	g, ok := ge.groups[groupKey]
	ge.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		<-g.resolvableCh
		// The computation itself runs without holding modifyLock so that
		// concurrent Join calls for the same groupKey can still attach while
		// the result is being built — only the final hand-off briefly marks
		// the group resolving, mirroring the original's narrow locked window.
		response := compute()

		g.modifyLock.Lock()
		g.resolving = true
		refMap := g.referenceMapCopy()
		g.modifyLock.Unlock()

		// Only now is this group's work actually done; remove it so the next
		// Join for groupKey starts a fresh computation instead of attaching
		// to one that already fired.
		ge.mu.Lock()
		if ge.groups[groupKey] == g {
			delete(ge.groups, groupKey)
		}
		ge.mu.Unlock()

		for clientID, refID := range refMap {
			ge.notifier.Unicast(protocol.TopicAsyncQueryResolve, map[string]any{
				"reference_map": refMap,
				"ref_id":        refID,
				"response":      response,
			}, clientID)
		}
	}()
}
