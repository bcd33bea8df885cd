// Package registry implements the Registry & Named Events component (C5):
// client bookkeeping, the required-clients wait loop, and the server-
// authoritative named boolean event map.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// Registry tracks connected clients and assigns monotonic ids.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*protocol.Client
	counters map[string]int
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		clients:  make(map[string]*protocol.Client),
		counters: make(map[string]int),
	}
}

// Register assigns a fresh "{name}_{n}" id for name and records the client.
// n is a monotonically increasing counter scoped to name, unique for the
// process lifetime.
func (r *Registry) Register(name string) *protocol.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[name]++
	id := fmt.Sprintf("%s_%d", name, r.counters[name])
	c := &protocol.Client{ID: id, Name: name, RegisteredAt: time.Now()}
	r.clients[id] = c
	return c
}

// Reregister confirms liveness of an already-assigned id. Returns
// InvalidError if id is unknown.
func (r *Registry) Reregister(id string) (*protocol.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, ctlerrors.NewInvalidError(fmt.Sprintf("unknown client id %q", id))
	}
	return c, nil
}

// List returns every registered client, ordered by RegisteredAt.
func (r *Registry) List() []*protocol.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*protocol.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	// Insertion order == registration order since counters strictly increase;
	// a stable sort by RegisteredAt keeps the contract explicit regardless of
	// map iteration order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RegisteredAt.Before(out[j-1].RegisteredAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Has reports whether id is a currently registered client.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// WaitForRequired blocks until every id in required is registered, logging
// the missing set every logInterval, or until timeout elapses — at which
// point it returns the still-missing set and the caller proceeds with a
// warning rather than blocking startup forever.
func (r *Registry) WaitForRequired(required []string, timeout, logInterval time.Duration, onMissing func(missing []string)) (missing []string) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(logInterval)
	defer ticker.Stop()

	for {
		missing = r.missingOf(required)
		if len(missing) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return missing
		}
		select {
		case <-ticker.C:
			if onMissing != nil {
				onMissing(missing)
			}
		case <-time.After(10 * time.Millisecond):
			// Poll frequently so the wait can detect satisfaction well before
			// the next log tick, without logging on every poll.
		}
	}
}

func (r *Registry) missingOf(required []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, id := range required {
		if _, ok := r.clients[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
