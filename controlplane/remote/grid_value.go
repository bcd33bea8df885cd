// Package remote implements client-side proxies over the programmatic
// client: cached, lazily-resynchronized views of grid values, the grid
// model, and the network topology, kept fresh by a mix of TTL-based polling
// and reactive invalidation from server-pushed notifications.
package remote

import (
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/client"
	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// DefaultSynchronizationInterval bounds how stale a RemoteGridValue's cached
// reading may be before a read blocks on a fresh GET_GRID_VALUE query.
const DefaultSynchronizationInterval = 60 * time.Second

// OnSetCallback is invoked whenever a RemoteGridValue's local cache changes,
// whether from a read-triggered resync, a write, or a pushed notification.
type OnSetCallback func(value *RemoteGridValue, oldValue, newValue any)

// RemoteGridValue is a client-side proxy for one grid value: it mirrors the
// server's authoritative copy, refreshing lazily on read once
// SynchronizationInterval has elapsed, and reactively whenever the owning
// RemoteGridModel is pushed a change notification for this identifier.
type RemoteGridValue struct {
	c *client.Client

	elementIdentifier string
	context           protocol.GridValueContext
	name              string

	mu               sync.RWMutex
	value            any
	locked           bool
	frozen           bool
	lastSync         time.Time
	syncInterval     time.Duration

	callbacksMu sync.Mutex
	callbacks   []OnSetCallback
}

func newRemoteGridValue(c *client.Client, elementIdentifier string, context protocol.GridValueContext, name string) *RemoteGridValue {
	return &RemoteGridValue{
		c:                 c,
		elementIdentifier: elementIdentifier,
		context:           context,
		name:              name,
		syncInterval:      DefaultSynchronizationInterval,
	}
}

// Identifier returns the canonical "{element}.{context}.{name}" identifier,
// matching protocol.GridValue.Identifier.
func (r *RemoteGridValue) Identifier() string {
	return string(r.elementIdentifier) + "." + string(r.context) + "." + r.name
}

// SetSynchronizationInterval overrides the default TTL before a read forces
// a resync.
func (r *RemoteGridValue) SetSynchronizationInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncInterval = d
}

// AddOnSetCallback registers a callback fired whenever the cached value
// changes, from any source (resync, write, or a pushed notification).
func (r *RemoteGridValue) AddOnSetCallback(cb OnSetCallback) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Value returns the cached reading, synchronizing first if the cache is
// older than the synchronization interval.
func (r *RemoteGridValue) Value() (any, error) {
	if r.stale() {
		if err := r.Synchronize(); err != nil {
			return nil, err
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, nil
}

// Locked reports the last known lock state without forcing a resync.
func (r *RemoteGridValue) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Frozen reports the last known freeze state without forcing a resync.
func (r *RemoteGridValue) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *RemoteGridValue) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync.IsZero() || time.Since(r.lastSync) > r.syncInterval
}

// Synchronize forces an immediate GET_GRID_VALUE query and applies the
// result, regardless of how fresh the cache already is.
func (r *RemoteGridValue) Synchronize() error {
	resp, err := r.c.Query(protocol.QueryGetGridValue, map[string]any{
		"element_identifier": r.elementIdentifier,
		"context":            string(r.context),
		"name":               r.name,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return ctlerrors.NewInvalidErrorf(nil, "synchronize %s: %v", r.Identifier(), resp.Payload["error"])
	}
	r.applyValue(resp.Payload["value"])
	return nil
}

// Set writes value through to the server and applies the server's
// authoritative echo of the write, including whatever coercion or rejection
// it applied (e.g. a locked value refusing the write without override).
func (r *RemoteGridValue) Set(value any, override bool) error {
	resp, err := r.c.Query(protocol.QuerySetGridValue, map[string]any{
		"element_identifier": r.elementIdentifier,
		"context":            string(r.context),
		"name":               r.name,
		"value":              value,
		"override":           override,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return ctlerrors.NewLockedError(r.Identifier())
	}
	r.applyValue(resp.Payload["value"])
	return nil
}

// onNotifiedChange applies a value pushed reactively by the owning
// RemoteGridModel's GRID_VALUE_CHANGED/GRID_VALUES_UPDATED subscription.
func (r *RemoteGridValue) onNotifiedChange(value any) {
	r.applyValue(value)
}

// onNotifiedStateChange applies a lock/freeze state pushed reactively by the
// owning RemoteGridModel's GRID_VALUE_STATE_CHANGED subscription.
func (r *RemoteGridValue) onNotifiedStateChange(locked, frozen bool) {
	r.mu.Lock()
	r.locked = locked
	r.frozen = frozen
	r.mu.Unlock()
}

func (r *RemoteGridValue) applyValue(value any) {
	r.mu.Lock()
	old := r.value
	r.value = value
	r.lastSync = time.Now()
	r.mu.Unlock()

	if old == value {
		return
	}
	r.callbacksMu.Lock()
	callbacks := append([]OnSetCallback{}, r.callbacks...)
	r.callbacksMu.Unlock()
	for _, cb := range callbacks {
		cb(r, old, value)
	}
}
