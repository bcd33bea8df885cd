package simulator

import (
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/promise"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// TimedCache memoizes an expensive-to-build response for ttl, and collapses
// concurrent cache-miss callers into a single rebuild via a group promise
// (§4.6): many clients refreshing GET_NODES/GET_LINKS at once trigger at
// most one snapshot build.
type TimedCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	builtAt   time.Time
	cached    *protocol.Response
	refresh   func() *protocol.Response
	groupKey  string
	groupEng  *promise.GroupEngine
}

// NewTimedCache builds a TimedCache calling refresh to rebuild the snapshot
// after ttl elapses, using groupEng (keyed by groupKey) to collapse
// concurrent rebuilds into one.
func NewTimedCache(groupKey string, ttl time.Duration, refresh func() *protocol.Response, groupEng *promise.GroupEngine) *TimedCache {
	return &TimedCache{ttl: ttl, refresh: refresh, groupKey: groupKey, groupEng: groupEng}
}

// Get returns the cached response directly if still fresh; otherwise it
// joins the shared rebuild group for clientID and returns the
// GroupPromiseResponse the caller should hand back to the router — the
// actual snapshot arrives later via the group's resolve notification.
func (c *TimedCache) Get(clientID string) *protocol.Response {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.builtAt) < c.ttl {
		resp := c.cached
		c.mu.Unlock()
		return resp
	}
	c.mu.Unlock()

	groupResp, started := c.groupEng.Join(c.groupKey, clientID)
	if started {
		c.groupEng.Resolve(c.groupKey, c.rebuild)
		c.groupEng.MarkResolvable(c.groupKey)
	}
	return protocol.OKResponse(map[string]any{
		"ref_id":    groupResp.RefID,
		"group_key": groupResp.GroupKey,
	})
}

func (c *TimedCache) rebuild() *protocol.Response {
	resp := c.refresh()
	c.mu.Lock()
	c.cached = resp
	c.builtAt = time.Now()
	c.mu.Unlock()
	return resp
}

// Invalidate forces the next Get to rebuild regardless of ttl, used when a
// structural mutation (TOPOLOGY_CHANGED) makes the cached snapshot stale.
func (c *TimedCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}
