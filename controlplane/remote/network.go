package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/client"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// DefaultTopologyInterval bounds how stale the cached nodes/links may be
// before Nodes/Links forces a refresh.
const DefaultTopologyInterval = 10 * time.Second

// RemoteNetworkEmulator is a client-side mirror of the topology graph. It
// polls GET_NODES/GET_LINKS on a TTL like RemoteGridValue, but additionally
// invalidates itself immediately on a TOPOLOGY_CHANGED notification, since
// structural changes (links added or removed) are rare enough to push
// instead of poll.
type RemoteNetworkEmulator struct {
	c *client.Client

	interval time.Duration

	mu           sync.RWMutex
	nodes        map[string]*protocol.Node
	links        map[string]*protocol.Link
	lastNodeSync time.Time
	lastLinkSync time.Time

	callbacksMu          sync.Mutex
	onTopologyChanged []func()

	unsubscribe func()
}

// NewRemoteNetworkEmulator builds an emulator bound to c. Nodes/Links
// populate lazily on first access.
func NewRemoteNetworkEmulator(c *client.Client) *RemoteNetworkEmulator {
	e := &RemoteNetworkEmulator{
		c:        c,
		interval: DefaultTopologyInterval,
		nodes:    make(map[string]*protocol.Node),
		links:    make(map[string]*protocol.Link),
	}
	e.unsubscribe = c.Subscribe(protocol.TopicTopologyChanged, e.onTopologyChangedNotification)
	return e
}

// Close unsubscribes from TOPOLOGY_CHANGED. It does not close the underlying
// client.
func (e *RemoteNetworkEmulator) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

// SetSynchronizationInterval overrides the default TTL before Nodes/Links
// force a refresh.
func (e *RemoteNetworkEmulator) SetSynchronizationInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = d
}

// OnTopologyChanged registers a callback fired after a TOPOLOGY_CHANGED
// notification has been reconciled against fresh GET_NODES/GET_LINKS data.
func (e *RemoteNetworkEmulator) OnTopologyChanged(cb func()) {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()
	e.onTopologyChanged = append(e.onTopologyChanged, cb)
}

// Nodes returns every known node, refreshing first if the cache is stale.
func (e *RemoteNetworkEmulator) Nodes() ([]*protocol.Node, error) {
	if e.nodesStale() {
		if err := e.refreshNodes(); err != nil {
			return nil, err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*protocol.Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		out = append(out, n)
	}
	return out, nil
}

// Node looks up a single node by entity id, refreshing first if stale.
func (e *RemoteNetworkEmulator) Node(entityID string) (*protocol.Node, error) {
	if e.nodesStale() {
		if err := e.refreshNodes(); err != nil {
			return nil, err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodes[entityID], nil
}

// Links returns every known link, refreshing first if the cache is stale.
func (e *RemoteNetworkEmulator) Links() ([]*protocol.Link, error) {
	if e.linksStale() {
		if err := e.refreshLinks(); err != nil {
			return nil, err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*protocol.Link, 0, len(e.links))
	for _, l := range e.links {
		out = append(out, l)
	}
	return out, nil
}

// Services fetches the current service list directly; services churn too
// often across a simulation run to cache on a TTL the way nodes and links
// are.
func (e *RemoteNetworkEmulator) Services() ([]*protocol.Service, error) {
	resp, err := e.c.Query(protocol.QueryGetServices, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("GET_SERVICES failed: %v", resp.Payload["error"])
	}
	var services []*protocol.Service
	if err := decodeInto(resp.Payload["services"], &services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	return services, nil
}

func (e *RemoteNetworkEmulator) nodesStale() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastNodeSync.IsZero() || time.Since(e.lastNodeSync) > e.interval
}

func (e *RemoteNetworkEmulator) linksStale() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastLinkSync.IsZero() || time.Since(e.lastLinkSync) > e.interval
}

// refreshNodes fetches GET_NODES and reconciles the cache: additions and
// updates replace entries by entity id, and entries no longer present in the
// response are dropped.
func (e *RemoteNetworkEmulator) refreshNodes() error {
	resp, err := e.c.Query(protocol.QueryGetNodes, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("GET_NODES failed: %v", resp.Payload["error"])
	}
	var nodes []*protocol.Node
	if err := decodeInto(resp.Payload["nodes"], &nodes); err != nil {
		return fmt.Errorf("decode nodes: %w", err)
	}

	fresh := make(map[string]*protocol.Node, len(nodes))
	for _, n := range nodes {
		fresh[n.EntityID] = n
	}
	e.mu.Lock()
	e.nodes = fresh
	e.lastNodeSync = time.Now()
	e.mu.Unlock()
	return nil
}

// refreshLinks fetches GET_LINKS and reconciles the cache the same way
// refreshNodes does for nodes.
func (e *RemoteNetworkEmulator) refreshLinks() error {
	resp, err := e.c.Query(protocol.QueryGetLinks, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("GET_LINKS failed: %v", resp.Payload["error"])
	}
	var links []*protocol.Link
	if err := decodeInto(resp.Payload["links"], &links); err != nil {
		return fmt.Errorf("decode links: %w", err)
	}

	fresh := make(map[string]*protocol.Link, len(links))
	for _, l := range links {
		fresh[l.EntityID] = l
	}
	e.mu.Lock()
	e.links = fresh
	e.lastLinkSync = time.Now()
	e.mu.Unlock()
	return nil
}

// onTopologyChangedNotification forces an immediate reconciliation rather
// than waiting for the TTL to expire, then fires the registered callbacks.
// The reconciliation runs on its own goroutine: this handler is called on the
// client's publish-reader goroutine, which must stay free to deliver the
// promise resolution a GET_NODES/GET_LINKS query may be waiting on.
func (e *RemoteNetworkEmulator) onTopologyChangedNotification(_ *protocol.Notification) {
	go func() {
		_ = e.refreshNodes()
		_ = e.refreshLinks()

		e.callbacksMu.Lock()
		callbacks := append([]func(){}, e.onTopologyChanged...)
		e.callbacksMu.Unlock()
		for _, cb := range callbacks {
			cb()
		}
	}()
}
