package simulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/promise"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// NetworkSimulator owns the topology graph (nodes, interfaces, links,
// services) and a process-local link-property engine.
type NetworkSimulator struct {
	mu sync.RWMutex

	nodes    map[string]*protocol.Node
	links    map[string]*protocol.Link
	services map[int]*protocol.Service
	nextSvc  int

	bus *notify.Bus

	nodesCache *TimedCache
	linksCache *TimedCache
}

// NewNetworkSimulator builds an empty NetworkSimulator publishing structural
// and property-change notifications on bus, and collapsing concurrent
// GET_NODES/GET_LINKS snapshot rebuilds through groupEng.
func NewNetworkSimulator(bus *notify.Bus, groupEng *promise.GroupEngine, cacheTTL time.Duration) *NetworkSimulator {
	n := &NetworkSimulator{
		nodes:    make(map[string]*protocol.Node),
		links:    make(map[string]*protocol.Link),
		services: make(map[int]*protocol.Service),
		bus:      bus,
	}
	n.nodesCache = NewTimedCache(protocol.QueryGetNodes, cacheTTL, n.buildNodesSnapshot, groupEng)
	n.linksCache = NewTimedCache(protocol.QueryGetLinks, cacheTTL, n.buildLinksSnapshot, groupEng)
	return n
}

// AddNode registers a topology node directly (used by scenario loading), and
// emits TOPOLOGY_CHANGED.
func (n *NetworkSimulator) AddNode(node *protocol.Node) {
	n.mu.Lock()
	n.nodes[node.EntityID] = node
	n.mu.Unlock()
	n.invalidateAndAnnounce()
}

// AddLink registers a link between two existing interfaces.
func (n *NetworkSimulator) AddLink(link *protocol.Link) error {
	n.mu.Lock()
	n.links[link.EntityID] = link
	n.mu.Unlock()
	n.invalidateAndAnnounce()
	return nil
}

func (n *NetworkSimulator) invalidateAndAnnounce() {
	n.nodesCache.Invalidate()
	n.linksCache.Invalidate()
	n.bus.Broadcast(protocol.TopicTopologyChanged, nil)
}

var networkQueryTypes = map[string]bool{
	protocol.QueryGetNodes:        true,
	protocol.QueryGetLinks:        true,
	protocol.QueryGetServices:     true,
	protocol.QuerySetLinkProperty: true,
	protocol.QueryAddLink:         true,
	protocol.QueryRemoveLink:      true,
	protocol.QueryStartService:    true,
	protocol.QueryStopService:     true,
	protocol.QueryKillService:     true,
}

func (n *NetworkSimulator) Claims(queryType string) bool { return networkQueryTypes[queryType] }

func (n *NetworkSimulator) Handle(req *protocol.Request) *protocol.Response {
	switch req.QueryType {
	case protocol.QueryGetNodes:
		return n.nodesCache.Get(req.ClientID)
	case protocol.QueryGetLinks:
		return n.linksCache.Get(req.ClientID)
	case protocol.QueryGetServices:
		return protocol.OKResponse(map[string]any{"services": n.buildServicesSnapshot()})
	case protocol.QuerySetLinkProperty:
		return n.handleSetLinkProperty(req)
	case protocol.QueryAddLink:
		return n.handleAddLink(req)
	case protocol.QueryRemoveLink:
		return n.handleRemoveLink(req)
	case protocol.QueryStartService:
		return n.setServiceRunning(req, true, false)
	case protocol.QueryStopService:
		return n.setServiceRunning(req, false, false)
	case protocol.QueryKillService:
		return n.setServiceRunning(req, false, true)
	}
	return nil
}

func (n *NetworkSimulator) buildNodesSnapshot() *protocol.Response {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nodes := make([]*protocol.Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	return protocol.OKResponse(map[string]any{"nodes": nodes})
}

func (n *NetworkSimulator) buildLinksSnapshot() *protocol.Response {
	n.mu.RLock()
	defer n.mu.RUnlock()
	links := make([]*protocol.Link, 0, len(n.links))
	for _, link := range n.links {
		links = append(links, link)
	}
	return protocol.OKResponse(map[string]any{"links": links})
}

func (n *NetworkSimulator) buildServicesSnapshot() []*protocol.Service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	services := make([]*protocol.Service, 0, len(n.services))
	for _, s := range n.services {
		services = append(services, s)
	}
	return services
}

func (n *NetworkSimulator) handleSetLinkProperty(req *protocol.Request) *protocol.Response {
	linkID, _ := req.Payload["link_id"].(string)
	n.mu.Lock()
	link, ok := n.links[linkID]
	if !ok {
		n.mu.Unlock()
		return protocol.FailResponse(ctlerrors.NewInvalidError(fmt.Sprintf("unknown link %q", linkID)).Error())
	}
	if link.Model == nil {
		link.Model = &protocol.LinkModel{}
	}
	applyLinkModelField(link.Model, req.Payload)
	n.mu.Unlock()

	n.bus.Broadcast(protocol.TopicLinkPropertyChanged, map[string]any{"link_id": linkID, "model": link.Model})
	return protocol.OKResponse(map[string]any{"link_id": linkID})
}

func applyLinkModelField(model *protocol.LinkModel, payload map[string]any) {
	if v, ok := floatPayload(payload, "bandwidth_mbps"); ok {
		model.BandwidthMbps = &v
	}
	if v, ok := floatPayload(payload, "delay_ms"); ok {
		model.DelayMS = &v
	}
	if v, ok := floatPayload(payload, "jitter_ms"); ok {
		model.JitterMS = &v
	}
	if v, ok := floatPayload(payload, "packet_loss_pct"); ok {
		model.PacketLossPct = &v
	}
}

func (n *NetworkSimulator) handleAddLink(req *protocol.Request) *protocol.Response {
	entityID, _ := req.Payload["entity_id"].(string)
	ifaceA, _ := req.Payload["interface_a_id"].(string)
	ifaceB, _ := req.Payload["interface_b_id"].(string)
	if entityID == "" || ifaceA == "" || ifaceB == "" {
		return protocol.FailResponse("ADD_LINK requires entity_id, interface_a_id, interface_b_id")
	}
	n.AddLink(&protocol.Link{EntityID: entityID, InterfaceAID: ifaceA, InterfaceBID: ifaceB, Up: true})
	return protocol.OKResponse(map[string]any{"entity_id": entityID})
}

func (n *NetworkSimulator) handleRemoveLink(req *protocol.Request) *protocol.Response {
	linkID, _ := req.Payload["link_id"].(string)
	n.mu.Lock()
	_, ok := n.links[linkID]
	delete(n.links, linkID)
	n.mu.Unlock()
	if !ok {
		return protocol.FailResponse(ctlerrors.NewInvalidError(fmt.Sprintf("unknown link %q", linkID)).Error())
	}
	n.invalidateAndAnnounce()
	return protocol.OKResponse(map[string]any{"link_id": linkID})
}

func (n *NetworkSimulator) setServiceRunning(req *protocol.Request, running, killed bool) *protocol.Response {
	serviceID, ok := intPayload(req.Payload, "service_id")
	if !ok {
		return protocol.FailResponse("service query requires an integer service_id")
	}
	n.mu.Lock()
	svc, ok := n.services[serviceID]
	if !ok {
		n.mu.Unlock()
		return protocol.FailResponse(ctlerrors.NewInvalidError(fmt.Sprintf("unknown service %d", serviceID)).Error())
	}
	svc.Running = running
	svc.Killed = killed
	n.mu.Unlock()

	n.bus.Broadcast(protocol.TopicServiceEvent, map[string]any{"service_id": serviceID, "running": running, "killed": killed})
	return protocol.OKResponse(map[string]any{"service_id": serviceID, "running": running})
}

func intPayload(payload map[string]any, key string) (int, bool) {
	v, ok := floatPayload(payload, key)
	return int(v), ok
}

// ResolveEntity implements core.EntityResolver for nodes and links.
func (n *NetworkSimulator) ResolveEntity(entityID string) (map[string]any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if node, ok := n.nodes[entityID]; ok {
		return map[string]any{"entity_id": entityID, "kind": "node", "node": node}, true
	}
	if link, ok := n.links[entityID]; ok {
		return map[string]any{"entity_id": entityID, "kind": "link", "link": link}, true
	}
	return nil, false
}

func (n *NetworkSimulator) RequiredClients() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var ids []string
	for _, node := range n.nodes {
		if node.Roles["required_client"] {
			ids = append(ids, node.EntityID)
		}
	}
	return ids
}

func (n *NetworkSimulator) Start() error { return nil }
func (n *NetworkSimulator) Stop() error  { return nil }
func (n *NetworkSimulator) Ready() bool  { return true }

func (n *NetworkSimulator) LoadScenario(path string) error {
	// Scenario-file parsing is handled by the scenario loader (cmd/controlplane);
	// this simulator only needs AddNode/AddLink to populate its graph once
	// the loader has parsed the YAML.
	return nil
}
