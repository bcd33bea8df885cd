// Package core implements the control plane's core handler: the first link
// in the Query Router's chain, owning client registration, named events,
// configuration, notification history/send, and simulator discovery.
package core

import (
	"fmt"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/config"
	"github.com/fkie-cad/wattson-controlplane/controlplane/ctlerrors"
	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
	"github.com/fkie-cad/wattson-controlplane/controlplane/registry"
)

// EntityResolver answers GET_ENTITY for the entity kinds a component owns.
// Simulators that maintain addressable entities (nodes, links, grid values)
// register a resolver with the core handler at startup.
type EntityResolver interface {
	ResolveEntity(entityID string) (map[string]any, bool)
}

// SimulatorInfo is the minimal descriptor the core handler needs to answer
// HAS_SIMULATOR / GET_SIMULATORS without depending on the simulator package
// directly.
type SimulatorInfo struct {
	Name string
}

// Handler is the core query handler (claims the administrative query types
// listed for C2's core-owned set, minus GET_TIME/SET_TIME which the time
// simulator claims directly).
type Handler struct {
	logger logging.Logger

	registry *registry.Registry
	events   *registry.Events
	bus      *notify.Bus

	simulators []SimulatorInfo
	resolvers  []EntityResolver

	onShutdown func(reason string)
}

// New builds a core Handler wired to the given components.
func New(logger logging.Logger, reg *registry.Registry, events *registry.Events, bus *notify.Bus, onShutdown func(reason string)) *Handler {
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &Handler{
		logger:     logger,
		registry:   reg,
		events:     events,
		bus:        bus,
		onShutdown: onShutdown,
	}
}

// RegisterSimulator records a simulator's presence for HAS_SIMULATOR /
// GET_SIMULATORS and, if it implements EntityResolver, adds it to the
// GET_ENTITY resolver chain.
func (h *Handler) RegisterSimulator(info SimulatorInfo, resolver EntityResolver) {
	h.simulators = append(h.simulators, info)
	if resolver != nil {
		h.resolvers = append(h.resolvers, resolver)
	}
}

var coreQueryTypes = map[string]bool{
	protocol.QueryEcho:                    true,
	protocol.QueryRegistration:            true,
	protocol.QueryRequestShutdown:         true,
	protocol.QueryGetEventState:           true,
	protocol.QuerySetEvent:                true,
	protocol.QueryClearEvent:              true,
	protocol.QueryGetConfiguration:        true,
	protocol.QuerySetConfiguration:        true,
	protocol.QueryResolveConfiguration:    true,
	protocol.QuerySendNotification:        true,
	protocol.QueryGetNotificationHistory:  true,
	protocol.QueryHasSimulator:            true,
	protocol.QueryGetSimulators:           true,
	protocol.QueryGetEntity:               true,
}

// Claims reports whether the core handler owns queryType.
func (h *Handler) Claims(queryType string) bool {
	return coreQueryTypes[queryType]
}

// Handle dispatches queryType to the matching core operation.
func (h *Handler) Handle(req *protocol.Request) *protocol.Response {
	switch req.QueryType {
	case protocol.QueryEcho:
		return protocol.OKResponse(req.Payload)

	case protocol.QueryRegistration:
		return h.handleRegistration(req)

	case protocol.QueryRequestShutdown:
		return h.handleShutdown(req)

	case protocol.QueryGetEventState:
		return h.handleGetEventState(req)

	case protocol.QuerySetEvent:
		return h.handleSetEvent(req)

	case protocol.QueryClearEvent:
		return h.handleClearEvent(req)

	case protocol.QueryGetConfiguration:
		return protocol.OKResponse(config.Get().ToMap())

	case protocol.QuerySetConfiguration:
		return h.handleSetConfiguration(req)

	case protocol.QueryResolveConfiguration:
		return h.handleResolveConfiguration(req)

	case protocol.QuerySendNotification:
		return h.handleSendNotification(req)

	case protocol.QueryGetNotificationHistory:
		return h.handleGetNotificationHistory(req)

	case protocol.QueryHasSimulator:
		return h.handleHasSimulator(req)

	case protocol.QueryGetSimulators:
		names := make([]string, 0, len(h.simulators))
		for _, s := range h.simulators {
			names = append(names, s.Name)
		}
		return protocol.OKResponse(map[string]any{"simulators": names})

	case protocol.QueryGetEntity:
		return h.handleGetEntity(req)
	}
	return nil
}

func (h *Handler) handleRegistration(req *protocol.Request) *protocol.Response {
	name, _ := req.Payload["name"].(string)
	if name == "" {
		return protocol.FailResponse(ctlerrors.NewInvalidError("registration requires a non-empty name").Error())
	}

	if id, _ := req.Payload["id"].(string); id != "" {
		c, err := h.registry.Reregister(id)
		if err != nil {
			return protocol.FailResponse(err.Error())
		}
		return protocol.OKResponse(map[string]any{"id": c.ID, "name": c.Name})
	}

	c := h.registry.Register(name)
	h.broadcastRegistration()
	return protocol.OKResponse(map[string]any{"id": c.ID, "name": c.Name})
}

func (h *Handler) broadcastRegistration() {
	clients := h.registry.List()
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}
	h.bus.Broadcast(protocol.TopicRegistration, map[string]any{"clients": ids})
}

func (h *Handler) handleShutdown(req *protocol.Request) *protocol.Response {
	reason, _ := req.Payload["reason"].(string)
	if reason == "" {
		reason = "client requested shutdown"
	}
	resp := protocol.OKResponse(map[string]any{"accepted": true})
	// The shutdown itself must only start after the client has this response
	// in hand, per the router's post-send callback step.
	resp.OnPostSend = func() {
		if h.onShutdown != nil {
			h.onShutdown(reason)
		}
	}
	return resp
}

func (h *Handler) handleGetEventState(req *protocol.Request) *protocol.Response {
	name, _ := req.Payload["name"].(string)
	return protocol.OKResponse(map[string]any{"name": name, "state": h.events.Get(name)})
}

func (h *Handler) handleSetEvent(req *protocol.Request) *protocol.Response {
	name, _ := req.Payload["name"].(string)
	if name == "" {
		return protocol.FailResponse("SET_EVENT requires a name")
	}
	h.events.Set(name)
	h.bus.Broadcast(protocol.TopicEvents, map[string]any{"name": name, "state": true})
	return protocol.OKResponse(map[string]any{"name": name, "state": true})
}

func (h *Handler) handleClearEvent(req *protocol.Request) *protocol.Response {
	name, _ := req.Payload["name"].(string)
	if name == "" {
		return protocol.FailResponse("CLEAR_EVENT requires a name")
	}
	h.events.Clear(name)
	h.bus.Broadcast(protocol.TopicEvents, map[string]any{"name": name, "state": false})
	return protocol.OKResponse(map[string]any{"name": name, "state": false})
}

func (h *Handler) handleSetConfiguration(req *protocol.Request) *protocol.Response {
	cfg := config.FromMap(req.Payload)
	config.Set(cfg)
	return protocol.OKResponse(cfg.ToMap())
}

// handleResolveConfiguration merges the given overrides onto the active
// configuration without installing the result, letting a caller preview the
// effective configuration before committing via SET_CONFIGURATION.
func (h *Handler) handleResolveConfiguration(req *protocol.Request) *protocol.Response {
	merged := config.Get().ToMap()
	for k, v := range req.Payload {
		merged[k] = v
	}
	return protocol.OKResponse(config.FromMap(merged).ToMap())
}

func (h *Handler) handleSendNotification(req *protocol.Request) *protocol.Response {
	topic, _ := req.Payload["topic"].(string)
	if topic == "" {
		return protocol.FailResponse("SEND_NOTIFICATION requires a topic")
	}
	payload, _ := req.Payload["payload"].(map[string]any)
	if recipients, ok := req.Payload["recipients"].([]string); ok && len(recipients) > 0 {
		h.bus.Multicast(topic, payload, recipients)
	} else {
		h.bus.Broadcast(topic, payload)
	}
	return protocol.OKResponse(nil)
}

func (h *Handler) handleGetNotificationHistory(req *protocol.Request) *protocol.Response {
	topic, _ := req.Payload["topic"].(string)
	if topic == "" {
		return protocol.FailResponse("GET_NOTIFICATION_HISTORY requires a topic")
	}
	history := h.bus.History(topic)
	entries := make([]map[string]any, 0, len(history))
	for _, n := range history {
		entries = append(entries, map[string]any{
			"topic":      n.Topic,
			"payload":    n.Payload,
			"recipients": n.Recipients,
			"ts":         n.TS.Format(time.RFC3339Nano),
		})
	}
	return protocol.OKResponse(map[string]any{"topic": topic, "entries": entries})
}

func (h *Handler) handleHasSimulator(req *protocol.Request) *protocol.Response {
	name, _ := req.Payload["name"].(string)
	for _, s := range h.simulators {
		if s.Name == name {
			return protocol.OKResponse(map[string]any{"has_simulator": true})
		}
	}
	return protocol.OKResponse(map[string]any{"has_simulator": false})
}

func (h *Handler) handleGetEntity(req *protocol.Request) *protocol.Response {
	entityID, _ := req.Payload["entity_id"].(string)
	if entityID == "" {
		return protocol.FailResponse("GET_ENTITY requires an entity_id")
	}

	if h.registry.Has(entityID) {
		return protocol.OKResponse(map[string]any{"entity_id": entityID, "kind": "client"})
	}

	for _, r := range h.resolvers {
		if data, ok := r.ResolveEntity(entityID); ok {
			return protocol.OKResponse(data)
		}
	}

	return protocol.FailResponse(fmt.Sprintf("unknown entity: %s", entityID))
}
