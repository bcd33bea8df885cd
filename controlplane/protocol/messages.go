// Package protocol defines the wire-level data model shared by every control
// plane component: requests, responses, promises, notifications, the client
// registry, topology entities, and the grid model.
package protocol

import "time"

// Request is the envelope every query travels in. At most one handler marks
// it handled unless AllowMultiHandling is set.
type Request struct {
	QueryType          string         `json:"query_type"`
	Payload            map[string]any `json:"payload,omitempty"`
	ClientID           string         `json:"client_id"`
	HandledCount       int            `json:"handled_count"`
	AllowMultiHandling bool           `json:"allow_multi_handling"`
}

// MarkHandled increments the handled counter. Handlers call this after
// successfully producing a response.
func (r *Request) MarkHandled() { r.HandledCount++ }

// IsHandled reports whether any handler has already claimed this request.
func (r *Request) IsHandled() bool { return r.HandledCount > 0 }

// Response is the basic reply shape. OnPostSend, if set, is invoked by the
// router after the response has been sent to the client (§4.2 step 5); it is
// never serialized.
type Response struct {
	OK         bool           `json:"ok"`
	Payload    map[string]any `json:"payload,omitempty"`
	OnPostSend func()         `json:"-"`
}

// OKResponse builds a successful response carrying the given payload.
func OKResponse(payload map[string]any) *Response {
	return &Response{OK: true, Payload: payload}
}

// FailResponse builds a failed response with data.error set to msg.
func FailResponse(msg string) *Response {
	return &Response{OK: false, Payload: map[string]any{"error": msg}}
}

// UnhandledQueryResponse is returned by the router when no handler claimed
// the query type.
func UnhandledQueryResponse(queryType string) *Response {
	return FailResponse("unhandled query type: " + queryType)
}

// PromiseResponse signals deferred resolution: the true answer will arrive
// later as a unicast ASYNC_QUERY_RESOLVE notification keyed by RefID.
type PromiseResponse struct {
	Response
	RefID uint64 `json:"ref_id"`
}

// NewPromiseResponse builds a PromiseResponse with OK always true.
func NewPromiseResponse(refID uint64) *PromiseResponse {
	return &PromiseResponse{Response: Response{OK: true}, RefID: refID}
}

// GroupPromiseResponse is a PromiseResponse shared by every client that asked
// the same expensive query concurrently; GroupKey identifies the shared
// computation.
type GroupPromiseResponse struct {
	PromiseResponse
	GroupKey string `json:"group_key"`
}

// NewGroupPromiseResponse builds a GroupPromiseResponse for the given group.
func NewGroupPromiseResponse(groupKey string, refID uint64) *GroupPromiseResponse {
	return &GroupPromiseResponse{
		PromiseResponse: *NewPromiseResponse(refID),
		GroupKey:        groupKey,
	}
}

// MultiRequest carries an ordered sequence of sub-requests processed
// independently; mixed success across sub-requests is permitted.
type MultiRequest struct {
	Requests []*Request `json:"requests"`
}

// MultiResponse carries the ordered responses to a MultiRequest.
type MultiResponse struct {
	Responses []*Response `json:"responses"`
}

// BroadcastRecipient is the sentinel recipient meaning "every connected
// client". An empty Notification.Recipients list is equivalent to this.
const BroadcastRecipient = "*"

// Notification is a fire-and-forget message published by the server to a
// topic. Recipients travel inside the message so the server can publish on a
// single socket while clients self-filter.
type Notification struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	TS         time.Time      `json:"ts"`
}

// IsBroadcast reports whether this notification targets every client.
func (n *Notification) IsBroadcast() bool {
	if len(n.Recipients) == 0 {
		return true
	}
	for _, r := range n.Recipients {
		if r == BroadcastRecipient {
			return true
		}
	}
	return false
}

// TargetsClient reports whether clientID should receive this notification.
func (n *Notification) TargetsClient(clientID string) bool {
	if n.IsBroadcast() {
		return true
	}
	for _, r := range n.Recipients {
		if r == clientID {
			return true
		}
	}
	return false
}

// Required notification topics (§4.4, minimum set).
const (
	TopicRegistration           = "REGISTRATION"
	TopicEvents                 = "EVENTS"
	TopicAsyncQueryResolve      = "ASYNC_QUERY_RESOLVE"
	TopicSimulationStart        = "SIMULATION_START"
	TopicWattsonTime            = "WATTSON_TIME"
	TopicTopologyChanged        = "TOPOLOGY_CHANGED"
	TopicLinkPropertyChanged    = "LINK_PROPERTY_CHANGED"
	TopicNodeEvent              = "NODE_EVENT"
	TopicServiceEvent           = "SERVICE_EVENT"
	TopicGridValueChanged       = "GRID_VALUE_CHANGED"
	TopicGridValuesUpdated      = "GRID_VALUES_UPDATED"
	TopicGridValueStateChanged  = "GRID_VALUE_STATE_CHANGED"
	TopicSimulationStepDone     = "SIMULATION_STEP_DONE"
	TopicProtectionTriggered    = "PROTECTION_TRIGGERED"
	TopicProtectionCleared      = "PROTECTION_CLEARED"
)

// Core query types (§4.2, minimum set).
const (
	QueryEcho                  = "ECHO"
	QueryRegistration          = "REGISTRATION"
	QueryRequestShutdown       = "REQUEST_SHUTDOWN"
	QueryGetTime               = "GET_TIME"
	QuerySetTime               = "SET_TIME"
	QueryGetEventState         = "GET_EVENT_STATE"
	QuerySetEvent              = "SET_EVENT"
	QueryClearEvent            = "CLEAR_EVENT"
	QueryGetConfiguration      = "GET_CONFIGURATION"
	QuerySetConfiguration      = "SET_CONFIGURATION"
	QueryResolveConfiguration  = "RESOLVE_CONFIGURATION"
	QuerySendNotification      = "SEND_NOTIFICATION"
	QueryGetNotificationHistory = "GET_NOTIFICATION_HISTORY"
	QueryHasSimulator          = "HAS_SIMULATOR"
	QueryGetSimulators         = "GET_SIMULATORS"

	// Supplemental query types (§4.2 additions).
	QueryGetEntity         = "GET_ENTITY"
	QueryGetNodes          = "GET_NODES"
	QueryGetLinks          = "GET_LINKS"
	QueryGetServices       = "GET_SERVICES"
	QuerySetLinkProperty   = "SET_LINK_PROPERTY"
	QueryAddLink           = "ADD_LINK"
	QueryRemoveLink        = "REMOVE_LINK"
	QueryStartService      = "START_SERVICE"
	QueryStopService       = "STOP_SERVICE"
	QueryKillService       = "KILL_SERVICE"
	QueryGetGridRepresentation = "GET_GRID_REPRESENTATION"
	QueryGetGridValue      = "GET_GRID_VALUE"
	QuerySetGridValue      = "SET_GRID_VALUE"
	QueryFreezeGridValue   = "FREEZE_GRID_VALUE"
	QueryUnfreezeGridValue = "UNFREEZE_GRID_VALUE"
	QueryLockGridValue     = "LOCK_GRID_VALUE"
	QueryUnlockGridValue   = "UNLOCK_GRID_VALUE"

	QueryGetDataPoints    = "GET_DATA_POINTS"
	QueryGetDataPointValue = "GET_DATA_POINT_VALUE"
	QuerySetDataPointValue = "SET_DATA_POINT_VALUE"
)
