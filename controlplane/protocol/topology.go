package protocol

// NodeKind enumerates the recognized network node kinds.
type NodeKind string

const (
	NodeKindHost       NodeKind = "host"
	NodeKindSwitch     NodeKind = "switch"
	NodeKindRouter     NodeKind = "router"
	NodeKindDockerHost NodeKind = "docker-host"
	NodeKindNAT        NodeKind = "nat"
)

// Node is a network topology node.
type Node struct {
	EntityID   string             `json:"entity_id"`
	Kind       NodeKind           `json:"kind"`
	Roles      map[string]bool    `json:"roles,omitempty"`
	Interfaces []*Interface       `json:"interfaces,omitempty"`
	Services   map[int]*Service   `json:"services,omitempty"`
	Config     map[string]any     `json:"config,omitempty"`
	Started    bool               `json:"started"`
}

// Interface is a network interface attached to a Node and optionally a Link.
type Interface struct {
	EntityID     string  `json:"entity_id"`
	NodeID       string  `json:"node_id"`
	LinkID       *string `json:"link_id,omitempty"`
	IP           *string `json:"ip,omitempty"`
	PrefixLen    *int    `json:"prefix_len,omitempty"`
	MAC          *string `json:"mac,omitempty"`
	IsManagement bool    `json:"is_management"`
	Up           bool    `json:"up"`
}

// LinkModel describes the emulated physical properties of a Link. Setting any
// field fires a LINK_PROPERTY_CHANGED notification.
type LinkModel struct {
	BandwidthMbps  *float64 `json:"bandwidth_mbps,omitempty"`
	DelayMS        *float64 `json:"delay_ms,omitempty"`
	JitterMS       *float64 `json:"jitter_ms,omitempty"`
	PacketLossPct  *float64 `json:"packet_loss_pct,omitempty"`
}

// Link connects exactly two Interfaces.
type Link struct {
	EntityID      string     `json:"entity_id"`
	InterfaceAID  string     `json:"interface_a_id"`
	InterfaceBID  string     `json:"interface_b_id"`
	Model         *LinkModel `json:"model,omitempty"`
	Up            bool       `json:"up"`
}

// Service is a process running on a Node.
type Service struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	NodeID   string   `json:"node_id"`
	Command  []string `json:"command,omitempty"`
	Priority int      `json:"priority"`
	Running  bool     `json:"running"`
	Killed   bool     `json:"killed"`
	PID      *int     `json:"pid,omitempty"`
}
