package cluster

import (
	"net"
	"strconv"
)

// NodeInfo identifies a worker and the address its peers dial.
type NodeInfo struct {
	ID   string `json:"id" binding:"required,max=128"`
	IP   string `json:"ip" binding:"required,ip"`
	Port int    `json:"port" binding:"required,min=1,max=65535"`
}

// Addr returns the worker address in host:port form.
func (n NodeInfo) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// URL returns the base URL of the worker's HTTP endpoint.
func (n NodeInfo) URL() string {
	return "http://" + n.Addr()
}

// JoinRequest is sent by a worker to enter the mesh.
type JoinRequest struct {
	Node NodeInfo `json:"node"`
}

// JoinResponse tells a worker where it was placed. Upstream is nil when the
// worker hangs directly below the root and receives from the coordinator.
type JoinResponse struct {
	Upstream *NodeInfo `json:"upstream,omitempty"`
	Node     NodeInfo  `json:"node"`
	Depth    int       `json:"depth"`
}

// RouteResponse lists the neighbours a worker exchanges messages with.
type RouteResponse struct {
	Upstream   *NodeInfo  `json:"upstream,omitempty"`
	Node       NodeInfo   `json:"node"`
	Downstream []NodeInfo `json:"downstream"`
	Depth      int        `json:"depth"`
}

// RemapRequest moves a worker below another one. An empty Upstream means
// the root.
type RemapRequest struct {
	Upstream string `json:"upstream"`
}

// NodesResponse is the flat member listing.
type NodesResponse struct {
	Nodes []MemberInfo `json:"nodes"`
}

// MemberInfo is a NodeInfo with its position in the tree.
type MemberInfo struct {
	NodeInfo
	Upstream    string   `json:"upstream,omitempty"`
	Downstream  []string `json:"downstream,omitempty"`
	Depth       int      `json:"depth"`
	Descendants int      `json:"descendants"`
}

// TopologyNode is one vertex of the tree snapshot. The root has an empty ID.
type TopologyNode struct {
	ID       string         `json:"id"`
	Addr     string         `json:"addr,omitempty"`
	Children []TopologyNode `json:"children,omitempty"`
}

// TopologyResponse is the whole mesh as seen by the coordinator.
type TopologyResponse struct {
	Mode           string       `json:"mode"`
	Root           TopologyNode `json:"root"`
	TotalNodes     int          `json:"total_nodes"`
	MaxDownstreams int          `json:"max_downstreams"`
	MaxDepth       int          `json:"max_depth"`
}

// ErrorResponse is the body of every non-2xx coordinator reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
