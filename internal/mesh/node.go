package mesh

import (
	"net"
	"strconv"

	"golang.org/x/exp/slices"
)

const (
	// DefaultMaxDownstreams caps the direct children of any node, the root
	// included.
	DefaultMaxDownstreams = 3

	// DefaultMaxDepth is the deepest hop count from the root a node may sit at.
	DefaultMaxDepth = 5

	// DefaultPort is used by InsertAddr when the caller passes port 0.
	DefaultPort = 40123
)

// Node is a vertex of the mesh tree. It carries the identity and network
// address of a worker plus its links: one upstream (the node it receives
// from) and an ordered list of downstreams (the nodes it forwards to).
//
// Identity and address are fixed at construction. Links are changed only by
// AddChild and by the Organizer that owns the tree; a Node reachable from an
// Organizer must not be mutated concurrently with that Organizer's writes.
//
// Example:
//
//	n := NewNode("worker-7", "10.0.0.7", 40123)
//	placed, err := organizer.Insert(n)
type Node struct {
	// upstream is a non-owning back-reference. nil for the root and for
	// nodes not yet attached.
	upstream *Node

	// id uniquely identifies the node across the mesh.
	id string

	// ip is the address the transport layer dials.
	ip string

	// downstream holds the owned children in attachment order.
	downstream []*Node

	// port pairs with ip.
	port int

	// isRoot marks the synthetic tree root.
	isRoot bool
}

// NewNode creates a detached node with the given identity and address.
func NewNode(id, ip string, port int) *Node {
	return &Node{id: id, ip: ip, port: port}
}

func newRoot() *Node {
	return &Node{isRoot: true}
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// IP returns the node IP address.
func (n *Node) IP() string { return n.ip }

// Port returns the node port.
func (n *Node) Port() int { return n.port }

// Addr returns the node address in host:port form.
func (n *Node) Addr() string { return addrKey(n.ip, n.port) }

// IsRoot reports whether n is the synthetic root of a mesh.
func (n *Node) IsRoot() bool { return n.isRoot }

// Upstream returns the node n is attached to, or nil.
func (n *Node) Upstream() *Node { return n.upstream }

// Downstream returns a copy of the children of n in attachment order.
func (n *Node) Downstream() []*Node {
	return slices.Clone(n.downstream)
}

// AddChild appends child to the downstream list of n and points the child's
// upstream at n. It does not check the fan-out bound; the placement strategy
// is responsible for only choosing nodes with room.
func (n *Node) AddChild(child *Node) *Node {
	n.downstream = append(n.downstream, child)
	child.upstream = n
	return child
}

// DescendantCount returns the number of nodes reachable from n through
// downstream links, not counting n itself.
func (n *Node) DescendantCount() int {
	count := 0
	stack := slices.Clone(n.downstream)
	for len(stack) > 0 {
		last := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		count++
		stack = append(stack, last.downstream...)
	}
	return count
}

// DownstreamCount returns the number of direct children of n.
func (n *Node) DownstreamCount() int {
	return len(n.downstream)
}

// DistanceFromRoot returns the hop count between n and the root: 0 for the
// root itself, 1 for its direct children. A node whose upstream chain does
// not end at a root returns -1.
func (n *Node) DistanceFromRoot() int {
	hops := 0
	for cur := n; !cur.isRoot; cur = cur.upstream {
		if cur.upstream == nil {
			return -1
		}
		hops++
	}
	return hops
}

// NextSibling returns the child following after in the downstream list of
// n. A nil after yields the first child. The last child, or an after that is
// not a child of n, yields nil; callers wrap around themselves.
func (n *Node) NextSibling(after *Node) *Node {
	if len(n.downstream) == 0 {
		return nil
	}
	if after == nil {
		return n.downstream[0]
	}
	i := slices.Index(n.downstream, after)
	if i < 0 || i+1 >= len(n.downstream) {
		return nil
	}
	return n.downstream[i+1]
}

// removeChild unlinks child from n and returns the position it held, or -1.
func (n *Node) removeChild(child *Node) int {
	i := slices.Index(n.downstream, child)
	if i < 0 {
		return -1
	}
	n.downstream = slices.Delete(n.downstream, i, i+1)
	child.upstream = nil
	return i
}

// insertChildAt attaches child at position i, clamped to the list bounds.
func (n *Node) insertChildAt(i int, child *Node) {
	if i < 0 || i > len(n.downstream) {
		i = len(n.downstream)
	}
	n.downstream = slices.Insert(n.downstream, i, child)
	child.upstream = n
}

// height is the number of hops from n to its deepest descendant.
func (n *Node) height() int {
	h := 0
	for _, c := range n.downstream {
		if ch := c.height() + 1; ch > h {
			h = ch
		}
	}
	return h
}

// isDescendantOf reports whether ancestor appears on the upstream chain of n.
func (n *Node) isDescendantOf(ancestor *Node) bool {
	for p := n.upstream; p != nil; p = p.upstream {
		if p == ancestor {
			return true
		}
	}
	return false
}

// walk visits n and every descendant depth-first in attachment order.
func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.downstream {
		c.walk(fn)
	}
}

// compareLoad orders nodes by ascending downstream count.
func compareLoad(a, b *Node) int {
	return a.DownstreamCount() - b.DownstreamCount()
}

func addrKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
