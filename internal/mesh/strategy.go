package mesh

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// BuildMode selects the placement strategy used for new nodes once the root
// is full.
type BuildMode int

const (
	// Symmetric attaches to the node with the fewest downstreams.
	Symmetric BuildMode = iota
	// DepthFirst fills the cursor, then rotates through its siblings,
	// descending a level when a full sibling is met.
	DepthFirst
	// WidthFirst currently shares the DepthFirst cursor walk.
	WidthFirst
)

func (m BuildMode) String() string {
	switch m {
	case Symmetric:
		return "symmetric"
	case DepthFirst:
		return "depth_first"
	case WidthFirst:
		return "width_first"
	default:
		return fmt.Sprintf("BuildMode(%d)", int(m))
	}
}

// Valid reports whether m names a known strategy.
func (m BuildMode) Valid() bool {
	return m == Symmetric || m == DepthFirst || m == WidthFirst
}

// ParseBuildMode maps a configuration string to a BuildMode. Matching is
// case-insensitive and accepts "-" in place of "_" and a trailing "_mode".
func ParseBuildMode(s string) (BuildMode, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.TrimSuffix(norm, "_mode")
	switch norm {
	case "symmetric":
		return Symmetric, nil
	case "depth_first":
		return DepthFirst, nil
	case "width_first":
		return WidthFirst, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedBuildMode, s)
}

// selectUpstream picks the parent for a fresh node. Caller holds o.mu.
func (o *Organizer) selectUpstream(node *Node) (*Node, error) {
	if !o.mode.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBuildMode, o.mode)
	}

	if o.root.DownstreamCount() < o.maxDownstreams && o.fits(o.root, node) {
		return o.root, nil
	}

	var target *Node
	switch o.mode {
	case Symmetric:
		target = o.leastLoaded(node)
	case DepthFirst, WidthFirst:
		target = o.nextFromCursor()
	}

	if target == nil || !o.fits(target, node) {
		target = o.shallowestOpen(node, true)
		if target == nil {
			return nil, ErrMeshFull
		}
	}
	return target, nil
}

// leastLoaded returns the first entry of loadOrder that can take node.
func (o *Organizer) leastLoaded(node *Node) *Node {
	for _, n := range o.loadOrder {
		if o.fits(n, node) {
			return n
		}
	}
	return nil
}

// nextFromCursor runs the round-robin walk: stay on the cursor while it has
// room, otherwise move to the next sibling (wrapping to the first) and step
// down through first children while the candidate is full.
func (o *Organizer) nextFromCursor() *Node {
	c := o.cursor
	if c == nil || c.upstream == nil {
		c = o.root.NextSibling(nil)
		o.cursor = c
	}
	if c == nil {
		return nil
	}
	if c.DownstreamCount() < o.maxDownstreams {
		return c
	}

	parent := c.upstream
	cand := parent.NextSibling(c)
	if cand == nil {
		cand = parent.NextSibling(nil)
	}
	for cand != nil && cand.DownstreamCount() >= o.maxDownstreams {
		cand = cand.NextSibling(nil)
	}
	return cand
}

// shallowestOpen walks the tree breadth-first and returns the first node
// with a free slot. With bounded set the depth limit must also hold for the
// subtree rooted at node.
func (o *Organizer) shallowestOpen(node *Node, bounded bool) *Node {
	queue := []*Node{o.root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.DownstreamCount() < o.maxDownstreams && (!bounded || o.fits(cur, node)) {
			return cur
		}
		queue = append(queue, cur.downstream...)
	}
	return nil
}

// fits reports whether node (with its subtree) can hang below parent.
func (o *Organizer) fits(parent, node *Node) bool {
	if parent.DownstreamCount() >= o.maxDownstreams {
		return false
	}
	if o.maxDepth <= 0 {
		return true
	}
	return parent.DistanceFromRoot()+1+node.height() <= o.maxDepth
}

// afterPlacement updates cursor and loadOrder once node hangs below parent.
func (o *Organizer) afterPlacement(parent, node *Node) {
	switch {
	case parent.isRoot:
		if o.cursor == nil {
			o.cursor = node
		}
	case o.mode == DepthFirst || o.mode == WidthFirst:
		o.cursor = parent
	}

	node.walk(func(n *Node) {
		o.loadOrder = append(o.loadOrder, n)
	})
	o.resortLoad()
}

func (o *Organizer) resortLoad() {
	slices.SortStableFunc(o.loadOrder, compareLoad)
}
