package mesh

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Info is a point-in-time copy of one node's position in the mesh. It is
// safe to keep and share after the organizer lock is released.
type Info struct {
	// ID is empty for the root.
	ID string `json:"id"`
	IP string `json:"ip,omitempty"`
	// UpstreamID is empty for the root and for its direct children.
	UpstreamID  string   `json:"upstream_id,omitempty"`
	Downstream  []string `json:"downstream,omitempty"`
	Port        int      `json:"port,omitempty"`
	Depth       int      `json:"depth"`
	Descendants int      `json:"descendants"`
	IsRoot      bool     `json:"is_root,omitempty"`
}

// Route describes the neighbours of one node: where it receives from and
// where it forwards to. Upstream is nil for direct children of the root.
type Route struct {
	Upstream   *Info  `json:"upstream,omitempty"`
	Node       Info   `json:"node"`
	Downstream []Info `json:"downstream"`
}

// Tree is a recursive snapshot of the mesh.
type Tree struct {
	Info
	Children []Tree `json:"children,omitempty"`
}

// Option configures an Organizer.
type Option func(*Organizer)

// WithMaxDownstreams overrides the fan-out bound. Values below 1 are ignored.
func WithMaxDownstreams(n int) Option {
	return func(o *Organizer) {
		if n >= 1 {
			o.maxDownstreams = n
		}
	}
}

// WithMaxDepth overrides the depth bound. Zero or a negative value disables it.
func WithMaxDepth(n int) Option {
	return func(o *Organizer) {
		o.maxDepth = n
	}
}

// WithLogger sets the logger used for placement and membership events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Organizer) {
		if l != nil {
			o.logger = l
		}
	}
}

// Organizer owns one mesh tree and the indices kept alongside it. It is the
// single place where the tree changes shape.
//
// Structure:
//
//	┌─────────────────────────────────────────┐
//	│              Organizer                  │
//	├─────────────────────────────────────────┤
//	│  root       synthetic tree root         │
//	│  nodeIndex  id → node                   │
//	│  addrIndex  ip:port → node              │
//	│  loadOrder  nodes by downstream count   │
//	│  cursor     last cursor attachment      │
//	│  mu         RWMutex over all of above   │
//	└─────────────────────────────────────────┘
//
// Concurrency Model:
//   - Insert, Remove, Remap and SetBuildMode take the write lock
//   - Every read takes the read lock and returns copies
//   - No operation blocks on I/O
type Organizer struct {
	root   *Node
	cursor *Node
	logger *slog.Logger

	// nodeIndex maps ids to nodes. A re-inserted id replaces the entry.
	nodeIndex map[string]*Node

	// addrIndex maps host:port to nodes for FindByAddress.
	addrIndex map[string]*Node

	// loadOrder is kept stably sorted by ascending downstream count.
	loadOrder []*Node

	mu             sync.RWMutex
	mode           BuildMode
	maxDownstreams int
	maxDepth       int
}

// NewOrganizer creates an empty mesh using the given build mode. The mode is
// not validated here; an unknown mode makes Insert fail with
// ErrUnsupportedBuildMode.
//
// Example:
//
//	org := NewOrganizer(Symmetric, WithMaxDownstreams(4))
//	n, err := org.Insert(NewNode("w1", "10.0.0.1", 40123))
func NewOrganizer(mode BuildMode, opts ...Option) *Organizer {
	o := &Organizer{
		root:           newRoot(),
		logger:         slog.Default(),
		nodeIndex:      make(map[string]*Node),
		addrIndex:      make(map[string]*Node),
		mode:           mode,
		maxDownstreams: DefaultMaxDownstreams,
		maxDepth:       DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Insert adds node to the mesh and returns it with its upstream set.
//
// Placement:
//   - A node that already has an upstream (linked by the caller through
//     AddChild) skips placement; it and its subtree are only registered
//   - Otherwise the build mode picks the parent (see selectUpstream)
//
// An id that is already registered is overwritten in the index while the
// earlier node stays in the tree. Callers that need unique membership check
// Contains first.
//
// Returns:
//   - ErrInvalidNode for nil nodes, empty ids, roots, or pre-linked nodes
//     whose upstream chain does not reach this mesh
//   - ErrUnsupportedBuildMode when the configured mode is unknown
//   - ErrMeshFull when no node within the depth bound has room
func (o *Organizer) Insert(node *Node) (*Node, error) {
	if node == nil || node.id == "" || node.isRoot {
		return nil, fmt.Errorf("%w: node must be non-nil with an id", ErrInvalidNode)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if node.upstream != nil {
		if !o.owns(node.upstream) {
			return nil, fmt.Errorf("%w: upstream of %q is not part of this mesh", ErrInvalidNode, node.id)
		}
		o.register(node)
		return node, nil
	}

	parent, err := o.selectUpstream(node)
	if err != nil {
		return nil, fmt.Errorf("insert %q: %w", node.id, err)
	}
	if err := o.attach(parent, node); err != nil {
		return nil, fmt.Errorf("insert %q: %w", node.id, err)
	}
	o.afterPlacement(parent, node)
	o.register(node)

	o.logger.Debug("mesh: node placed",
		slog.String("node", node.id),
		slog.String("upstream", parent.id),
		slog.Bool("upstream_is_root", parent.isRoot),
		slog.String("mode", o.mode.String()))
	return node, nil
}

// InsertAddr creates a node with a generated id for ip:port and inserts it.
// Port 0 selects DefaultPort.
func (o *Organizer) InsertAddr(ip string, port int) (*Node, error) {
	if port == 0 {
		port = DefaultPort
	}
	return o.Insert(NewNode(uuid.NewString(), ip, port))
}

// Remove takes the node with the given id out of the mesh. Its children are
// promoted: the first takes the removed node's slot under the old parent,
// the rest join that parent while it has room and otherwise hang below the
// shallowest node that keeps them within the depth bound. Subtrees move with
// their heads, and no node ends up deeper than it was before.
func (o *Organizer) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	node, ok := o.nodeIndex[id]
	if !ok {
		return fmt.Errorf("remove %q: %w", id, ErrNodeNotFound)
	}

	parent := node.upstream
	pos := -1
	if parent != nil {
		pos = parent.removeChild(node)
	}

	orphans := node.downstream
	node.downstream = nil
	for _, c := range orphans {
		c.upstream = nil
	}

	var head *Node
	var overflow []*Node
	for i, c := range orphans {
		switch {
		case parent == nil:
			// Detached registration: fall through to the tree-wide search.
			overflow = append(overflow, c)
		case i == 0:
			parent.insertChildAt(pos, c)
			head = c
		case parent.DownstreamCount() < o.maxDownstreams:
			parent.AddChild(c)
		default:
			overflow = append(overflow, c)
		}
	}
	if err := o.rehome(overflow, head); err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}

	o.unregister(node)
	if i := slices.Index(o.loadOrder, node); i >= 0 {
		o.loadOrder = slices.Delete(o.loadOrder, i, i+1)
	}
	o.resortLoad()

	if o.cursor == node {
		switch {
		case len(orphans) > 0:
			o.cursor = orphans[0]
		case parent != nil && !parent.isRoot:
			o.cursor = parent
		default:
			o.cursor = nil
		}
	}

	o.logger.Info("mesh: node removed",
		slog.String("node", id),
		slog.Int("promoted", len(orphans)))
	return nil
}

// Remap moves the node with the given id (and its subtree) below the node
// named by newUpstreamID; an empty newUpstreamID means the root. Every check
// runs before the tree is touched, so a failed Remap leaves it unchanged.
//
// Returns:
//   - ErrNodeNotFound if either id is unknown
//   - ErrCycle if the new upstream is the node or one of its descendants
//   - ErrNoCapacity if the new upstream is full
//   - ErrDepthExceeded if the moved subtree would cross the depth bound
func (o *Organizer) Remap(id, newUpstreamID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	node, ok := o.nodeIndex[id]
	if !ok {
		return fmt.Errorf("remap %q: %w", id, ErrNodeNotFound)
	}

	target := o.root
	if newUpstreamID != "" {
		if target, ok = o.nodeIndex[newUpstreamID]; !ok {
			return fmt.Errorf("remap %q: upstream %q: %w", id, newUpstreamID, ErrNodeNotFound)
		}
	}

	if target == node.upstream {
		return nil
	}
	if target == node || target.isDescendantOf(node) {
		return fmt.Errorf("remap %q under %q: %w", id, newUpstreamID, ErrCycle)
	}
	if target.DownstreamCount() >= o.maxDownstreams {
		return fmt.Errorf("remap %q under %q: %w", id, newUpstreamID, ErrNoCapacity)
	}
	if o.maxDepth > 0 && target.DistanceFromRoot()+1+node.height() > o.maxDepth {
		return fmt.Errorf("remap %q under %q: %w", id, newUpstreamID, ErrDepthExceeded)
	}

	if node.upstream != nil {
		node.upstream.removeChild(node)
	}
	target.AddChild(node)
	o.resortLoad()

	o.logger.Info("mesh: node remapped",
		slog.String("node", id),
		slog.String("upstream", newUpstreamID))
	return nil
}

// rehome attaches orphans that found no room below the removed node's
// parent. Each goes to the shallowest node that keeps its subtree within the
// depth bound. When one of them has no such slot, every placement is undone
// and they all hang below head instead, which moved up one level and so can
// take them at their old depth once makeRoom has freed its slots.
func (o *Organizer) rehome(orphans []*Node, head *Node) error {
	placed := make([]*Node, 0, len(orphans))
	for _, c := range orphans {
		target := o.shallowestOpen(c, true)
		if target == nil {
			break
		}
		target.AddChild(c)
		placed = append(placed, c)
	}
	if len(placed) == len(orphans) {
		return nil
	}
	for _, c := range placed {
		c.upstream.removeChild(c)
	}

	if head == nil {
		for _, c := range orphans {
			target := o.shallowestOpen(c, false)
			if target == nil {
				return fmt.Errorf("%w: no slot for orphan %q", ErrInvariantViolation, c.id)
			}
			target.AddChild(c)
		}
		return nil
	}
	if !o.makeRoom(head, len(orphans)) {
		return fmt.Errorf("%w: no slot for %d orphans", ErrInvariantViolation, len(orphans))
	}
	for _, c := range orphans {
		head.AddChild(c)
	}
	o.logger.Debug("mesh: orphans folded below promoted node",
		slog.String("node", head.id),
		slog.Int("orphans", len(orphans)))
	return nil
}

// makeRoom frees need downstream slots in head, whose subtree has just moved
// up one level. It pushes head's children below head's first child, which in
// turn pushes its own children one level down along the first-child chain.
// Only nodes that moved up are pushed down, so none ends up deeper than it
// was before the removal.
func (o *Organizer) makeRoom(head *Node, need int) bool {
	type link struct {
		node  *Node
		spare []*Node
	}
	var chain []link
	for cur := head; cur != nil; {
		var next *Node
		var spare []*Node
		if len(cur.downstream) > 0 {
			next = cur.downstream[0]
			spare = slices.Clone(cur.downstream[1:])
		}
		chain = append(chain, link{node: cur, spare: spare})
		cur = next
	}

	var push func(i int) bool
	push = func(i int) bool {
		l := &chain[i]
		if i+1 >= len(chain) || len(l.spare) == 0 {
			return false
		}
		next := chain[i+1].node
		if next.DownstreamCount() >= o.maxDownstreams && !push(i+1) {
			return false
		}
		c := l.spare[len(l.spare)-1]
		l.spare = l.spare[:len(l.spare)-1]
		l.node.removeChild(c)
		next.AddChild(c)
		return true
	}

	for head.DownstreamCount()+need > o.maxDownstreams {
		if !push(0) {
			return false
		}
	}
	return true
}

// SetBuildMode switches the strategy used by later insertions.
func (o *Organizer) SetBuildMode(mode BuildMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedBuildMode, mode)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode != mode {
		o.logger.Info("mesh: build mode changed",
			slog.String("from", o.mode.String()),
			slog.String("to", mode.String()))
	}
	o.mode = mode
	return nil
}

// BuildMode returns the strategy currently in effect.
func (o *Organizer) BuildMode() BuildMode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// MaxDownstreams returns the fan-out bound.
func (o *Organizer) MaxDownstreams() int { return o.maxDownstreams }

// MaxDepth returns the depth bound; zero or less means unbounded.
func (o *Organizer) MaxDepth() int { return o.maxDepth }

// Root returns the synthetic root. Callers that link nodes below it with
// AddChild must not race with other mutations of this organizer.
func (o *Organizer) Root() *Node { return o.root }

// Contains reports whether a node with the given id is registered.
func (o *Organizer) Contains(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.nodeIndex[id]
	return ok
}

// ContainsAddr reports whether a node is registered at ip:port.
func (o *Organizer) ContainsAddr(ip string, port int) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.addrIndex[addrKey(ip, port)]
	return ok
}

// FindByID returns the node registered under id.
func (o *Organizer) FindByID(id string) (*Node, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, ok := o.nodeIndex[id]
	return n, ok
}

// FindByAddress returns the node registered at ip:port.
func (o *Organizer) FindByAddress(ip string, port int) (*Node, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, ok := o.addrIndex[addrKey(ip, port)]
	return n, ok
}

// TotalNodeCount returns the number of nodes in the tree, root included.
func (o *Organizer) TotalNodeCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.root.DescendantCount() + 1
}

// DescendantCountOf returns the size of the subtree below the node with the
// given id. An empty id addresses the root.
func (o *Organizer) DescendantCountOf(id string) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, err := o.lookup(id)
	if err != nil {
		return 0, err
	}
	return n.DescendantCount(), nil
}

// DistanceOf returns the hop count from the root to the node with the given id.
func (o *Organizer) DistanceOf(id string) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, err := o.lookup(id)
	if err != nil {
		return 0, err
	}
	return n.DistanceFromRoot(), nil
}

// FlatSize returns the number of entries in the id index.
func (o *Organizer) FlatSize() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.nodeIndex)
}

// FlatNodes returns a copy of every registered node, sorted by id.
func (o *Organizer) FlatNodes() []Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Info, 0, len(o.nodeIndex))
	for _, n := range o.nodeIndex {
		out = append(out, infoOf(n))
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// UpstreamOf returns the node the given id receives from. The result is nil
// when the node hangs directly below the root.
func (o *Organizer) UpstreamOf(id string) (*Info, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, ok := o.nodeIndex[id]
	if !ok {
		return nil, fmt.Errorf("upstream of %q: %w", id, ErrNodeNotFound)
	}
	if n.upstream == nil || n.upstream.isRoot {
		return nil, nil
	}
	up := infoOf(n.upstream)
	return &up, nil
}

// DownstreamOf returns the nodes the given id forwards to, in order.
func (o *Organizer) DownstreamOf(id string) ([]Info, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, ok := o.nodeIndex[id]
	if !ok {
		return nil, fmt.Errorf("downstream of %q: %w", id, ErrNodeNotFound)
	}
	return infosOf(n.downstream), nil
}

// Route returns the node together with its upstream and downstreams.
func (o *Organizer) Route(id string) (Route, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n, ok := o.nodeIndex[id]
	if !ok {
		return Route{}, fmt.Errorf("route of %q: %w", id, ErrNodeNotFound)
	}
	r := Route{Node: infoOf(n), Downstream: infosOf(n.downstream)}
	if n.upstream != nil && !n.upstream.isRoot {
		up := infoOf(n.upstream)
		r.Upstream = &up
	}
	return r, nil
}

// Topology returns a snapshot of the whole tree starting at the root.
func (o *Organizer) Topology() Tree {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return treeOf(o.root)
}

// attach links node below parent, refusing to overfill parent.
func (o *Organizer) attach(parent, node *Node) error {
	if parent.DownstreamCount() >= o.maxDownstreams {
		return fmt.Errorf("%w: %q already has %d downstreams",
			ErrInvariantViolation, parent.id, parent.DownstreamCount())
	}
	parent.AddChild(node)
	return nil
}

// owns reports whether n hangs below this organizer's root.
func (o *Organizer) owns(n *Node) bool {
	for cur := n; cur != nil; cur = cur.upstream {
		if cur == o.root {
			return true
		}
	}
	return false
}

func (o *Organizer) lookup(id string) (*Node, error) {
	if id == "" {
		return o.root, nil
	}
	n, ok := o.nodeIndex[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrNodeNotFound)
	}
	return n, nil
}

// register indexes node and its subtree.
func (o *Organizer) register(node *Node) {
	node.walk(func(n *Node) {
		if prev, ok := o.nodeIndex[n.id]; ok && prev != n {
			o.logger.Warn("mesh: duplicate node id, index entry replaced",
				slog.String("node", n.id))
		}
		o.nodeIndex[n.id] = n
		o.addrIndex[n.Addr()] = n
	})
}

// unregister drops node from the id and address indices when the entries
// still point at it.
func (o *Organizer) unregister(node *Node) {
	if o.nodeIndex[node.id] == node {
		delete(o.nodeIndex, node.id)
	}
	if key := node.Addr(); o.addrIndex[key] == node {
		delete(o.addrIndex, key)
	}
}

func infoOf(n *Node) Info {
	info := Info{
		ID:          n.id,
		IP:          n.ip,
		Port:        n.port,
		Depth:       n.DistanceFromRoot(),
		Descendants: n.DescendantCount(),
		IsRoot:      n.isRoot,
	}
	if n.upstream != nil && !n.upstream.isRoot {
		info.UpstreamID = n.upstream.id
	}
	for _, c := range n.downstream {
		info.Downstream = append(info.Downstream, c.id)
	}
	return info
}

func infosOf(nodes []*Node) []Info {
	out := make([]Info, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, infoOf(n))
	}
	return out
}

func treeOf(n *Node) Tree {
	t := Tree{Info: infoOf(n)}
	for _, c := range n.downstream {
		t.Children = append(t.Children, treeOf(c))
	}
	return t
}
