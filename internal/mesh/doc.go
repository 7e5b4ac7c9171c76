// Package mesh builds and maintains the communication tree that connects the
// workers of a distributed job. Every worker that joins is attached below an
// existing node; messages (gradients, parameters) then flow down the tree from
// the root and aggregate back up along the same links.
//
// # Overview
//
// The tree grows online: each join is placed immediately, without global
// re-balancing, while respecting a maximum fan-out (MaxDownstreams, default 3)
// and a maximum depth (MaxDepth, default 5).
//
//	                 ┌──────┐
//	                 │ root │
//	                 └──┬───┘
//	       ┌────────────┼────────────┐
//	    ┌──▼──┐      ┌──▼──┐      ┌──▼──┐
//	    │ w1  │      │ w2  │      │ w3  │
//	    └──┬──┘      └──┬──┘      └─────┘
//	   ┌───┼───┐        │
//	  w4  w5  w6       w7
//
// # Core Components
//
// Node: a tree vertex holding id, ip and port, one upstream back-reference and
// an ordered list of downstreams.
//
// BuildMode: selects the placement strategy once the root is full.
//   - Symmetric: attach to the node with the fewest downstreams
//   - DepthFirst / WidthFirst: round-robin from a cursor, rotating among
//     siblings and stepping down a level when a full sibling is met
//
// Organizer: owns the root, an id index, an address index, the load-ordered
// index used by Symmetric and the cursor used by the round-robin modes.
//
// # Placement Rules
//
//  1. While the root has room, new nodes attach to the root. The first
//     node placed becomes the cursor.
//  2. Symmetric picks the head of the load-ordered index (ties keep
//     insertion order).
//  3. DepthFirst / WidthFirst fill the cursor; when it is full they move to
//     the cursor's next sibling (wrapping to the first) and, while that
//     candidate is full, to its first child. The chosen node becomes the
//     cursor.
//  4. If the chosen node would put the new node below MaxDepth, the
//     shallowest node with room is used instead. With no such node Insert
//     returns ErrMeshFull.
//
// # Membership Changes
//
// Remove promotes the children of the removed node so the tree stays
// connected, without moving any node deeper than it was. Remap moves a subtree below another node after checking for
// cycles, capacity and depth; a rejected Remap changes nothing.
//
// # Concurrency Model
//
// One sync.RWMutex per Organizer:
//   - Insert, Remove, Remap, SetBuildMode take the write lock
//   - Lookups, counts and snapshots take the read lock
//   - Snapshots (Info, Route, Tree) are copies and may be used freely
//
// Node accessors are not synchronized. Code running concurrently with
// mutations should use the Organizer's read methods instead of walking
// *Node values directly.
//
// # Performance Characteristics
//
// Insert: O(n log n) in Symmetric mode (stable re-sort), O(fan-out) otherwise
// Remove / Remap: O(n) worst case
// Contains / FindByID / FindByAddress: O(1)
// TotalNodeCount: O(n)
//
// # Usage Example
//
//	org := mesh.NewOrganizer(mesh.Symmetric)
//	for i, ip := range ips {
//	    if _, err := org.Insert(mesh.NewNode(fmt.Sprintf("w%d", i), ip, 40123)); err != nil {
//	        return err
//	    }
//	}
//	route, _ := org.Route("w4")
//	// route.Upstream is w1, route.Downstream lists w4's children
package mesh
