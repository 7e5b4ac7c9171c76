package mesh

import "errors"

var (
	// ErrNodeNotFound is returned when an operation names an id that is not
	// registered with the organizer.
	ErrNodeNotFound = errors.New("mesh: node not found")

	// ErrUnsupportedBuildMode is returned by Insert when the organizer is
	// configured with a build mode the placement strategy does not know.
	ErrUnsupportedBuildMode = errors.New("mesh: unsupported build mode")

	// ErrCycle is returned by Remap when the requested upstream is the node
	// itself or one of its descendants.
	ErrCycle = errors.New("mesh: remap would create a cycle")

	// ErrNoCapacity is returned by Remap when the requested upstream already
	// has the maximum number of downstreams.
	ErrNoCapacity = errors.New("mesh: upstream has no free downstream slot")

	// ErrDepthExceeded is returned when a move would place part of the tree
	// deeper than the configured maximum depth.
	ErrDepthExceeded = errors.New("mesh: maximum depth exceeded")

	// ErrMeshFull is returned by Insert when no node within the depth bound
	// has a free downstream slot.
	ErrMeshFull = errors.New("mesh: no attachment point within depth bound")

	// ErrInvariantViolation signals an attachment to a node that is already
	// full. Placement never produces one; seeing it means a bug.
	ErrInvariantViolation = errors.New("mesh: internal invariant violation")

	// ErrInvalidNode is returned for nil nodes, empty ids and root nodes
	// handed to Insert.
	ErrInvalidNode = errors.New("mesh: invalid node")
)
