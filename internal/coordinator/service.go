package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/meshtree/internal/cluster"
	"github.com/dreamware/meshtree/internal/mesh"
)

// ErrConflict is returned when a join reuses an id with a different address,
// or an address already held by another id.
var ErrConflict = errors.New("coordinator: membership conflict")

// rootID names the synthetic root in topology snapshots.
const rootID = "root"

// Service exposes mesh membership to workers. It turns wire requests into
// Organizer calls and Organizer views into wire responses.
//
// Joins and leaves are serialized by joinMu so the uniqueness checks and the
// insert they guard happen atomically. Reads go straight to the Organizer.
//
// Thread Safety: All methods are safe for concurrent use.
type Service struct {
	org    *mesh.Organizer
	logger *slog.Logger
	joinMu sync.Mutex
}

// NewService wraps org. A nil logger uses slog.Default().
func NewService(org *mesh.Organizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{org: org, logger: logger}
}

// Organizer returns the underlying mesh.
func (s *Service) Organizer() *mesh.Organizer { return s.org }

// Join places node in the mesh. Re-joining with the same id and address is
// idempotent and returns the current placement.
//
// Returns:
//   - ErrConflict if the id or the address is held by a different member
//   - mesh.ErrMeshFull if no node within the depth bound has room
//   - mesh.ErrUnsupportedBuildMode if the active mode is unknown
func (s *Service) Join(ctx context.Context, node cluster.NodeInfo) (cluster.JoinResponse, error) {
	_, span := getTracer().Start(ctx, "coordinator.Service.Join",
		trace.WithAttributes(
			attribute.String("node_id", node.ID),
			attribute.String("node_addr", node.Addr()),
		),
	)
	defer span.End()

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	if existing, ok := s.org.FindByID(node.ID); ok {
		if existing.IP() != node.IP || existing.Port() != node.Port {
			err := fmt.Errorf("%w: id %q is registered at %s", ErrConflict, node.ID, existing.Addr())
			return cluster.JoinResponse{}, s.fail(span, "join", err)
		}
		route, err := s.org.Route(node.ID)
		if err != nil {
			return cluster.JoinResponse{}, s.fail(span, "join", err)
		}
		span.SetAttributes(attribute.Bool("rejoin", true))
		span.SetStatus(codes.Ok, "already joined")
		operationsTotal.WithLabelValues("join", "ok").Inc()
		return joinResponseOf(route), nil
	}
	if holder, ok := s.org.FindByAddress(node.IP, node.Port); ok {
		err := fmt.Errorf("%w: %s is registered as %q", ErrConflict, node.Addr(), holder.ID())
		return cluster.JoinResponse{}, s.fail(span, "join", err)
	}

	start := time.Now()
	if _, err := s.org.Insert(mesh.NewNode(node.ID, node.IP, node.Port)); err != nil {
		return cluster.JoinResponse{}, s.fail(span, "join", err)
	}
	placementDuration.Observe(time.Since(start).Seconds())

	route, err := s.org.Route(node.ID)
	if err != nil {
		return cluster.JoinResponse{}, s.fail(span, "join", err)
	}
	placementDepth.Observe(float64(route.Node.Depth))
	membersGauge.Set(float64(s.org.FlatSize()))
	operationsTotal.WithLabelValues("join", "ok").Inc()

	span.SetAttributes(attribute.Int("depth", route.Node.Depth))
	span.SetStatus(codes.Ok, "joined")
	s.logger.Info("node joined",
		slog.String("node", node.ID),
		slog.String("addr", node.Addr()),
		slog.Int("depth", route.Node.Depth))
	return joinResponseOf(route), nil
}

// Leave removes the member with the given id and promotes its children.
func (s *Service) Leave(ctx context.Context, id string) error {
	return s.remove(ctx, "leave", id)
}

// Evict removes a member that stopped answering health probes.
func (s *Service) Evict(ctx context.Context, id string) error {
	return s.remove(ctx, "evict", id)
}

func (s *Service) remove(ctx context.Context, op, id string) error {
	_, span := getTracer().Start(ctx, "coordinator.Service."+op,
		trace.WithAttributes(attribute.String("node_id", id)),
	)
	defer span.End()

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	if err := s.org.Remove(id); err != nil {
		return s.fail(span, op, err)
	}
	membersGauge.Set(float64(s.org.FlatSize()))
	operationsTotal.WithLabelValues(op, "ok").Inc()
	span.SetStatus(codes.Ok, op)
	s.logger.Info("node left", slog.String("node", id), slog.String("reason", op))
	return nil
}

// Remap moves id and its subtree below upstream; an empty upstream means the
// root. The returned route reflects the new position.
func (s *Service) Remap(ctx context.Context, id, upstream string) (cluster.RouteResponse, error) {
	_, span := getTracer().Start(ctx, "coordinator.Service.Remap",
		trace.WithAttributes(
			attribute.String("node_id", id),
			attribute.String("upstream", upstream),
		),
	)
	defer span.End()

	if err := s.org.Remap(id, upstream); err != nil {
		return cluster.RouteResponse{}, s.fail(span, "remap", err)
	}
	route, err := s.org.Route(id)
	if err != nil {
		return cluster.RouteResponse{}, s.fail(span, "remap", err)
	}
	operationsTotal.WithLabelValues("remap", "ok").Inc()
	span.SetStatus(codes.Ok, "remapped")
	return routeResponseOf(route), nil
}

// Route returns the upstream and downstreams of id.
func (s *Service) Route(ctx context.Context, id string) (cluster.RouteResponse, error) {
	_, span := getTracer().Start(ctx, "coordinator.Service.Route",
		trace.WithAttributes(attribute.String("node_id", id)),
	)
	defer span.End()

	route, err := s.org.Route(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "route failed")
		return cluster.RouteResponse{}, err
	}
	return routeResponseOf(route), nil
}

// Member returns the membership record of id.
func (s *Service) Member(id string) (cluster.MemberInfo, error) {
	route, err := s.org.Route(id)
	if err != nil {
		return cluster.MemberInfo{}, err
	}
	return memberOf(route.Node), nil
}

// Nodes lists every member, sorted by id.
func (s *Service) Nodes() cluster.NodesResponse {
	infos := s.org.FlatNodes()
	out := cluster.NodesResponse{Nodes: make([]cluster.MemberInfo, 0, len(infos))}
	for _, info := range infos {
		out.Nodes = append(out.Nodes, memberOf(info))
	}
	return out
}

// Members returns the addresses of every member, for health probing.
func (s *Service) Members() []cluster.NodeInfo {
	infos := s.org.FlatNodes()
	out := make([]cluster.NodeInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, nodeInfoOf(info))
	}
	return out
}

// Topology returns the tree snapshot together with the mesh settings.
func (s *Service) Topology() cluster.TopologyResponse {
	return cluster.TopologyResponse{
		Mode:           s.org.BuildMode().String(),
		Root:           topologyOf(s.org.Topology()),
		TotalNodes:     s.org.TotalNodeCount(),
		MaxDownstreams: s.org.MaxDownstreams(),
		MaxDepth:       s.org.MaxDepth(),
	}
}

// SetBuildMode switches the placement strategy for later joins.
func (s *Service) SetBuildMode(mode mesh.BuildMode) error {
	return s.org.SetBuildMode(mode)
}

// fail records err on the span and in the operation counter.
func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	operationsTotal.WithLabelValues(op, resultOf(err)).Inc()
	s.logger.Warn(op+" rejected", slog.Any("error", err))
	return err
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, mesh.ErrNodeNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict),
		errors.Is(err, mesh.ErrCycle),
		errors.Is(err, mesh.ErrNoCapacity),
		errors.Is(err, mesh.ErrDepthExceeded):
		return "conflict"
	case errors.Is(err, mesh.ErrMeshFull):
		return "full"
	default:
		return "error"
	}
}

func nodeInfoOf(info mesh.Info) cluster.NodeInfo {
	return cluster.NodeInfo{ID: info.ID, IP: info.IP, Port: info.Port}
}

func nodeInfoPtr(info *mesh.Info) *cluster.NodeInfo {
	if info == nil {
		return nil
	}
	n := nodeInfoOf(*info)
	return &n
}

func memberOf(info mesh.Info) cluster.MemberInfo {
	return cluster.MemberInfo{
		NodeInfo:    nodeInfoOf(info),
		Upstream:    info.UpstreamID,
		Downstream:  info.Downstream,
		Depth:       info.Depth,
		Descendants: info.Descendants,
	}
}

func joinResponseOf(r mesh.Route) cluster.JoinResponse {
	return cluster.JoinResponse{
		Upstream: nodeInfoPtr(r.Upstream),
		Node:     nodeInfoOf(r.Node),
		Depth:    r.Node.Depth,
	}
}

func routeResponseOf(r mesh.Route) cluster.RouteResponse {
	out := cluster.RouteResponse{
		Upstream:   nodeInfoPtr(r.Upstream),
		Node:       nodeInfoOf(r.Node),
		Downstream: make([]cluster.NodeInfo, 0, len(r.Downstream)),
		Depth:      r.Node.Depth,
	}
	for _, d := range r.Downstream {
		out.Downstream = append(out.Downstream, nodeInfoOf(d))
	}
	return out
}

func topologyOf(t mesh.Tree) cluster.TopologyNode {
	out := cluster.TopologyNode{ID: t.ID}
	if t.IsRoot {
		out.ID = rootID
	} else {
		out.Addr = nodeInfoOf(t.Info).Addr()
	}
	for _, c := range t.Children {
		out.Children = append(out.Children, topologyOf(c))
	}
	return out
}
