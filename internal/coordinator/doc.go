// Package coordinator implements the control plane of a mesh tree: it admits
// workers, tells each one where it sits in the tree, and evicts members that
// stop answering health probes.
//
// # Overview
//
// The coordinator owns a single mesh.Organizer. Workers never talk to the
// organizer directly; every change arrives as an HTTP request, goes through
// Service, and comes back as a cluster wire type. The tree itself is kept in
// memory only. A restarted coordinator starts empty and workers re-join when
// their route refresh returns 404.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│                                          │
//	│   gin router (routes.go)                 │
//	│     otelgin spans, join rate limit       │
//	│            │                             │
//	│            ▼                             │
//	│   Service (service.go)                   │
//	│     uniqueness checks, metrics, spans    │
//	│            │                             │
//	│            ▼                             │
//	│   mesh.Organizer                         │
//	│     placement, removal, remap            │
//	│            ▲                             │
//	│            │ Evict                       │
//	│   HealthMonitor (health_monitor.go)      │
//	│     parallel /health probes              │
//	│                                          │
//	└──────────────────────────────────────────┘
//
// # Core Components
//
// Service: Wraps the organizer for the API
//   - Rejects a join whose id or address belongs to a different member
//   - Treats a repeated join of the same member as a no-op
//   - Converts mesh views into cluster responses
//   - Records operation counters and placement latency
//
// HealthMonitor: Probes every member on an interval
//   - Runs probes in parallel up to a concurrency limit
//   - Marks a member unhealthy after MaxFailures consecutive failures
//   - Fires the unhealthy callback once per transition
//   - Forgets members that have left the mesh
//
// # Error Mapping
//
// StatusOf turns errors into HTTP codes:
//
//	mesh.ErrNodeNotFound                 404
//	ErrConflict, ErrCycle, ErrNoCapacity 409
//	mesh.ErrDepthExceeded                409
//	mesh.ErrInvalidNode                  400
//	mesh.ErrMeshFull                     503
//	anything else                        500
//
// Errors leave the API as cluster.ErrorResponse bodies.
//
// # Eviction
//
// When the health monitor reports a member unhealthy and eviction is
// enabled, the coordinator calls Service.Evict. The organizer promotes the
// member's children exactly as for a voluntary leave, so a dead interior
// node never strands its subtree.
//
// # Concurrency
//
// Joins, leaves and evictions are serialized inside Service so a uniqueness
// check and the insert it guards cannot interleave with another join. Reads
// go straight to the organizer, which takes its own read lock and returns
// copies.
//
// # Example
//
//	org := mesh.NewOrganizer(mesh.Symmetric, mesh.WithMaxDownstreams(3))
//	svc := coordinator.NewService(org, logger)
//	router := coordinator.NewRouter(svc, coordinator.RouterOptions{})
//
//	monitor := coordinator.NewHealthMonitor(cfg.Health, logger)
//	monitor.SetOnUnhealthy(func(id string) { _ = svc.Evict(ctx, id) })
//	go monitor.Start(ctx, svc.Members)
//
//	http.ListenAndServe(":8080", router)
package coordinator
