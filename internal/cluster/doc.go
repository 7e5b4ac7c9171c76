// Package cluster holds the wire types exchanged between the mesh
// coordinator and its workers, plus a small JSON-over-HTTP client for the
// coordinator API.
//
// # Overview
//
// Workers never see the tree itself. They join through the coordinator,
// learn which node they receive from (their upstream) and which nodes they
// forward to (their downstreams), and dial those addresses with their own
// transport. This package is that contract.
//
//	  worker                         coordinator
//	    │   POST /v1/join {node}          │
//	    │────────────────────────────────▶│  place in mesh
//	    │   {node, upstream, depth}       │
//	    │◀────────────────────────────────│
//	    │   GET /v1/nodes/{id}/route      │
//	    │────────────────────────────────▶│
//	    │   {upstream, downstream[]}      │
//	    │◀────────────────────────────────│
//	    │   DELETE /v1/nodes/{id}         │
//	    │────────────────────────────────▶│  promote children
//
// # Addresses
//
// NodeInfo carries ip and port separately; Addr joins them (bracketing IPv6)
// and URL prefixes http:// for the worker's own HTTP endpoint.
//
// # Errors
//
// Non-2xx replies become *StatusError carrying the code and the message from
// the ErrorResponse body. IsNotFound lets workers detect that they were
// evicted and must join again.
//
// # Concurrency Model
//
// Client holds no mutable state and is safe for concurrent use. All calls
// take a context and share one http.Client with a 5s timeout.
package cluster
