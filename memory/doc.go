// Package memory defines the domain model for the engram knowledge store.
//
// A Memory is a short unit of knowledge with an optional dense embedding.
// Memories are connected by typed, weighted, directed Links and labelled
// with Tags. The package also defines the collaborator contracts the rest
// of the module is built against:
//
//   - Store: durable entity storage for memories, links and tags
//     (SQLite implementation in memory/store/sqlite)
//   - Embedder: text-to-vector conversion
//     (implementations in memory/embedder/{mock,onnx,cached})
//
// The Store is the single source of truth. The vector index
// (memory/index) is a derived, rebuildable cache keyed by Memory UUID and
// is never treated as authoritative.
package memory
