// Package sharedctx implements the shared context store: a versioned,
// sharded key/value store coordinated across session processes through
// optimistic concurrency control over atomically-replaced snapshot files.
//
// Values are a closed tagged variant (Scalar / List / Map) so the conflict
// resolver dispatches on the tag instead of inspecting runtime shapes.
// Concurrent writes to the same key are merged deterministically: last write
// wins for scalars, commutative union for lists, recursive merge for maps.
//
// Every successful mutation appends a ContextEvent to the event log; sibling
// sessions replay those events through their own resolver and converge
// without coordination.
package sharedctx
