// Package graph implements the incremental multi-destination path
// graph engine.
//
// One Session owns the merged topology for all tracked destinations
// and everything derived from it. Observations arrive one at a time;
// each runs decide, strip, merge, sweep, record, recompute to
// completion, which is what keeps the topology invariants intact.
//
// # Store
//
// Store holds the node and edge collections as id-indexed maps. Nodes
// with a known IP are unique per IP and shared by every destination
// whose path crosses them; unresolved hops get placeholder nodes. The
// home node (id 0) anchors every trace and is never removed.
//
// # Merge
//
// applyTrace walks a destination's hops left to right, reusing
// existing nodes where the dedup rules allow and allocating new ones
// otherwise. Unresolved hops are only shared across destinations
// inside the unbroken leading run of stars; after the first resolved
// hop, a star may still reuse the node this destination's previous
// trace linked at the same place.
//
// # Detector
//
// Detector keeps the last applied trace per destination and is the
// sole gate in front of the merge: new_path and changed apply,
// unchanged and replays do not, an empty trace expires the
// destination.
//
// # Ledger
//
// Ledger is the bounded change log. Each record can be rendered as a
// positional old-vs-new diff graph with shared, old and new lineages.
//
// # Derived Views
//
// Filter marks nodes hidden against a destination allow-list. Groups
// clusters nodes by origin AS. Both are pure views; neither mutates
// topology. Snapshot clones the visible state for consumers.
package graph
