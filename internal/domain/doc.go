// Package domain defines the core types shared by the pathvis daemons.
//
// This package contains the value objects that represent path
// measurements: hops, traces, and the classification vocabulary the
// engine uses when comparing them.
//
// # Core Types
//
// Hop is one step of a traced path with its enrichment attributes
// (hostname, domain, ASN, prefix, country, ROA state, DIS address).
// An empty IP marks an unresolved hop, rendered as "*".
//
// Trace is the ordered hop sequence of one measurement. The final
// hop's IP doubles as the destination key throughout the system.
//
// Classification labels the outcome of comparing a destination's new
// trace with the previously applied one (new_path, unchanged, changed,
// expired).
//
// # Private Address Space
//
// Hops inside RFC1918/RFC4193 space carry fixed placeholder enrichment
// and are excluded from ROA conclusions; there is nothing to look up
// and no route origin to validate.
//
// # Design Principles
//
// - Pure value objects, no I/O and no engine state
// - Enrichment placeholders ("*") instead of missing-field errors
// - Deep Clone support so stored traces never alias live ones
package domain
