// Package feed carries trace observations from the producer to the
// engine over WebSocket.
//
// # Wire Format
//
// Each frame is either the literal clear_cache control token or one
// JSON observation. The control token is matched before JSON parsing
// so a reset never depends on the codec. An observation's trace is a
// sequence of [hopnr, info] pairs; a null ip marks an unresolved hop,
// and an empty trace announces that its destination expired.
//
// # Delivery Semantics
//
// The server pushes the full backlog to every new connection after an
// initial clear_cache, deduplicating per connection by destination
// and measurement start time. The client reconnects forever with
// capped backoff and drops malformed frames without dying. Exactly
// once delivery is not attempted; the engine absorbs replays
// idempotently.
package feed
