// Package pool implements a fault-tolerant barrier and membership tracker
// for a fixed group of ranks, one of which (the root) coordinates.
//
// # Core Components
//
// Status and Mask: the lifecycle of a rank (Ready, Done, Timeout) and the
// per-rank array of statuses. Done and Timeout are terminal: once a mask
// entry reaches one of them it never changes again.
//
// EpochCounter: stamps every round's messages so that late replies of an
// abandoned round are recognized and discarded.
//
// Pool: the facade used by application loops. Ready, Drop, Barrier and
// SyncMask drive the protocol; Mask, Status and Done expose its state.
//
// # Rounds
//
// In every round the root sends a marker to each rank it believes Ready
// and waits, for each one independently, at most Tries times Timeout for
// an answer stamped with the round's epoch. An answer marks the rank
// present, a retirement notice marks it Done and silence marks it
// Timeout. Participants wait for the marker under the same bound and
// answer it. The root then pushes its mask with SyncMask.
//
// # Failures
//
// Peer timeouts are never errors: they only show up in the mask. Errors
// returned by Barrier, SyncMask and Drop come from the Channel and match
// ErrTransport. Calling Barrier before Ready, or Ready after Drop, panics.
//
// A rank marked Timeout is never resurrected: whatever it sends afterwards
// is discarded as stale.
package pool
