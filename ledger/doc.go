// Package ledger keeps a tamper evident history of the rounds completed by
// a pool's coordinator.
//
// # Core Components
//
// History: An append-only log of rounds with hash chaining. It implements
// pool.Recorder, so it can be handed to the coordinator with
// pool.WithRecorder.
//
// Block: A single round containing its epoch, the mask after the round
// and the ranks found present, retired or timed out.
//
// # Properties
//
// Besides the hash links, the history refuses and Verify reports any block
// where a Done or Timeout entry of the mask changes. A verified history is
// therefore a monotonic sequence of masks ending, for a finished group, in
// a quiescent one.
package ledger
