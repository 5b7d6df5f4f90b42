// Package runstate tracks the authoritative in-memory state of active
// runs: accumulated assistant and reasoning text, tool call history,
// persistence bookkeeping, and the cooperative abort signal.
//
// One conversation has at most one active run. Mutations are keyed by
// (conversationID, runID) and ignored when the run ID is stale, so a
// producer that outlives its run degrades to a no-op. Merge reconciles
// the live snapshot with durable history once a run terminates.
package runstate
