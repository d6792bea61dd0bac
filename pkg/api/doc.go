// Package api holds the contracts shared by the coordinator packages: the
// execution record and its step results, the agent and validator
// capabilities invoked by the orchestrator, and the Observer used for
// logging and metrics.
//
// # Execution records
//
// A Record is the resumable state of one execution. It is stored as JSON
// under execution:<id> and is only ever mutated through the optimistic
// update loop of the record store, so every type here must round-trip
// through encoding/json without losing information.
//
// # Agents
//
// An Agent performs one pipeline step. Agents are stateless per call and
// must tolerate being invoked more than once for the same logical step: a
// timed-out attempt may still be running when the next attempt starts, and
// a resumed execution re-runs any step that was not recorded as completed.
//
// # Observability
//
// Observer receives lifecycle callbacks. NewLoggingObserver and BasicMetrics
// are ready-made implementations; NewCompositeObserver fans out to several.
package api
