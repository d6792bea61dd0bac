// Package multiagent coordinates multi-step code generation executions
// across a fleet of stateless workers.
//
// # Core Concepts
//
// An execution runs a fixed pipeline of agent steps:
//
//	database -> {backend, frontend} -> deployment -> testing
//
// Its state lives in a single Redis record that every worker updates with
// optimistic transactions. A step already recorded as completed is never
// run again, so a crashed execution resumes where it stopped when any
// worker picks it up.
//
// # Components
//
//   - internal/persistence: the execution record store.
//   - internal/engine: the orchestrator and the retry/timeout wrapper.
//   - internal/breaker: the circuit breaker shared by all LLM calls.
//   - internal/lock: the quorum lock with extension and fencing.
//   - internal/governance: kill switch, daily quotas, monthly token budgets
//     and ledger reconciliation.
//   - internal/taskqueue and worker: the leased job queue and its consumer.
//
// Bundle wires all of them from a config.Config.
package multiagent
