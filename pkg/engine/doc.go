// Package engine implements plan validation and self-healing against a live
// flow engine.
//
// # Overview
//
// A PlanGraph describes processors (nodes) and the connections between them.
// The remote system is the only authority on whether a processor
// configuration is acceptable, so the engine validates a graph by
// materializing it:
//
//  1. Acquire - the SandboxManager creates an isolated scratch workspace
//  2. Materialize - the Healer creates every processor on a bounded worker pool
//  3. Heal - rejected processors are sent to an Oracle, which proposes a RepairPatch
//  4. Connect - every connection is created once both endpoints are accepted
//  5. Release - the sandbox is deleted on every exit path
//  6. Deploy - the Deployer replays an ALL_VALID graph onto production
//
// # Node lifecycle
//
//	PENDING -> ATTEMPTING -> SUCCESS
//	                      -> REJECTED -> REPAIRING -> ATTEMPTING
//	                                               -> FAILED
//	                      -> FAILED
//
// Transient remote errors (network, timeouts, 5xx, 429, 409) are retried with
// the same payload and never reach the oracle. Only rejections consume heals,
// and MaxHeals bounds them per node.
//
// # Patches
//
// A RepairPatch is a list of addressed changes (set, add, rename, remove) on
// properties, scheduling, relationships or the processor type. Patches are
// applied to a working copy and committed to the graph, history included,
// only once the following create call succeeds. Applying a patch that is
// already in the history is a no-op.
//
// # Errors
//
// Every error the engine produces is an *EngineError whose Kind places it in
// the taxonomy (schema, structural, sandbox, remote_transient,
// remote_rejection, oracle, patch_conflict, deployment) and whose Class drives
// retries.
package engine
