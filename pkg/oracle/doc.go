// Package oracle provides the repair advisors the healing loop consults when
// NiFi rejects a processor configuration.
//
// Every advisor implements engine.Oracle. Given the rejected node, the
// rejection and the patch history, it returns a RepairPatch of addressed
// changes or an *engine.EngineError of kind oracle.
//
// # Advisors
//
//   - Gemini asks a Gemini model through google.golang.org/genai
//   - Rules runs a Starlark script that defines propose_fix
//   - Chain tries advisors in order
//   - Limited throttles another advisor
//   - Scripted answers from per-node queues and is meant for tests
//
// # Replies
//
// Gemini and Rules share the reply format. The preferred form lists changes:
//
//	{"changes": [
//	  {"op": "set", "key": "File Size", "old": "huge", "new": "1 KB"},
//	  {"target": "relationship", "op": "add", "key": "failure"}
//	]}
//
// A reply may instead carry the complete corrected configuration, which is
// diffed against the node:
//
//	{"properties": {"File Size": "1 KB"}, "auto_terminated_relationships": ["failure"]}
//	{"scheduling": {"period": "10 sec"}}
//
// A reply that yields no change is an oracle error with code NO_FIX.
package oracle
