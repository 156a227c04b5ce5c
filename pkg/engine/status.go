package engine

import (
	"fmt"
	"slices"
)

// NodeState is the healing state of a processor node.
type NodeState string

const (
	// NodePending indicates the node has not been attempted yet.
	NodePending NodeState = "PENDING"

	// NodeAttempting indicates a create call is in flight.
	NodeAttempting NodeState = "ATTEMPTING"

	// NodeSuccess indicates the remote system accepted the node.
	NodeSuccess NodeState = "SUCCESS"

	// NodeRejected indicates the remote system refused the node's content.
	NodeRejected NodeState = "REJECTED"

	// NodeRepairing indicates the oracle is being consulted for a patch.
	NodeRepairing NodeState = "REPAIRING"

	// NodeFailed indicates the node could not be materialized.
	NodeFailed NodeState = "FAILED"
)

var nodeTransitions = map[NodeState][]NodeState{
	NodePending:    {NodeAttempting, NodeFailed},
	NodeAttempting: {NodeSuccess, NodeRejected, NodeFailed},
	NodeRejected:   {NodeRepairing, NodeFailed},
	NodeRepairing:  {NodeAttempting, NodeFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s NodeState) CanTransition(next NodeState) bool {
	return slices.Contains(nodeTransitions[s], next)
}

// IsTerminal returns true for SUCCESS and FAILED.
func (s NodeState) IsTerminal() bool {
	return s == NodeSuccess || s == NodeFailed
}

// EdgeState is the materialization state of a connection.
type EdgeState string

const (
	EdgePending    EdgeState = "PENDING"
	EdgeAttempting EdgeState = "ATTEMPTING"
	EdgeSuccess    EdgeState = "SUCCESS"
	EdgeFailed     EdgeState = "FAILED"

	// EdgeBlocked indicates an endpoint never reached SUCCESS.
	EdgeBlocked EdgeState = "BLOCKED"
)

// Outcome is the terminal state of a healing session.
type Outcome string

const (
	// OutcomeAllValid indicates every node and edge reached SUCCESS.
	OutcomeAllValid Outcome = "ALL_VALID"

	// OutcomePartialFailure indicates at least one node or edge did not.
	OutcomePartialFailure Outcome = "PARTIAL_FAILURE"

	// OutcomeAborted indicates the session could not run at all.
	OutcomeAborted Outcome = "ABORTED"
)

// Validate checks if the outcome is known.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeAllValid, OutcomePartialFailure, OutcomeAborted:
		return nil
	default:
		return fmt.Errorf("invalid session outcome: %s", o)
	}
}
