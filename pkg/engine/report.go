package engine

import (
	"fmt"
	"strings"
	"time"
)

// Report is the result of a healing session.
type Report struct {
	SessionID   string        `json:"session_id" yaml:"session_id"`
	Flow        string        `json:"flow" yaml:"flow"`
	Outcome     Outcome       `json:"outcome" yaml:"outcome"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time     `json:"completed_at" yaml:"completed_at"`
	Duration    time.Duration `json:"duration" yaml:"duration"`

	// Error is set when the session aborted or timed out.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	Nodes []NodeResult `json:"nodes" yaml:"nodes"`
	Edges []EdgeResult `json:"edges" yaml:"edges"`

	// Attempts is the full attempt log in the order actions completed.
	Attempts []Attempt `json:"attempts" yaml:"attempts"`

	TransientRetries int `json:"transient_retries" yaml:"transient_retries"`
	OracleCalls      int `json:"oracle_calls" yaml:"oracle_calls"`

	Teardown TeardownResult `json:"teardown" yaml:"teardown"`

	// Graph is the healed graph: every committed patch applied and recorded
	// in the node histories.
	Graph *PlanGraph `json:"graph,omitempty" yaml:"graph,omitempty"`
}

// NodeResult is the final state of one node.
type NodeResult struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Type      string        `json:"type" yaml:"type"`
	State     NodeState     `json:"state" yaml:"state"`
	Heals     int           `json:"heals" yaml:"heals"`
	Tries     int           `json:"tries" yaml:"tries"`
	RemoteID  string        `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	LastError *ErrorInfo    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Patches   []RepairPatch `json:"patches,omitempty" yaml:"patches,omitempty"`
}

// EdgeResult is the final state of one edge.
type EdgeResult struct {
	Key       string     `json:"key" yaml:"key"`
	From      string     `json:"from" yaml:"from"`
	To        string     `json:"to" yaml:"to"`
	State     EdgeState  `json:"state" yaml:"state"`
	RemoteID  string     `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	LastError *ErrorInfo `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// ErrorInfo is the serializable summary of an error.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Code    string    `json:"code,omitempty" yaml:"code,omitempty"`
	Field   string    `json:"field,omitempty" yaml:"field,omitempty"`
	Message string    `json:"message" yaml:"message"`
}

// TeardownResult records sandbox release separately from the outcome.
type TeardownResult struct {
	Attempted bool   `json:"attempted" yaml:"attempted"`
	Succeeded bool   `json:"succeeded" yaml:"succeeded"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewErrorInfo summarizes err.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	if e := AsEngineError(err); e != nil {
		return &ErrorInfo{Kind: e.Kind, Code: e.Code, Field: e.Field, Message: e.Error()}
	}
	return &ErrorInfo{Message: err.Error()}
}

// Node returns the result for a node id.
func (r *Report) Node(id string) (NodeResult, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeResult{}, false
}

// FailedNodes returns the ids of nodes that did not reach SUCCESS.
func (r *Report) FailedNodes() []string {
	var out []string
	for _, n := range r.Nodes {
		if n.State != NodeSuccess {
			out = append(out, n.ID)
		}
	}
	return out
}

// TotalHeals returns the number of heals consumed across all nodes.
func (r *Report) TotalHeals() int {
	total := 0
	for _, n := range r.Nodes {
		total += n.Heals
	}
	return total
}

// Summary returns a short human-readable summary.
func (r *Report) Summary() string {
	var ok, failed, edgesOK int
	for _, n := range r.Nodes {
		if n.State == NodeSuccess {
			ok++
		} else {
			failed++
		}
	}
	for _, e := range r.Edges {
		if e.State == EdgeSuccess {
			edgesOK++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d/%d processors valid, %d/%d connections valid, %d heals, %d oracle calls, %d transient retries",
		r.Outcome, ok, len(r.Nodes), edgesOK, len(r.Edges), r.TotalHeals(), r.OracleCalls, r.TransientRetries)
	if failed > 0 {
		fmt.Fprintf(&b, ", failed: %s", strings.Join(r.FailedNodes(), ", "))
	}
	if r.Teardown.Attempted && !r.Teardown.Succeeded {
		b.WriteString(", sandbox teardown FAILED")
	}
	return b.String()
}
