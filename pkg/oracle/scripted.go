package oracle

import (
	"context"
	"slices"
	"sync"

	"github.com/flowmend/flowmend/pkg/engine"
)

// Answer is one scripted reply: a patch or an error.
type Answer struct {
	Patch *engine.RepairPatch
	Err   error
}

// Fix is an Answer with a patch of the given changes.
func Fix(changes ...engine.Change) Answer {
	return Answer{Patch: &engine.RepairPatch{Changes: changes}}
}

// Fail is an Answer with an error.
func Fail(err error) Answer {
	return Answer{Err: err}
}

// Scripted answers from per-node queues. A node with an empty queue gets
// NO_FIX. It records every request it receives.
type Scripted struct {
	mu       sync.Mutex
	queues   map[string][]Answer
	requests []engine.RepairRequest
}

var _ engine.Oracle = (*Scripted)(nil)

// NewScripted creates an advisor with no answers.
func NewScripted() *Scripted {
	return &Scripted{queues: make(map[string][]Answer)}
}

// Script appends answers to the queue of a node.
func (s *Scripted) Script(nodeID string, answers ...Answer) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[nodeID] = append(s.queues[nodeID], answers...)
	return s
}

// ProposeFix pops the next answer for the request's node.
func (s *Scripted) ProposeFix(ctx context.Context, req engine.RepairRequest) (*engine.RepairPatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := nodeID(req)
	queue := s.queues[id]
	if len(queue) == 0 {
		return nil, noFix("no scripted answer").WithResource(id)
	}
	s.queues[id] = queue[1:]

	a := queue[0]
	if a.Err != nil || a.Patch == nil {
		return nil, a.Err
	}
	p := *a.Patch
	p.Changes = slices.Clone(a.Patch.Changes)
	return &p, nil
}

// Calls returns how often the node was asked about. An empty id counts every
// call.
func (s *Scripted) Calls(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nodeID == "" {
		return len(s.requests)
	}
	n := 0
	for _, r := range s.requests {
		if r.Node != nil && r.Node.ID == nodeID {
			n++
		}
	}
	return n
}

// Requests returns the received requests in order.
func (s *Scripted) Requests() []engine.RepairRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}
