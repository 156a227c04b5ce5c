package engine

import (
	"fmt"
	"slices"
	"strconv"
)

// Check reports duplicate node ids and connections with unknown endpoints.
// These are the invariants the healing loop depends on; richer checks live in
// the config validator.
func (g *PlanGraph) Check() error {
	var violations []string
	seen := make(map[string]bool, len(g.Processors))
	for i, n := range g.Processors {
		if n == nil {
			violations = append(violations, fmt.Sprintf("processors[%d]: null processor", i))
			continue
		}
		if seen[n.ID] {
			violations = append(violations, fmt.Sprintf("processors[%d].id: duplicate id %q", i, n.ID))
		}
		seen[n.ID] = true
	}
	for i, e := range g.Connections {
		if e == nil {
			violations = append(violations, fmt.Sprintf("connections[%d]: null connection", i))
			continue
		}
		if !seen[e.From] {
			violations = append(violations, fmt.Sprintf("connections[%d].from_id: unknown processor %q", i, e.From))
		}
		if !seen[e.To] {
			violations = append(violations, fmt.Sprintf("connections[%d].to_id: unknown processor %q", i, e.To))
		}
	}
	if len(violations) > 0 {
		return NewStructuralError(violations)
	}
	return nil
}

// Node returns the node with the given id and its position in plan order.
func (g *PlanGraph) Node(id string) (*ProcessorNode, int) {
	for i, n := range g.Processors {
		if n.ID == id {
			return n, i
		}
	}
	return nil, -1
}

// Clone returns a deep copy of the graph.
func (g *PlanGraph) Clone() *PlanGraph {
	out := &PlanGraph{
		Name:        g.Name,
		Summary:     g.Summary,
		Processors:  make([]*ProcessorNode, len(g.Processors)),
		Connections: make([]*ConnectionEdge, len(g.Connections)),
		Services:    slices.Clone(g.Services),
	}
	for i, n := range g.Processors {
		out.Processors[i] = n.Clone()
	}
	for i, e := range g.Connections {
		c := *e
		c.Relationships = slices.Clone(e.Relationships)
		out.Connections[i] = &c
	}
	return out
}

// Outgoing returns the edges leaving the node.
func (g *PlanGraph) Outgoing(id string) []*ConnectionEdge {
	var out []*ConnectionEdge
	for _, e := range g.Connections {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// ApplyPatch returns a new graph with the patch applied to its node.
// The receiver is not modified.
func (g *PlanGraph) ApplyPatch(p RepairPatch) (*PlanGraph, error) {
	node, idx := g.Node(p.NodeID)
	if node == nil {
		return nil, NewPatchConflictError(fmt.Sprintf("node %q not found", p.NodeID)).
			WithResource(p.NodeID)
	}

	patched, err := node.ApplyPatch(p)
	if err != nil {
		return nil, err
	}

	out := g.Clone()
	out.Processors[idx] = patched
	return out, nil
}

// Clone returns a deep copy of the node.
func (n *ProcessorNode) Clone() *ProcessorNode {
	out := *n
	out.Properties = n.Properties.Clone()
	out.ServiceRefs = n.ServiceRefs.Clone()
	out.AutoTerminate = slices.Clone(n.AutoTerminate)
	if n.Scheduling != nil {
		s := *n.Scheduling
		out.Scheduling = &s
	}
	if n.History != nil {
		out.History = make([]RepairPatch, len(n.History))
		for i, p := range n.History {
			out.History[i] = p
			out.History[i].Changes = slices.Clone(p.Changes)
		}
	}
	return &out
}

// HasPatch reports whether a patch with the given id is in the node history.
func (n *ProcessorNode) HasPatch(id string) bool {
	for _, p := range n.History {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ApplyPatch returns a copy of the node with every change of the patch applied
// and the patch appended to its history. Applying a patch that is already in
// the history returns an unchanged copy.
func (n *ProcessorNode) ApplyPatch(p RepairPatch) (*ProcessorNode, error) {
	if p.NodeID == "" {
		p.NodeID = n.ID
	}
	if p.NodeID != n.ID {
		return nil, NewPatchConflictError(
			fmt.Sprintf("patch addresses node %q, not %q", p.NodeID, n.ID)).WithResource(n.ID)
	}
	p = p.Normalize()

	out := n.Clone()
	if n.HasPatch(p.ID) {
		return out, nil
	}

	for i, c := range p.Changes {
		if err := out.applyChange(c); err != nil {
			return nil, NewPatchConflictError(err.Error()).
				WithResource(n.ID).
				WithDetail("patch", p.ID).
				WithDetail("change", i)
		}
	}

	out.History = append(out.History, p)
	return out, nil
}

func (n *ProcessorNode) applyChange(c Change) error {
	switch c.target() {
	case TargetProperty:
		return applyPropertyChange(&n.Properties, c)
	case TargetScheduling:
		return n.applySchedulingChange(c)
	case TargetRelationship:
		return n.applyRelationshipChange(c)
	case TargetType:
		return n.applyTypeChange(c)
	case TargetService:
		return applyPropertyChange(&n.ServiceRefs, c)
	default:
		return fmt.Errorf("unknown change target %q", c.Target)
	}
}

func applyPropertyChange(props *Properties, c Change) error {
	cur, ok := props.Get(c.Key)

	switch c.Op {
	case OpSet:
		if c.New == nil {
			return fmt.Errorf("set of %q has no value", c.Key)
		}
		if !ok {
			return fmt.Errorf("property %q not found", c.Key)
		}
		if cur == *c.New {
			return nil
		}
		if err := checkOld(c.Key, cur, c.Old); err != nil {
			return err
		}
		props.Set(c.Key, *c.New)

	case OpAdd:
		if c.New == nil {
			return fmt.Errorf("add of %q has no value", c.Key)
		}
		if ok {
			if cur == *c.New {
				return nil
			}
			return fmt.Errorf("property %q already set to %q", c.Key, cur)
		}
		props.Set(c.Key, *c.New)

	case OpRename:
		if c.NewKey == "" {
			return fmt.Errorf("rename of %q has no new name", c.Key)
		}
		renamed, hasNew := props.Get(c.NewKey)
		if !ok {
			if hasNew && (c.New == nil || renamed == *c.New) {
				return nil
			}
			return fmt.Errorf("property %q not found", c.Key)
		}
		if hasNew {
			return fmt.Errorf("cannot rename %q: property %q already exists", c.Key, c.NewKey)
		}
		if err := checkOld(c.Key, cur, c.Old); err != nil {
			return err
		}
		i := props.Index(c.Key)
		(*props)[i].Key = c.NewKey
		if c.New != nil {
			(*props)[i].Value = *c.New
		}

	case OpRemove:
		if !ok {
			return fmt.Errorf("property %q not found", c.Key)
		}
		if err := checkOld(c.Key, cur, c.Old); err != nil {
			return err
		}
		props.Delete(c.Key)

	default:
		return fmt.Errorf("unknown property operation %q", c.Op)
	}
	return nil
}

func (n *ProcessorNode) applySchedulingChange(c Change) error {
	if c.Op != OpSet {
		return fmt.Errorf("scheduling supports only set, got %q", c.Op)
	}
	if c.New == nil {
		return fmt.Errorf("set of scheduling %q has no value", c.Key)
	}
	if n.Scheduling == nil {
		n.Scheduling = &Scheduling{}
	}
	s := n.Scheduling

	var cur string
	switch c.Key {
	case "strategy":
		cur = s.Strategy
	case "period":
		cur = s.Period
	case "concurrent_tasks":
		if s.ConcurrentTasks != 0 {
			cur = strconv.Itoa(s.ConcurrentTasks)
		}
	default:
		return fmt.Errorf("unknown scheduling field %q", c.Key)
	}
	if cur == *c.New {
		return nil
	}
	if err := checkOld("scheduling."+c.Key, cur, c.Old); err != nil {
		return err
	}

	switch c.Key {
	case "strategy":
		s.Strategy = *c.New
	case "period":
		s.Period = *c.New
	case "concurrent_tasks":
		v, err := strconv.Atoi(*c.New)
		if err != nil || v < 1 {
			return fmt.Errorf("concurrent_tasks must be a positive integer, got %q", *c.New)
		}
		s.ConcurrentTasks = v
	}
	return nil
}

func (n *ProcessorNode) applyRelationshipChange(c Change) error {
	idx := slices.Index(n.AutoTerminate, c.Key)
	switch c.Op {
	case OpAdd, OpSet:
		if idx < 0 {
			n.AutoTerminate = append(n.AutoTerminate, c.Key)
		}
	case OpRemove:
		if idx < 0 {
			return fmt.Errorf("relationship %q is not auto-terminated", c.Key)
		}
		n.AutoTerminate = slices.Delete(n.AutoTerminate, idx, idx+1)
	default:
		return fmt.Errorf("unknown relationship operation %q", c.Op)
	}
	return nil
}

func (n *ProcessorNode) applyTypeChange(c Change) error {
	if c.Op != OpSet || c.New == nil {
		return fmt.Errorf("type change must be a set with a value")
	}
	if n.Type == *c.New {
		return nil
	}
	if err := checkOld("type", n.Type, c.Old); err != nil {
		return err
	}
	n.Type = *c.New
	return nil
}

func checkOld(key, cur string, old *string) error {
	if old != nil && cur != *old {
		return fmt.Errorf("stale patch for %q: expected %q, found %q", key, *old, cur)
	}
	return nil
}
