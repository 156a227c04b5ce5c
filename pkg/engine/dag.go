package engine

import (
	"fmt"
	"strings"
)

// DAGBuilder orders the processors of a plan graph for replay.
// It computes Kahn levels over the connections so that every processor is
// created after the processors feeding it. Cycles are legal in a flow; when no
// processor is ready the first remaining one in plan order is released, which
// keeps the order deterministic.
type DAGBuilder struct {
	graph *PlanGraph

	// adjacencyList maps node ids to their downstream nodes
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node ids to their upstream nodes
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	levels      [][]string
	cycleBreaks []string
}

// NewDAGBuilder creates a builder for the graph.
func NewDAGBuilder(g *PlanGraph) *DAGBuilder {
	return &DAGBuilder{
		graph:                g,
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// Build computes the levels. Self-loops are ignored; an edge with an unknown
// endpoint is an error.
func (b *DAGBuilder) Build() ([][]string, error) {
	for _, n := range b.graph.Processors {
		b.inDegree[n.ID] = 0
	}

	seen := make(map[[2]string]bool)
	for _, e := range b.graph.Connections {
		if _, ok := b.inDegree[e.From]; !ok {
			return nil, NewStructuralError([]string{
				fmt.Sprintf("connection %s references unknown source %q", e.Key(), e.From),
			})
		}
		if _, ok := b.inDegree[e.To]; !ok {
			return nil, NewStructuralError([]string{
				fmt.Sprintf("connection %s references unknown destination %q", e.Key(), e.To),
			})
		}
		pair := [2]string{e.From, e.To}
		if e.From == e.To || seen[pair] {
			continue
		}
		seen[pair] = true

		b.adjacencyList[e.From] = append(b.adjacencyList[e.From], e.To)
		b.reverseAdjacencyList[e.To] = append(b.reverseAdjacencyList[e.To], e.From)
		b.inDegree[e.To]++
	}

	b.computeLevels()
	return b.levels, nil
}

// computeLevels runs Kahn's algorithm with level tracking.
func (b *DAGBuilder) computeLevels() {
	remaining := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		remaining[id] = degree
	}
	done := make(map[string]bool, len(remaining))

	for len(done) < len(b.graph.Processors) {
		var level []string
		for _, n := range b.graph.Processors {
			if !done[n.ID] && remaining[n.ID] == 0 {
				level = append(level, n.ID)
			}
		}

		if len(level) == 0 {
			// Every remaining node sits on a cycle
			for _, n := range b.graph.Processors {
				if !done[n.ID] {
					level = []string{n.ID}
					b.cycleBreaks = append(b.cycleBreaks, n.ID)
					break
				}
			}
		}

		for _, id := range level {
			done[id] = true
		}
		for _, id := range level {
			for _, next := range b.adjacencyList[id] {
				if !done[next] {
					remaining[next]--
				}
			}
		}
		b.levels = append(b.levels, level)
	}
}

// Levels returns the computed levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// Order returns the levels flattened.
func (b *DAGBuilder) Order() []string {
	var out []string
	for _, level := range b.levels {
		out = append(out, level...)
	}
	return out
}

// CycleBreaks returns the nodes released to break cycles.
func (b *DAGBuilder) CycleBreaks() []string {
	return b.cycleBreaks
}

// Leaves returns the nodes without outgoing connections, in plan order.
func (b *DAGBuilder) Leaves() []string {
	var out []string
	for _, n := range b.graph.Processors {
		if len(b.graph.Outgoing(n.ID)) == 0 {
			out = append(out, n.ID)
		}
	}
	return out
}

// ToDOT generates a DOT representation for Graphviz. states, when non-nil,
// colours each node by its healing state.
func (b *DAGBuilder) ToDOT(states map[string]NodeState) string {
	var sb strings.Builder

	sb.WriteString("digraph Flow {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			n, _ := b.graph.Node(id)
			label := fmt.Sprintf("%s\\n%s", dotEscape(n.Name), dotEscape(shortType(n.Type)))
			fmt.Fprintf(&sb, "    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, stateColor(states[id]))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range b.graph.Connections {
		fmt.Fprintf(&sb, "  %q -> %q [label=\"%s\"];\n",
			e.From, e.To, dotEscape(strings.Join(e.Relationships, ",")))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func stateColor(s NodeState) string {
	switch s {
	case NodeSuccess:
		return "lightgreen"
	case NodeFailed:
		return "lightcoral"
	case NodeRejected, NodeRepairing:
		return "lightyellow"
	case NodeAttempting:
		return "lightblue"
	default:
		return "white"
	}
}

func shortType(t string) string {
	if i := strings.LastIndex(t, "."); i >= 0 {
		return t[i+1:]
	}
	return t
}

func dotEscape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
