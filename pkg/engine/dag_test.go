package engine

import (
	"reflect"
	"strings"
	"testing"
)

func TestDAGBuilder_Build_Empty(t *testing.T) {
	builder := NewDAGBuilder(&PlanGraph{})
	levels, err := builder.Build()

	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if len(levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(levels))
	}
	if len(builder.Leaves()) != 0 {
		t.Errorf("Expected no leaves, got %v", builder.Leaves())
	}
}

func TestDAGBuilder_Build_Linear(t *testing.T) {
	builder := NewDAGBuilder(linearGraph())
	levels, err := builder.Build()

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"gen"}, {"upd"}, {"log"}}
	if !reflect.DeepEqual(levels, expected) {
		t.Errorf("Expected levels %v, got %v", expected, levels)
	}
	if got := builder.Order(); !reflect.DeepEqual(got, []string{"gen", "upd", "log"}) {
		t.Errorf("Unexpected order %v", got)
	}
	if len(builder.CycleBreaks()) != 0 {
		t.Errorf("Expected no cycle breaks, got %v", builder.CycleBreaks())
	}
}

func TestDAGBuilder_Build_ParallelKeepsPlanOrder(t *testing.T) {
	g := &PlanGraph{
		Processors: []*ProcessorNode{
			node("c", "LogAttribute"),
			node("a", "GenerateFlowFile"),
			node("b", "GenerateFlowFile"),
		},
	}

	levels, err := NewDAGBuilder(g).Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"c", "a", "b"}}
	if !reflect.DeepEqual(levels, expected) {
		t.Errorf("Expected levels %v, got %v", expected, levels)
	}
}

func TestDAGBuilder_Build_Diamond(t *testing.T) {
	g := &PlanGraph{
		Processors: []*ProcessorNode{
			node("src", "ListenHTTP"),
			node("left", "UpdateAttribute"),
			node("right", "UpdateAttribute"),
			node("sink", "PutFile"),
		},
		Connections: []*ConnectionEdge{
			edge("src", "left"),
			edge("src", "right"),
			edge("left", "sink"),
			edge("right", "sink"),
		},
	}

	builder := NewDAGBuilder(g)
	levels, err := builder.Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"src"}, {"left", "right"}, {"sink"}}
	if !reflect.DeepEqual(levels, expected) {
		t.Errorf("Expected levels %v, got %v", expected, levels)
	}
	if leaves := builder.Leaves(); !reflect.DeepEqual(leaves, []string{"sink"}) {
		t.Errorf("Expected leaves [sink], got %v", leaves)
	}
}

func TestDAGBuilder_Build_CycleBrokenInPlanOrder(t *testing.T) {
	g := &PlanGraph{
		Processors: []*ProcessorNode{
			node("route", "RouteOnAttribute"),
			node("retry", "RetryFlowFile"),
			node("out", "PutFile"),
		},
		Connections: []*ConnectionEdge{
			edge("route", "retry", "unmatched"),
			edge("retry", "route", "retry"),
			edge("route", "out", "matched"),
		},
	}

	builder := NewDAGBuilder(g)
	levels, err := builder.Build()
	if err != nil {
		t.Fatalf("Expected no error for cyclic flow, got: %v", err)
	}

	expected := [][]string{{"route"}, {"retry", "out"}}
	if !reflect.DeepEqual(levels, expected) {
		t.Errorf("Expected levels %v, got %v", expected, levels)
	}
	if breaks := builder.CycleBreaks(); !reflect.DeepEqual(breaks, []string{"route"}) {
		t.Errorf("Expected cycle broken at route, got %v", breaks)
	}
}

func TestDAGBuilder_Build_SelfLoopIgnored(t *testing.T) {
	g := &PlanGraph{
		Processors: []*ProcessorNode{
			node("wait", "Wait"),
			node("log", "LogAttribute"),
		},
		Connections: []*ConnectionEdge{
			edge("wait", "wait", "wait"),
			edge("wait", "log"),
			edge("wait", "log", "failure"),
		},
	}

	builder := NewDAGBuilder(g)
	levels, err := builder.Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"wait"}, {"log"}}
	if !reflect.DeepEqual(levels, expected) {
		t.Errorf("Expected levels %v, got %v", expected, levels)
	}
	if len(builder.CycleBreaks()) != 0 {
		t.Errorf("Self-loop should not count as a cycle, got %v", builder.CycleBreaks())
	}
}

func TestDAGBuilder_Build_UnknownEndpoint(t *testing.T) {
	g := &PlanGraph{
		Processors:  []*ProcessorNode{node("a", "LogAttribute")},
		Connections: []*ConnectionEdge{edge("a", "missing")},
	}

	_, err := NewDAGBuilder(g).Build()
	if err == nil {
		t.Fatal("Expected error for unknown destination")
	}
	if !IsKind(err, KindStructural) {
		t.Errorf("Expected structural error, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("Expected error to name the endpoint, got %v", err)
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder(linearGraph())
	if _, err := builder.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	dot := builder.ToDOT(map[string]NodeState{
		"gen": NodeSuccess,
		"upd": NodeFailed,
	})

	for _, want := range []string{
		"digraph Flow {",
		"cluster_level_0",
		"cluster_level_2",
		`"gen" -> "upd" [label="success"]`,
		`fillcolor="lightgreen"`,
		`fillcolor="lightcoral"`,
		`fillcolor="white"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q\n%s", want, dot)
		}
	}
}

func TestShortType(t *testing.T) {
	tests := map[string]string{
		"org.apache.nifi.processors.standard.LogAttribute": "LogAttribute",
		"LogAttribute": "LogAttribute",
		"":             "",
	}
	for in, want := range tests {
		if got := shortType(in); got != want {
			t.Errorf("shortType(%q) = %q, want %q", in, got, want)
		}
	}
}
