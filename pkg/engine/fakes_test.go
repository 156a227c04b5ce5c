package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// fakeRemote is an in-memory remote system. nodeFn and edgeFn decide the
// result of each call; call counts start at 1 per subject.
type fakeRemote struct {
	mu sync.Mutex

	nodeFn func(n *ProcessorNode, call int) error
	edgeFn func(e *ConnectionEdge, call int) error

	createWorkspaceErr error
	deleteAllErrs      int
	deleteAllErr       error

	nextID          int
	nodeCalls       map[string]int
	edgeCalls       map[string]int
	log             []string
	workspaces      []string
	deletedGroups   []string
	deleteAllCalls  int
	terminated      []string
	seenNodes       []*ProcessorNode
	edgeOrderBroken bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nodeCalls: make(map[string]int),
		edgeCalls: make(map[string]int),
	}
}

func (f *fakeRemote) CreateWorkspace(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createWorkspaceErr != nil {
		return "", f.createWorkspaceErr
	}
	f.workspaces = append(f.workspaces, name)
	return "pg-" + name, nil
}

func (f *fakeRemote) DeleteWorkspace(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedGroups = append(f.deletedGroups, groupID)
	return nil
}

func (f *fakeRemote) CreateNode(ctx context.Context, n *ProcessorNode, h *SandboxHandle) (string, error) {
	f.mu.Lock()
	f.nodeCalls[n.ID]++
	call := f.nodeCalls[n.ID]
	f.seenNodes = append(f.seenNodes, n.Clone())
	fn := f.nodeFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(n, call); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("r-%d", f.nextID)
	f.log = append(f.log, "node:"+n.ID)
	f.mu.Unlock()

	h.Record(Artifact{Kind: ArtifactNode, LocalID: n.ID, RemoteID: id})
	return id, nil
}

func (f *fakeRemote) CreateEdge(ctx context.Context, e *ConnectionEdge, h *SandboxHandle) (string, error) {
	f.mu.Lock()
	f.edgeCalls[e.Key()]++
	call := f.edgeCalls[e.Key()]
	fn := f.edgeFn
	f.mu.Unlock()

	_, okFrom := h.Lookup(ArtifactNode, e.From)
	_, okTo := h.Lookup(ArtifactNode, e.To)
	if !okFrom || !okTo {
		f.mu.Lock()
		f.edgeOrderBroken = true
		f.mu.Unlock()
		return "", NewRejection("destination", "endpoint does not exist")
	}

	if fn != nil {
		if err := fn(e, call); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("r-%d", f.nextID)
	f.log = append(f.log, "edge:"+e.Key())
	f.mu.Unlock()

	h.Record(Artifact{Kind: ArtifactEdge, LocalID: e.Key(), RemoteID: id})
	return id, nil
}

func (f *fakeRemote) DeleteAll(ctx context.Context, h *SandboxHandle) error {
	f.mu.Lock()
	f.deleteAllCalls++
	if f.deleteAllErr != nil && f.deleteAllErrs != 0 {
		f.deleteAllErrs--
		f.mu.Unlock()
		return f.deleteAllErr
	}
	f.mu.Unlock()

	for _, a := range h.Artifacts() {
		h.Forget(a.RemoteID)
	}
	return nil
}

func (f *fakeRemote) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodeCalls[id]
}

// terminatingRemote adds leaf termination to fakeRemote.
type terminatingRemote struct {
	*fakeRemote
}

func (t terminatingRemote) SetAutoTerminateAll(ctx context.Context, remoteID string, h *SandboxHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = append(t.terminated, remoteID)
	return nil
}

// groupingRemote adds flow process groups to fakeRemote.
type groupingRemote struct {
	*fakeRemote
	parents []string
}

func (g *groupingRemote) CreateGroup(ctx context.Context, parentID, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.parents = append(g.parents, parentID)
	g.workspaces = append(g.workspaces, name)
	return "pg-" + name, nil
}

// routingRemote adds relationship checks to fakeRemote. Every processor has
// the success and failure relationships.
type routingRemote struct {
	*fakeRemote
	checked []string
}

func (r *routingRemote) CheckRoutes(ctx context.Context, n *ProcessorNode, remoteID string, connected []string, h *SandboxHandle) error {
	r.mu.Lock()
	r.checked = append(r.checked, n.ID)
	r.mu.Unlock()

	var unrouted []string
	for _, rel := range []string{"success", "failure"} {
		if !slices.Contains(connected, rel) && !slices.Contains(n.AutoTerminate, rel) {
			unrouted = append(unrouted, rel)
		}
	}
	if len(unrouted) == 0 {
		return nil
	}
	h.Forget(remoteID)
	return NewRejection(FieldRelationships, fmt.Sprintf("Relationships %v are not auto-terminated or connected", unrouted))
}

func (r *routingRemote) checks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.checked)
}

// countingOracle answers from fn and counts calls.
type countingOracle struct {
	mu    sync.Mutex
	calls int
	reqs  []RepairRequest
	fn    func(req RepairRequest) (*RepairPatch, error)
}

func (o *countingOracle) ProposeFix(ctx context.Context, req RepairRequest) (*RepairPatch, error) {
	o.mu.Lock()
	o.calls++
	o.reqs = append(o.reqs, req)
	fn := o.fn
	o.mu.Unlock()
	if fn == nil {
		return nil, NewOracleError("no answer", nil).WithCode(ErrCodeNoFix)
	}
	return fn(req)
}

func (o *countingOracle) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.RemoteTimeout = time.Second
	cfg.OracleTimeout = time.Second
	cfg.SessionTimeout = 10 * time.Second
	cfg.TeardownTimeout = 5 * time.Second
	return cfg
}

func newTestHealer(cfg SessionConfig, remote *fakeRemote, oracle Oracle, opts ...HealerOption) *Healer {
	sandbox := NewSandboxManager(remote, remote, cfg, nil, nil)
	return NewHealer(cfg, sandbox, remote, oracle, opts...)
}

func node(id, typ string, props ...string) *ProcessorNode {
	n := &ProcessorNode{ID: id, Name: id, Type: typ}
	for i := 0; i+1 < len(props); i += 2 {
		n.Properties.Set(props[i], props[i+1])
	}
	return n
}

func edge(from, to string, rels ...string) *ConnectionEdge {
	if len(rels) == 0 {
		rels = []string{"success"}
	}
	return &ConnectionEdge{From: from, To: to, Relationships: rels}
}

func linearGraph() *PlanGraph {
	return &PlanGraph{
		Name: "ingest",
		Processors: []*ProcessorNode{
			node("gen", "GenerateFlowFile", "Batch Size", "1"),
			node("upd", "UpdateAttribute", "filename", "${uuid}"),
			node("log", "LogAttribute"),
		},
		Connections: []*ConnectionEdge{
			edge("gen", "upd"),
			edge("upd", "log"),
		},
	}
}
