package engine

import (
	"context"
)

// Materializer creates and deletes artifacts on the remote flow engine.
// Errors are classified: transient errors carry KindRemoteTransient and
// content refusals carry KindRemoteRejection.
type Materializer interface {
	// CreateNode creates the processor under the handle's group and records it
	// in the handle registry. Returns the remote id.
	CreateNode(ctx context.Context, node *ProcessorNode, h *SandboxHandle) (string, error)

	// CreateEdge creates the connection between two recorded processors.
	CreateEdge(ctx context.Context, edge *ConnectionEdge, h *SandboxHandle) (string, error)

	// DeleteAll deletes every artifact recorded under the handle.
	DeleteAll(ctx context.Context, h *SandboxHandle) error
}

// WorkspaceProvider creates and deletes isolated scratch workspaces.
type WorkspaceProvider interface {
	CreateWorkspace(ctx context.Context, name string) (string, error)
	DeleteWorkspace(ctx context.Context, groupID string) error
}

// Oracle proposes a repair patch for a rejected node.
type Oracle interface {
	ProposeFix(ctx context.Context, req RepairRequest) (*RepairPatch, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req RepairRequest) (*RepairPatch, error)

// ProposeFix calls f.
func (f OracleFunc) ProposeFix(ctx context.Context, req RepairRequest) (*RepairPatch, error) {
	return f(ctx, req)
}

// ServiceLister lists the controller services available on the remote system.
type ServiceLister interface {
	ListControllerServices(ctx context.Context) ([]ControllerServiceRef, error)
}

// Terminator auto-terminates every relationship of a created processor.
// Materializers that implement it get leaf termination during deployment.
type Terminator interface {
	SetAutoTerminateAll(ctx context.Context, remoteID string, h *SandboxHandle) error
}

// RouteChecker checks that a created processor routes every relationship it
// has. connected lists the relationships the plan connects downstream. A
// processor with unrouted relationships is deleted again and reported as a
// rejection with field FieldRelationships.
type RouteChecker interface {
	CheckRoutes(ctx context.Context, node *ProcessorNode, remoteID string, connected []string, h *SandboxHandle) error
}

// GroupProvider creates named process groups under a given parent. Deployers
// whose materializer implements it build each flow inside its own group.
type GroupProvider interface {
	CreateGroup(ctx context.Context, parentID, name string) (string, error)
	DeleteWorkspace(ctx context.Context, groupID string) error
}

// ReportSink persists session reports.
type ReportSink interface {
	SaveReport(ctx context.Context, report *Report) error
}

// PlanValidator statically checks a graph before any remote work.
type PlanValidator interface {
	Validate(ctx context.Context, g *PlanGraph) error
}
