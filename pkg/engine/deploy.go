package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmend/flowmend/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// DeployResult describes a production replay.
type DeployResult struct {
	Flow    string `json:"flow"`
	GroupID string `json:"group_id"`
	// ParentGroupID is the group the flow group was created in. Empty when
	// the flow was replayed directly into GroupID.
	ParentGroupID string        `json:"parent_group_id,omitempty"`
	Order      [][]string    `json:"order"`
	Created    []Artifact    `json:"created"`
	Duration   time.Duration `json:"duration"`
	RolledBack bool          `json:"rolled_back"`
}

// defaultFlowGroupName names the process group of a flow without a name.
const defaultFlowGroupName = "flowmend-flow"

// Deployer replays validated graphs onto the production group. It never heals:
// a graph that fails in production is rolled back.
type Deployer struct {
	cfg     SessionConfig
	mat     Materializer
	groupID string

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewDeployer creates a deployer targeting groupID.
func NewDeployer(
	cfg SessionConfig,
	mat Materializer,
	groupID string,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Deployer {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Deployer{
		cfg:     cfg,
		mat:     mat,
		groupID: groupID,
		logger:  logger.NewComponentLogger("deployer"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Deploy replays the healed graph of a report. Only ALL_VALID reports are
// accepted.
func (d *Deployer) Deploy(ctx context.Context, rep *Report) (*DeployResult, error) {
	if rep == nil {
		return nil, NewDeploymentError("no session report", nil).WithCode(ErrCodeValidation)
	}
	if rep.Outcome != OutcomeAllValid {
		return nil, NewDeploymentError(
			fmt.Sprintf("session %s ended %s, only %s sessions can be deployed", rep.SessionID, rep.Outcome, OutcomeAllValid),
			nil,
		).WithCode(ErrCodeValidation).WithResource(rep.SessionID)
	}
	if rep.Graph == nil {
		return nil, NewDeploymentError("session report carries no graph", nil).
			WithCode(ErrCodeValidation).WithResource(rep.SessionID)
	}
	return d.Replay(ctx, rep.Graph)
}

// Replay creates every processor in dependency order, auto-terminates the
// relationships of leaf processors, then creates the connections in plan
// order. When the materializer is a GroupProvider the flow is built inside a
// new process group named after the flow, under the deployer's group. Any
// failure deletes everything created so far, that group included.
func (d *Deployer) Replay(ctx context.Context, g *PlanGraph) (*DeployResult, error) {
	if err := g.Check(); err != nil {
		return nil, err
	}

	start := time.Now()
	builder := NewDAGBuilder(g)
	levels, err := builder.Build()
	if err != nil {
		return nil, err
	}

	h := NewProductionHandle(d.groupID)
	result := &DeployResult{Flow: g.Name, GroupID: d.groupID, Order: levels}

	ctx, span := d.tracer.StartDeploySpan(ctx, g.Name, d.groupID)
	logger := d.logger.WithField("flow", g.Name)
	if breaks := builder.CycleBreaks(); len(breaks) > 0 {
		logger.Infof("Cycle broken at %v", breaks)
	}

	fail := func(step string, cause error) (*DeployResult, error) {
		derr := d.rollback(ctx, h, result, step, cause)
		result.Duration = time.Since(start)
		d.metrics.RecordDeployment("failed", result.Duration)
		telemetry.EndSpan(span, derr)
		return result, derr
	}

	if gp, ok := d.mat.(GroupProvider); ok {
		name := g.Name
		if name == "" {
			name = defaultFlowGroupName
		}
		groupID, err := retryRemote(ctx, d.cfg, func(ctx context.Context) (string, error) {
			return gp.CreateGroup(ctx, d.groupID, name)
		}, d.notify("create process group "+name))
		if err != nil {
			return fail("process group", err)
		}
		h.GroupID = groupID
		h.Name = name
		result.GroupID = groupID
		result.ParentGroupID = d.groupID
		logger.Infof("Building flow in process group %s (%s)", name, groupID)
	}

	for i, level := range levels {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(d.cfg.Workers)
		for _, id := range level {
			node, _ := g.Node(id)
			eg.Go(func() error {
				_, err := retryRemote(egCtx, d.cfg, func(ctx context.Context) (string, error) {
					return d.mat.CreateNode(ctx, node, h)
				}, d.notify("create processor "+id))
				if err != nil {
					return fmt.Errorf("processor %s: %w", id, err)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return fail(fmt.Sprintf("level %d", i), err)
		}
	}

	if t, ok := d.mat.(Terminator); ok {
		for _, id := range builder.Leaves() {
			a, found := h.Lookup(ArtifactNode, id)
			if !found {
				continue
			}
			_, err := retryRemote(ctx, d.cfg, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, t.SetAutoTerminateAll(ctx, a.RemoteID, h)
			}, d.notify("terminate "+id))
			if err != nil {
				return fail("terminate "+id, err)
			}
		}
	}

	for _, e := range g.Connections {
		_, err := retryRemote(ctx, d.cfg, func(ctx context.Context) (string, error) {
			return d.mat.CreateEdge(ctx, e, h)
		}, d.notify("create connection "+e.Key()))
		if err != nil {
			return fail("connection "+e.Key(), err)
		}
	}

	result.Created = h.Artifacts()
	result.Duration = time.Since(start)
	d.metrics.RecordDeployment("success", result.Duration)
	telemetry.EndSpan(span, nil)
	logger.Infof("Deployed %d artifacts in %s", len(result.Created), result.Duration.Round(time.Millisecond))
	return result, nil
}

func (d *Deployer) rollback(ctx context.Context, h *SandboxHandle, result *DeployResult, step string, cause error) error {
	result.Created = h.Artifacts()
	d.logger.WithError(cause).Errorf("Deployment failed at %s, rolling back %d artifacts", step, len(result.Created))

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.TeardownTimeout)
	defer cancel()

	derr := NewDeploymentError(fmt.Sprintf("deployment failed at %s", step), cause).
		WithOperation("deploy").
		WithResource(d.groupID)

	rbErr := retryStep(rctx, d.cfg, d.logger, "rollback", func(ctx context.Context) error {
		return d.mat.DeleteAll(ctx, h)
	})
	if gp, ok := d.mat.(GroupProvider); ok && rbErr == nil && result.ParentGroupID != "" {
		rbErr = retryStep(rctx, d.cfg, d.logger, "rollback", func(ctx context.Context) error {
			return gp.DeleteWorkspace(ctx, result.GroupID)
		})
	}
	if rbErr != nil {
		d.logger.WithError(rbErr).Error("Rollback failed, production group needs manual cleanup")
		return derr.WithCode(ErrCodeRollback).WithDetail("rollback_error", rbErr.Error())
	}
	result.RolledBack = true
	return derr
}

func (d *Deployer) notify(step string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		d.metrics.RecordTransientRetry("deploy")
		d.logger.WithError(err).Warnf("%s failed transiently, retrying in %s", step, wait)
	}
}
