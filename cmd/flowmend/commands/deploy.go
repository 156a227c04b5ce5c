package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/policy"
	"github.com/flowmend/flowmend/pkg/stores"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDeployCommand(version string) *cobra.Command {
	var (
		group    string
		policies []string
	)

	cmd := &cobra.Command{
		Use:   "deploy SESSION_ID",
		Short: "Replay a healed session onto production",
		Long: `Replay the healed graph of a stored ALL_VALID session onto the production
process group. Processors are created level by level, leaf relationships are
auto-terminated and connections are created last. Any failure deletes
everything the deploy created.

The target group is --group, else NIFI_PRODUCTION_GROUP, else the root group.
Deploy-time policies run before anything is created.`,
		Example: `  # Deploy a session to the configured production group
  flowmend deploy 3f1c2a9e-...

  # Deploy into a specific group with extra policies
  flowmend deploy 3f1c2a9e-... --group 0a1b... --policy ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			client, err := a.nifiClient()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			pol, err := a.policies(ctx, policies)
			if err != nil {
				return err
			}
			defer pol.Close()

			rep, err := store.GetReport(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load session %s: %w", args[0], err)
			}

			return a.deploy(ctx, client, store, pol, rep, group)
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "production process group id")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "policy file or directory (repeatable)")

	return cmd
}

// rootResolver is the part of the NiFi client deploy needs besides the
// materializer.
type rootResolver interface {
	engine.Materializer
	RootGroupID(ctx context.Context) (string, error)
}

// deploy gates, replays and records a session.
func (a *app) deploy(ctx context.Context, client rootResolver, store stores.Store, pol *policy.Engine, rep *engine.Report, group string) error {
	if rep.Graph != nil {
		denials, err := pol.Gate(policy.OperationDeploy).Evaluate(ctx, rep.Graph)
		if err != nil {
			return err
		}
		if len(denials) > 0 {
			serr := engine.NewStructuralError(denials).WithResource(rep.Flow).WithCode(engine.ErrCodePolicy)
			printViolations(a.out, serr)
			return &ExitError{Code: 2, Err: serr}
		}
	}

	if group == "" {
		group = a.settings.ProductionGroup
	}
	if group == "" {
		root, err := client.RootGroupID(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve root group: %w", err)
		}
		group = root
	}

	deployer := engine.NewDeployer(a.settings.Session(), client, group, a.tel.Logger, a.tel.Metrics, a.tel.Tracer)
	result, derr := deployer.Deploy(ctx, rep)
	if result == nil {
		// Rejected before anything was created.
		return derr
	}
	_ = a.tel.Events.PublishSession(telemetry.EventTypeDeploy, rep.SessionID,
		fmt.Sprintf("deployed %s to %s", rep.Flow, group),
		map[string]interface{}{"created": len(result.Created), "rolled_back": result.RolledBack, "failed": derr != nil})

	record := deploymentRecord(rep, result, derr)
	if err := store.SaveDeployment(ctx, record); err != nil {
		a.logger.WithError(err).Error("Failed to record deployment")
	}

	if jsonOutput {
		if err := printJSON(a.out, record); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(a.out, "Deployment %s: %s, %d artifacts in group %s (%s)\n",
			record.ID, record.Status, len(result.Created), group, formatDuration(result.Duration))
	}
	return derr
}

func deploymentRecord(rep *engine.Report, result *engine.DeployResult, derr error) *stores.Deployment {
	sessionID := rep.SessionID
	d := &stores.Deployment{
		ID:           uuid.NewString(),
		SessionID:    &sessionID,
		Flow:         result.Flow,
		GroupID:      result.GroupID,
		Status:       stores.DeploymentSucceeded,
		CreatedCount: len(result.Created),
		RolledBack:   result.RolledBack,
		Duration:     result.Duration,
		CreatedAt:    time.Now().UTC(),
	}
	if derr != nil {
		msg := derr.Error()
		d.Error = &msg
		d.Status = stores.DeploymentFailed
		if result.RolledBack {
			d.Status = stores.DeploymentRolledBack
		}
	}
	if data, err := json.Marshal(result); err == nil {
		blob := string(data)
		d.Result = &blob
	}
	return d
}
