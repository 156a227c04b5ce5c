package commands

import (
	"errors"
	"fmt"

	"github.com/flowmend/flowmend/pkg/config"
	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/spf13/cobra"
)

// errInvalidPlan marks a plan rejected before any remote call.
var errInvalidPlan = errors.New("plan is invalid")

func newValidateCommand(version string) *cobra.Command {
	var (
		schemas  string
		policies []string
		remote   bool
	)

	cmd := &cobra.Command{
		Use:   "validate PLAN",
		Short: "Validate a plan offline",
		Long: `Validate a plan document without creating anything in NiFi.

This command checks:
  - Document shape (JSON or YAML, enveloped or bare)
  - Graph structure (unique ids, edge endpoints, relationships, cycles)
  - CUE schemas for the plan and, with --schemas, per processor type
  - OPA policies (builtin plus --policy files)
  - With --remote, that referenced controller services exist`,
		Example: `  # Validate a plan
  flowmend validate plan.json

  # Add per-type schemas and team policies
  flowmend validate plan.yaml --schemas types.cue --policy ./policies

  # Also check controller service references against NiFi
  flowmend validate plan.json --remote`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			g, err := config.LoadFile(args[0])
			if err != nil {
				if printViolations(a.out, err) {
					return &ExitError{Code: 2, Err: errInvalidPlan}
				}
				return err
			}

			pol, err := a.policies(ctx, policies)
			if err != nil {
				return err
			}
			defer pol.Close()

			var lister engine.ServiceLister
			if remote {
				client, err := a.nifiClient()
				if err != nil {
					return err
				}
				lister = client
			}

			v, err := a.validator(schemas, pol, lister)
			if err != nil {
				return err
			}

			err = v.Validate(ctx, g)
			if jsonOutput {
				return printValidation(cmd, g, err)
			}
			if err != nil {
				if printViolations(a.out, err) {
					return &ExitError{Code: 2, Err: errInvalidPlan}
				}
				return err
			}

			fmt.Fprintf(a.out, "Plan %q is valid: %d processors, %d connections\n",
				g.Name, len(g.Processors), len(g.Connections))
			return nil
		},
	}

	cmd.Flags().StringVar(&schemas, "schemas", "", "CUE file with per-type processor schemas")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "policy file or directory (repeatable)")
	cmd.Flags().BoolVar(&remote, "remote", false, "check controller service references against NiFi")

	return cmd
}

type validationResult struct {
	Flow       string   `json:"flow"`
	Valid      bool     `json:"valid"`
	Code       string   `json:"code,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

func printValidation(cmd *cobra.Command, g *engine.PlanGraph, err error) error {
	res := validationResult{Flow: g.Name, Valid: err == nil}
	if err != nil {
		ee := engine.AsEngineError(err)
		if ee == nil || len(ee.Violations) == 0 {
			return err
		}
		res.Code = ee.Code
		res.Violations = ee.Violations
	}
	if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
		return perr
	}
	if !res.Valid {
		return &ExitError{Code: 2, Err: errInvalidPlan}
	}
	return nil
}
