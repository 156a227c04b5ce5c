package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/flowmend/flowmend/pkg/config"
	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var (
		dotFile string
		session string
	)

	cmd := &cobra.Command{
		Use:   "graph [PLAN]",
		Short: "Show the replay order of a plan",
		Long: `Show the order in which processors are created: one line per level,
every processor after the processors feeding it. Cycles are broken at the
first remaining processor in plan order.

With --session the healed graph of a stored session is used instead of a plan
file, and the DOT output is coloured by node state.`,
		Example: `  # Print the levels of a plan
  flowmend graph plan.json

  # Render a stored session with Graphviz
  flowmend graph --session 3f1c... --dot session.dot
  dot -Tsvg session.dot > session.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if (len(args) == 0) == (session == "") {
				return fmt.Errorf("pass either a plan file or --session")
			}

			var (
				g      *engine.PlanGraph
				states map[string]engine.NodeState
			)
			if session != "" {
				a, err := newApp(cmd, "")
				if err != nil {
					return err
				}
				defer a.close(ctx)
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()

				rep, err := store.GetReport(ctx, session)
				if err != nil {
					return err
				}
				if rep.Graph == nil {
					return fmt.Errorf("session %s carries no graph", session)
				}
				g = rep.Graph
				states = make(map[string]engine.NodeState, len(rep.Nodes))
				for _, n := range rep.Nodes {
					states[n.ID] = n.State
				}
			} else {
				loaded, err := config.LoadFile(args[0])
				if err != nil {
					if printViolations(cmd.OutOrStdout(), err) {
						return &ExitError{Code: 2, Err: errInvalidPlan}
					}
					return err
				}
				g = loaded
			}

			b := engine.NewDAGBuilder(g)
			levels, err := b.Build()
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(b.ToDOT(states)), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", dotFile, err)
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"flow":         g.Name,
					"levels":       levels,
					"cycle_breaks": b.CycleBreaks(),
					"leaves":       b.Leaves(),
				})
			}
			for i, level := range levels {
				fmt.Fprintf(out, "%d: %s\n", i, strings.Join(level, ", "))
			}
			if breaks := b.CycleBreaks(); len(breaks) > 0 {
				fmt.Fprintf(out, "cycle breaks: %s\n", strings.Join(breaks, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write a Graphviz DOT file")
	cmd.Flags().StringVar(&session, "session", "", "use the healed graph of a stored session")

	return cmd
}
