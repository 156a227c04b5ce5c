package commands

import (
	"fmt"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/stores"
	"github.com/spf13/cobra"
)

func newReportCommand(version string) *cobra.Command {
	var (
		flow     string
		outcome  string
		since    time.Duration
		limit    int
		attempts bool
		node     string
		asYAML   bool
	)

	cmd := &cobra.Command{
		Use:   "report [SESSION_ID]",
		Short: "List stored sessions or show one",
		Long: `Without an argument, list stored healing sessions, newest first.
With a session id, show the node table of that session. --attempts adds the
attempt log and --node limits the log to one processor or connection.`,
		Example: `  # Recent sessions of one flow
  flowmend report --flow ingest-orders --since 24h

  # Full report as YAML
  flowmend report 3f1c2a9e-... --yaml

  # Attempt log of one processor
  flowmend report 3f1c2a9e-... --node proc-3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				filter := stores.SessionFilter{Flow: flow, Outcome: engine.Outcome(outcome), Limit: limit}
				if since > 0 {
					filter.Since = time.Now().Add(-since)
				}
				sessions, err := store.ListSessions(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(a.out, sessions)
				}
				tw := newTable(a.out, "SESSION", "FLOW", "OUTCOME", "STARTED", "DURATION", "FAILED", "HEALS", "TEARDOWN")
				for _, s := range sessions {
					teardown := "ok"
					if !s.TeardownOK {
						teardown = "FAILED"
					}
					row(tw, s.ID, s.Flow, s.Outcome, s.StartedAt.Local().Format(time.DateTime),
						formatDuration(s.Duration), fmt.Sprintf("%d/%d", s.NodesFailed, s.NodesTotal), s.Heals, teardown)
				}
				return tw.Render()
			}

			if node != "" {
				records, err := store.ListAttempts(ctx, args[0], node)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(a.out, records)
				}
				tw := newTable(a.out, "SEQ", "TRY", "ACTION", "OUTCOME", "ELAPSED", "DETAIL")
				for _, r := range records {
					detail := ""
					if r.Detail != nil {
						detail = *r.Detail
					}
					if r.Error != nil {
						detail = *r.Error
					}
					row(tw, r.Seq, r.Try, r.Action, r.Outcome, formatDuration(r.Elapsed), detail)
				}
				return tw.Render()
			}

			rep, err := store.GetReport(ctx, args[0])
			if err != nil {
				return err
			}
			switch {
			case jsonOutput:
				return printJSON(a.out, rep)
			case asYAML:
				return printYAML(a.out, rep)
			}
			printReport(a.out, rep, attempts)
			return nil
		},
	}

	cmd.Flags().StringVar(&flow, "flow", "", "only sessions of this flow")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only sessions with this outcome (ALL_VALID, PARTIAL_FAILURE, ABORTED)")
	cmd.Flags().DurationVar(&since, "since", 0, "only sessions started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list (0 for all)")
	cmd.Flags().BoolVar(&attempts, "attempts", false, "include the attempt log")
	cmd.Flags().StringVar(&node, "node", "", "show the attempt log of one node or connection")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the full report as YAML")

	cmd.AddCommand(newReportDeploymentsCommand(version))
	cmd.AddCommand(newReportPruneCommand(version))
	cmd.AddCommand(newReportDeleteCommand(version))

	return cmd
}

func newReportDeploymentsCommand(version string) *cobra.Command {
	var (
		flow  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "List recorded deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			deployments, err := store.ListDeployments(ctx, flow, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(a.out, deployments)
			}
			tw := newTable(a.out, "DEPLOYMENT", "FLOW", "GROUP", "STATUS", "CREATED", "SESSION", "AT")
			for _, d := range deployments {
				session := "-"
				if d.SessionID != nil {
					session = *d.SessionID
				}
				row(tw, d.ID, d.Flow, d.GroupID, d.Status, d.CreatedCount, session, d.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Render()
		},
	}

	cmd.Flags().StringVar(&flow, "flow", "", "only deployments of this flow")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of deployments (0 for all)")

	return cmd
}

func newReportPruneCommand(version string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions older than a duration",
		Long: `Delete stored sessions started before now minus --older-than, with their
node results and attempt logs. Deployment records are kept.`,
		Example: `  # Keep thirty days of history
  flowmend report prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			ctx := cmd.Context()
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneSessions(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Pruned %d sessions\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest session kept")

	return cmd
}

func newReportDeleteCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete SESSION_ID",
		Short: "Delete one stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted session %s\n", args[0])
			return nil
		},
	}
}
