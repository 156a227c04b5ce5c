package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newServicesCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the controller services visible to plans",
		Long: `List the controller services of the NiFi root process group. Plans
reference these by id; validate --remote and heal check the references.`,
		Args: cobra.NoArgs,
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

			services, err := client.ControllerServices(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(a.out, services)
			}
			tw := newTable(a.out, "ID", "NAME", "TYPE", "STATE")
			for _, s := range services {
				row(tw, s.ID, s.Name, shortType(s.Type), s.State)
			}
			return tw.Render()
		},
	}
}

func newTypesCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "types [FILTER]",
		Short: "List the processor types NiFi offers",
		Long: `List the processor catalog of the NiFi instance. FILTER keeps the types
whose name contains it, case-insensitively.`,
		Example: `  flowmend types http`,
		Args:    cobra.MaximumNArgs(1),
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

			types, err := client.ListProcessorTypes(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				filter := strings.ToLower(args[0])
				kept := types[:0:0]
				for _, t := range types {
					if strings.Contains(strings.ToLower(t.Type), filter) {
						kept = append(kept, t)
					}
				}
				types = kept
			}
			if jsonOutput {
				return printJSON(a.out, types)
			}
			tw := newTable(a.out, "TYPE", "BUNDLE", "VERSION")
			for _, t := range types {
				row(tw, t.Type, t.Bundle.Group+":"+t.Bundle.Artifact, t.Bundle.Version)
			}
			return tw.Render()
		},
	}
}

func newPingCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the NiFi connection and the session database",
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
			if err := store.HealthCheck(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "database: %s ok\n", a.settings.DBPath)

			client, err := a.nifiClient()
			if err != nil {
				return err
			}
			nifiVersion, err := client.About(ctx)
			if err != nil {
				return err
			}
			root, err := client.RootGroupID(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "nifi: %s version %s, root group %s\n", a.settings.NiFiBaseURL, nifiVersion, root)
			return nil
		},
	}
}
