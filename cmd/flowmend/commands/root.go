package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	envFile    string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// ExitError carries a process exit code distinct from 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowmend",
		Short: "Flowmend - NiFi plan validation and self-healing",
		Long: `Flowmend validates a NiFi flow plan by materializing it inside a
disposable sandbox process group, repairs every processor NiFi rejects with
the help of a repair oracle, and replays the healed plan onto production.

Features:
  - Offline structural, CUE schema and OPA policy checks
  - Parallel materialization in dependency order
  - Oracle repair loop with Starlark rules and Gemini
  - Guaranteed sandbox teardown
  - Production deploy with rollback
  - SQLite session history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with settings")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "session database path (overrides FLOWMEND_DB_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newHealCommand(version))
	rootCmd.AddCommand(newDeployCommand(version))
	rootCmd.AddCommand(newReportCommand(version))
	rootCmd.AddCommand(newServicesCommand(version))
	rootCmd.AddCommand(newTypesCommand(version))
	rootCmd.AddCommand(newPingCommand(version))

	return rootCmd
}
