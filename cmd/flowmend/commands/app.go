package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flowmend/flowmend/pkg/config"
	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/oracle"
	"github.com/flowmend/flowmend/pkg/policy"
	"github.com/flowmend/flowmend/pkg/stores"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/flowmend/flowmend/pkg/transports/nifi"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// app carries what every command builds from the settings.
type app struct {
	version  string
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	out      io.Writer
}

// newApp loads the settings, applies global flags and overrides, and starts
// telemetry.
func newApp(cmd *cobra.Command, version string, overrides ...func(*config.Settings)) (*app, error) {
	settings, err := config.LoadSettings(envFile)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		settings.DBPath = dbPath
	}
	if verbose {
		settings.LogLevel = "debug"
	}
	for _, o := range overrides {
		o(settings)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	return &app{
		version:  version,
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("cli"),
		out:      cmd.OutOrStdout(),
	}, nil
}

// close flushes telemetry. It runs after cancellation too.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Telemetry shutdown failed")
	}
}

func (a *app) nifiClient() (*nifi.Client, error) {
	if err := a.settings.RequireRemote(); err != nil {
		return nil, err
	}
	cfg := nifi.DefaultConfig(a.settings.NiFiBaseURL)
	cfg.Token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(a.settings.NiFiAuth), "Bearer "))
	cfg.VerifySSL = a.settings.NiFiVerifySSL
	cfg.SandboxParent = a.settings.SandboxParent
	cfg.RequestTimeout = a.settings.RemoteTimeout
	cfg.RequestsPerSecond = a.settings.RemoteRPS
	cfg.UserAgent = "flowmend/" + a.version
	return nifi.NewClient(cfg, nifi.WithLogger(a.tel.Logger), nifi.WithMetrics(a.tel.Metrics))
}

func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, a.settings.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

// policies builds the policy engine with the builtin policies plus paths.
func (a *app) policies(ctx context.Context, paths []string) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.tel.Logger, policy.WithSandboxPrefix(nifi.SandboxNamePrefix))
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}
	return eng, nil
}

// validator assembles the offline validator. lister may be nil.
func (a *app) validator(schemas string, plan config.PlanPolicy, lister engine.ServiceLister) (*config.Validator, error) {
	registry := config.NewSchemaRegistry()
	if schemas != "" {
		if err := registry.LoadTypeSchemas(schemas); err != nil {
			return nil, err
		}
	}
	opts := []config.ValidatorOption{
		config.WithSchemaRegistry(registry),
		config.WithValidatorLogger(a.tel.Logger),
	}
	if plan != nil {
		opts = append(opts, config.WithPolicy(plan))
	}
	if lister != nil {
		opts = append(opts, config.WithServiceLister(lister))
	}
	return config.NewValidator(opts...), nil
}

// oracle chains the Starlark rules, if any, in front of the rate-limited
// Gemini oracle, if configured.
func (a *app) oracle(ctx context.Context, rulesPath string) (engine.Oracle, error) {
	var chain oracle.Chain
	if rulesPath != "" {
		rules, err := oracle.LoadRules(rulesPath, oracle.DefaultRuleTimeout, a.tel.Logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rules)
	}
	if a.settings.GeminiAPIKey != "" {
		gemini, err := oracle.NewGemini(ctx, oracle.GeminiConfig{
			APIKey: a.settings.GeminiAPIKey,
			Model:  a.settings.LLMModel,
		}, a.tel.Logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, oracle.NewLimited(gemini, a.settings.OracleRPM))
	}
	if len(chain) == 0 {
		a.logger.Warn("No oracle configured, rejected processors will not be repaired")
	}
	return chain, nil
}
