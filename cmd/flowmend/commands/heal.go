package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowmend/flowmend/pkg/config"
	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/policy"
	"github.com/flowmend/flowmend/pkg/stores"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/flowmend/flowmend/pkg/transports/nifi"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// planReloadDelay debounces editor save bursts in --watch mode.
const planReloadDelay = 500 * time.Millisecond

type healOptions struct {
	out         string
	format      string
	rules       string
	schemas     string
	policies    []string
	metricsAddr string
	group       string
	watch       bool
	deploy      bool
	attempts    bool
	events      bool
}

func newHealCommand(version string) *cobra.Command {
	var opts healOptions

	cmd := &cobra.Command{
		Use:   "heal PLAN",
		Short: "Validate a plan in a NiFi sandbox and repair what NiFi rejects",
		Long: `Materialize a plan inside a disposable sandbox process group. Processors are
created in parallel, each one after the processors feeding it. When NiFi
rejects a processor the oracle proposes a patch and the processor is retried,
up to MAX_VALIDATION_FIX_RETRIES times. The sandbox is always deleted.

The oracle chain is the Starlark rules from --rules, then Gemini when
GEMINI_API_KEY is set. Every session is stored in the session database.

Exit codes:
  0  every processor and connection was created
  2  the plan is invalid or some processors could not be healed
  3  the sandbox could not be torn down`,
		Example: `  # Heal a plan and write the healed version
  flowmend heal plan.json --out healed.json

  # Use local repair rules before the LLM and show progress
  flowmend heal plan.yaml --rules rules.star --events

  # Re-run on every save, serving Prometheus metrics
  flowmend heal plan.json --watch --metrics-addr :9464

  # Heal and deploy in one go
  flowmend heal plan.json --deploy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, version, func(s *config.Settings) {
				if opts.metricsAddr != "" {
					s.MetricsAddr = opts.metricsAddr
				}
			})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			r, err := newHealRun(ctx, a, opts)
			if err != nil {
				return err
			}
			defer r.close()

			if opts.events {
				r.followEvents(cmd.ErrOrStderr())
			}

			metricsCtx, stopMetrics := context.WithCancel(ctx)
			defer stopMetrics()
			go func() {
				if err := a.tel.Metrics.Serve(metricsCtx, a.logger); err != nil {
					a.logger.WithError(err).Error("Metrics server failed")
				}
			}()

			if !opts.watch {
				return r.once(ctx, args[0])
			}

			if len(opts.policies) > 0 {
				if err := r.pol.Watch(ctx, opts.policies); err != nil {
					return err
				}
			}
			return watchPlan(ctx, args[0], a.logger, func() {
				if err := r.once(ctx, args[0]); err != nil {
					a.logger.WithError(err).Warn("Healing run failed, waiting for the next change")
				}
			})
		},
	}

	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the healed plan to this file")
	cmd.Flags().StringVar(&opts.format, "format", "", "healed plan format: json or yaml (default from --out extension)")
	cmd.Flags().StringVar(&opts.rules, "rules", "", "Starlark repair rules consulted before the LLM")
	cmd.Flags().StringVar(&opts.schemas, "schemas", "", "CUE file with per-type processor schemas")
	cmd.Flags().StringSliceVar(&opts.policies, "policy", nil, "policy file or directory (repeatable)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "re-run whenever the plan file changes")
	cmd.Flags().BoolVar(&opts.deploy, "deploy", false, "deploy the healed plan when every node is valid")
	cmd.Flags().StringVar(&opts.group, "group", "", "production process group id for --deploy")
	cmd.Flags().BoolVar(&opts.attempts, "attempts", false, "print the attempt log")
	cmd.Flags().BoolVar(&opts.events, "events", false, "print session events to stderr as they happen")

	return cmd
}

// healRun holds the wiring shared by every run of one heal invocation.
type healRun struct {
	a      *app
	opts   healOptions
	client *nifi.Client
	store  *stores.SQLiteStore
	pol    *policy.Engine
	healer *engine.Healer
}

func newHealRun(ctx context.Context, a *app, opts healOptions) (*healRun, error) {
	if opts.format != "" {
		if _, err := config.ParseFormat(opts.format); err != nil {
			return nil, err
		}
	}

	client, err := a.nifiClient()
	if err != nil {
		return nil, err
	}
	or, err := a.oracle(ctx, opts.rules)
	if err != nil {
		return nil, err
	}
	pol, err := a.policies(ctx, opts.policies)
	if err != nil {
		return nil, err
	}
	v, err := a.validator(opts.schemas, pol, client)
	if err != nil {
		_ = pol.Close()
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		_ = pol.Close()
		return nil, err
	}

	cfg := a.settings.Session()
	sandbox := engine.NewSandboxManager(client, client, cfg, a.tel.Logger, a.tel.Metrics)
	healer := engine.NewHealer(cfg, sandbox, client, or,
		engine.WithValidator(v),
		engine.WithReportSink(store),
		engine.WithLogger(a.tel.Logger),
		engine.WithMetrics(a.tel.Metrics),
		engine.WithTracer(a.tel.Tracer),
		engine.WithEvents(a.tel.Events),
	)

	return &healRun{a: a, opts: opts, client: client, store: store, pol: pol, healer: healer}, nil
}

func (r *healRun) close() {
	_ = r.pol.Close()
	_ = r.store.Close()
}

// followEvents prints session events as one line each.
func (r *healRun) followEvents(w io.Writer) {
	var mu sync.Mutex
	r.a.tel.Events.Subscribe(func(ev telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s %-20s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Type, ev.Message)
	}, nil)
}

// once runs one healing session for the plan at path.
func (r *healRun) once(ctx context.Context, path string) error {
	out := r.a.out

	g, err := config.LoadFile(path)
	if err != nil {
		if printViolations(out, err) {
			return &ExitError{Code: 2, Err: errInvalidPlan}
		}
		return err
	}

	rep, err := r.healer.Run(ctx, g)
	if rep == nil {
		if printViolations(out, err) {
			return &ExitError{Code: 2, Err: errInvalidPlan}
		}
		return err
	}

	if jsonOutput {
		if perr := printJSON(out, rep); perr != nil {
			return perr
		}
	} else {
		printReport(out, rep, r.opts.attempts)
	}
	if err != nil {
		return err
	}

	if r.opts.out != "" && rep.Graph != nil {
		if err := r.writeHealed(rep.Graph); err != nil {
			return err
		}
	}

	if rep.Teardown.Attempted && !rep.Teardown.Succeeded {
		return &ExitError{Code: 3, Err: fmt.Errorf("sandbox teardown failed: %s", rep.Teardown.Error)}
	}
	if rep.Outcome != engine.OutcomeAllValid {
		return &ExitError{Code: 2, Err: fmt.Errorf("session %s ended %s", rep.SessionID, rep.Outcome)}
	}

	if r.opts.deploy {
		return r.a.deploy(ctx, r.client, r.store, r.pol, rep, r.opts.group)
	}
	return nil
}

func (r *healRun) writeHealed(g *engine.PlanGraph) error {
	format := config.FormatFromPath(r.opts.out)
	if r.opts.format != "" {
		f, err := config.ParseFormat(r.opts.format)
		if err != nil {
			return err
		}
		format = f
	}
	data, err := config.Serialize(g, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.opts.out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write healed plan: %w", err)
	}
	r.a.logger.WithField("path", r.opts.out).Info("Wrote healed plan")
	return nil
}

// watchPlan calls run once, then again after every change to path, until
// ctx is done. Runs never overlap.
func watchPlan(ctx context.Context, path string, logger *telemetry.Logger, run func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	// Editors replace files, so the parent directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	trigger := make(chan struct{}, 1)
	fire := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	fire()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-trigger:
			run()
			logger.Infof("Watching %s for changes", path)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(event.Name)
			if name != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(planReloadDelay, fire)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				fire()
				continue
			}
			logger.WithError(err).Warn("Plan watcher error")
		}
	}
}
