package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// DefaultSandboxPrefix is the name prefix reserved for sandbox process groups.
const DefaultSandboxPrefix = "VALIDATION-"

// Engine evaluates Rego policies over plan graphs.
type Engine struct {
	mu            sync.RWMutex
	policies      map[string]*compiledPolicy
	environment   string
	sandboxPrefix string
	store         storage.Store
	logger        *telemetry.Logger
	loader        *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	builtin  bool
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnvironment sets input.context.environment.
func WithEnvironment(env string) Option {
	return func(e *Engine) { e.environment = env }
}

// WithSandboxPrefix sets data.flowmend.sandbox_prefix.
func WithSandboxPrefix(prefix string) Option {
	return func(e *Engine) { e.sandboxPrefix = prefix }
}

// WithoutBuiltins starts the engine with no policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.policies = nil }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger *telemetry.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	e := &Engine{
		policies:      make(map[string]*compiledPolicy),
		sandboxPrefix: DefaultSandboxPrefix,
		logger:        logger.NewComponentLogger("policy-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)
	e.store = inmem.NewFromObject(map[string]interface{}{
		"flowmend": map[string]interface{}{
			"sandbox_prefix": e.sandboxPrefix,
			"environment":    e.environment,
		},
	})

	if e.policies == nil {
		e.policies = make(map[string]*compiledPolicy)
		return e, nil
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		cp.builtin = true
		e.policies[p.Name] = cp
	}
	e.logger.Debugf("Loaded %d built-in policies", len(e.policies))
	return e, nil
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil || module.Package == nil {
		return nil, fmt.Errorf("policy %s has no package", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// AddPolicy compiles a policy and adds it, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = cp
	return nil
}

// LoadPolicies loads policy files and directories and adds their policies.
// Nothing is added when any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.logger.Infof("Loaded %d policies", len(compiled))
	return nil
}

// SetPolicies replaces every loaded policy with the given set. Built-in
// policies stay. The previous set is kept when any policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	return nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	out := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// Watch reloads the policies under paths whenever a file changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}

// Close stops watching.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// EvaluatePlan evaluates every enabled policy against a plan, in policy
// name order.
func (e *Engine) EvaluatePlan(ctx context.Context, g *engine.PlanGraph, operation string) (*Result, error) {
	start := time.Now()
	input, err := e.input(g, operation)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	res := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(policies))}
	for _, cp := range policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, cp.policy.Name)

		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.WithField("policy", cp.policy.Name).WithError(err).Warn("Policy evaluation failed")
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", cp.policy.Name, err))
			res.Allowed = false
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				res.Violations = append(res.Violations, v)
				res.Allowed = false
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}
	res.Duration = time.Since(start)

	e.logger.WithField("operation", operation).Debugf("Evaluated %d policies: %d violations, %d warnings in %v",
		len(policies), len(res.Violations), len(res.Warnings), res.Duration)
	return res, nil
}

// Evaluate returns the blocking violations for validation. Warnings are
// logged. A policy that fails to evaluate fails the call.
func (e *Engine) Evaluate(ctx context.Context, g *engine.PlanGraph) ([]string, error) {
	return e.Gate(OperationValidate).Evaluate(ctx, g)
}

// Gate returns a plan gate evaluating policies for the given operation.
func (e *Engine) Gate(operation string) *Gate {
	return &Gate{engine: e, operation: operation}
}

// Gate adapts an Engine to a single operation.
type Gate struct {
	engine    *Engine
	operation string
}

// Evaluate returns the blocking violations as denial messages.
func (g *Gate) Evaluate(ctx context.Context, plan *engine.PlanGraph) ([]string, error) {
	res, err := g.engine.EvaluatePlan(ctx, plan, g.operation)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("%d policies failed: %v", len(res.Errors), res.Errors)
	}
	for _, w := range res.Warnings {
		g.engine.logger.WithField("policy", w.Policy).Warn(w.String())
	}
	denials := make([]string, len(res.Violations))
	for i, v := range res.Violations {
		denials[i] = v.String()
	}
	return denials, nil
}

// input builds the evaluation input. The plan goes through JSON so policies
// see the plan document shape.
func (e *Engine) input(g *engine.PlanGraph, operation string) (interface{}, error) {
	data, err := json.Marshal(Input{
		Plan: g,
		Context: &Context{
			Operation:   operation,
			Environment: e.environment,
			Timestamp:   time.Now().UTC(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return input, nil
}

// evaluatePolicy evaluates a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Resource != violations[j].Resource {
			return violations[i].Resource < violations[j].Resource
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from a deny element.
func createViolation(p Policy, result interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithField("policy", name).Infof("Policy enabled=%t", enabled)
	return nil
}
