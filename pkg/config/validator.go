package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/go-playground/validator/v10"
)

// PlaceholderNewService is the value planners write when they want a
// controller service that does not exist yet. It can never be materialized.
const PlaceholderNewService = "CREATE_NEW_CS"

// PlanPolicy evaluates organisational rules over a plan and returns the
// denial messages.
type PlanPolicy interface {
	Evaluate(ctx context.Context, g *engine.PlanGraph) ([]string, error)
}

// Validator runs every local check on a plan graph before any remote call.
type Validator struct {
	registry *SchemaRegistry
	validate *validator.Validate
	services engine.ServiceLister
	policy   PlanPolicy
	logger   *telemetry.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithSchemaRegistry replaces the default schema registry, e.g. one with
// type schemas loaded.
func WithSchemaRegistry(sr *SchemaRegistry) ValidatorOption {
	return func(v *Validator) { v.registry = sr }
}

// WithServiceLister checks declared controller services against the remote system.
func WithServiceLister(l engine.ServiceLister) ValidatorOption {
	return func(v *Validator) { v.services = l }
}

// WithPolicy adds a policy gate. Denials are reported as violations.
func WithPolicy(p PlanPolicy) ValidatorOption {
	return func(v *Validator) { v.policy = p }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l *telemetry.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   telemetry.NopLogger(),
	}
	v.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	for _, opt := range opts {
		opt(v)
	}
	if v.registry == nil {
		v.registry = NewSchemaRegistry()
	}
	v.logger = v.logger.NewComponentLogger("validator")
	return v
}

// Registry returns the schema registry in use.
func (v *Validator) Registry() *SchemaRegistry {
	return v.registry
}

// Validate returns nil or a StructuralError listing every violation. Policy
// denials set the POLICY_DENIED code. Only a failing remote service lookup
// returns a different error.
func (v *Validator) Validate(ctx context.Context, g *engine.PlanGraph) error {
	if g == nil {
		return engine.NewStructuralError([]string{"plan graph is nil"})
	}

	var out violations
	out = append(out, v.structural(g)...)
	out = append(out, v.fields(g)...)

	cueViolations, err := v.registry.ValidatePlan(g)
	if err != nil {
		return err
	}
	out = append(out, cueViolations...)
	out = append(out, v.registry.ValidateTypes(g)...)

	if v.services != nil && len(g.Services) > 0 {
		missing, err := v.remoteServices(ctx, g)
		if err != nil {
			return err
		}
		out = append(out, missing...)
	}

	var denied bool
	if v.policy != nil {
		denials, err := v.policy.Evaluate(ctx, g)
		if err != nil {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
		for _, d := range denials {
			out.add("policy", "%s", d)
		}
		denied = len(denials) > 0
	}

	out = dedupe(out)
	if len(out) == 0 {
		v.logger.Debugf("Plan %q passed %d checks", g.Name, len(g.Processors)+len(g.Connections))
		return nil
	}

	v.logger.Infof("Plan %q has %d violations", g.Name, len(out))
	serr := engine.NewStructuralError(out).WithResource(g.Name)
	if denied {
		serr = serr.WithCode(engine.ErrCodePolicy)
	}
	return serr
}

func (v *Validator) structural(g *engine.PlanGraph) violations {
	var out violations
	if err := g.Check(); err != nil {
		if ee := engine.AsEngineError(err); ee != nil {
			out = append(out, ee.Violations...)
		}
	}

	declared := make(map[string]bool, len(g.Services))
	for i, s := range g.Services {
		if s.ID == "" {
			continue
		}
		if declared[s.ID] {
			out.add(fmt.Sprintf("controller_services[%d].id", i), "duplicate service id %q", s.ID)
		}
		declared[s.ID] = true
	}

	for i, n := range g.Processors {
		if n == nil {
			continue
		}
		path := fmt.Sprintf("processors[%d]", i)
		for _, p := range n.Properties {
			if strings.Contains(p.Value, PlaceholderNewService) {
				out.add(path+".properties."+p.Key,
					"placeholder %s cannot be materialized, reference an existing controller service", PlaceholderNewService)
			}
		}
		for _, ref := range n.ServiceRefs {
			if !declared[ref.Value] {
				out.add(path+".service_refs."+ref.Key, "service %q is not declared in controller_services", ref.Value)
			}
			if _, clash := n.Properties.Get(ref.Key); clash {
				out.add(path+".service_refs."+ref.Key, "property is also set directly")
			}
		}
	}

	for i, e := range g.Connections {
		if e != nil && len(e.Relationships) == 0 {
			out.add(fmt.Sprintf("connections[%d].relationships", i), "must name at least one relationship")
		}
	}
	return out
}

func (v *Validator) fields(g *engine.PlanGraph) violations {
	err := v.validate.Struct(g)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return violations{err.Error()}
	}

	var out violations
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		switch fe.Tag() {
		case "required":
			out.add(path, "missing required field")
		case "min":
			out.add(path, "must have at least %s entries", fe.Param())
		default:
			out.add(path, "failed %s check", fe.Tag())
		}
	}
	return out
}

func (v *Validator) remoteServices(ctx context.Context, g *engine.PlanGraph) (violations, error) {
	remote, err := v.services.ListControllerServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote controller services: %w", err)
	}
	exists := make(map[string]bool, len(remote))
	for _, s := range remote {
		exists[s.ID] = true
	}

	var out violations
	for i, s := range g.Services {
		if s.ID != "" && !exists[s.ID] {
			out.add(fmt.Sprintf("controller_services[%d].id", i), "service %q does not exist on the remote system", s.ID)
		}
	}
	return out, nil
}

func dedupe(in violations) violations {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
