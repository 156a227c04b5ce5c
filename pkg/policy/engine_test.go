package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/flowmend/flowmend/pkg/config"
	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ config.PlanPolicy = (*Engine)(nil)
var _ config.PlanPolicy = (*Gate)(nil)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(nil, opts...)
	require.NoError(t, err)
	return eng
}

func processor(id, name string, props ...string) *engine.ProcessorNode {
	n := &engine.ProcessorNode{ID: id, Name: name, Type: "UpdateAttribute"}
	for i := 0; i+1 < len(props); i += 2 {
		n.Properties.Set(props[i], props[i+1])
	}
	return n
}

func plan(nodes ...*engine.ProcessorNode) *engine.PlanGraph {
	return &engine.PlanGraph{Name: "orders", Processors: nodes}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
		assert.True(t, p.Enabled)
		assert.Equal(t, "builtin", p.Metadata["source"])
	}
	assert.Equal(t, []string{"deployment", "plan-limits", "processor-naming", "sensitive-properties"}, names)

	assert.Empty(t, newTestEngine(t, WithoutBuiltins()).ListPolicies())
}

func TestEvaluatePlan_Clean(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.EvaluatePlan(context.Background(), plan(processor("a", "Tag orders", "env", "prod")), OperationValidate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Warnings)
	assert.Len(t, res.EvaluatedPolicies, 4)
}

func TestEvaluatePlan_Naming(t *testing.T) {
	eng := newTestEngine(t)

	res, err := eng.EvaluatePlan(context.Background(), plan(
		processor("a", "VALIDATION-mine"),
		processor("b", "Tag"),
		processor("c", "Tag"),
	), OperationValidate)
	require.NoError(t, err)

	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "processor-naming", res.Violations[0].Policy)
	assert.Equal(t, "a", res.Violations[0].Resource)
	assert.Contains(t, res.Violations[0].Message, "reserved sandbox prefix VALIDATION-")

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, SeverityWarning, res.Warnings[0].Severity)
	assert.Equal(t, "c", res.Warnings[0].Resource)
}

func TestEvaluatePlan_SandboxPrefixFromData(t *testing.T) {
	eng := newTestEngine(t, WithSandboxPrefix("SBX-"))

	res, err := eng.EvaluatePlan(context.Background(), plan(processor("a", "VALIDATION-ok"), processor("b", "SBX-mine")), OperationValidate)
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "b", res.Violations[0].Resource)
}

func TestEvaluatePlan_SensitiveProperties(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		key     string
		value   string
		blocked bool
	}{
		{"literal password", "Password", "hunter2", true},
		{"literal api key", "API Key", "abc", true},
		{"parameter reference", "Password", "#{db.password}", false},
		{"expression", "Access Token", "${token}", false},
		{"empty", "Secret", "", false},
		{"not sensitive", "Batch Size", "10", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.EvaluatePlan(context.Background(), plan(processor("a", "Fetch", tt.key, tt.value)), OperationValidate)
			require.NoError(t, err)
			assert.Equal(t, !tt.blocked, res.Allowed)
			if tt.blocked {
				require.Len(t, res.Violations, 1)
				assert.Equal(t, "sensitive-properties", res.Violations[0].Policy)
				assert.Contains(t, res.Violations[0].Message, tt.key)
			}
		})
	}
}

func TestEvaluatePlan_Limits(t *testing.T) {
	eng := newTestEngine(t)

	busy := processor("a", "Busy")
	busy.Scheduling = &engine.Scheduling{Strategy: "TIMER_DRIVEN", Period: "1 sec", ConcurrentTasks: 32}
	res, err := eng.EvaluatePlan(context.Background(), plan(busy), OperationValidate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "plan-limits", res.Warnings[0].Policy)

	var nodes []*engine.ProcessorNode
	for i := 0; i < 501; i++ {
		nodes = append(nodes, processor(fmt.Sprintf("p%d", i), fmt.Sprintf("Step %d", i)))
	}
	res, err = eng.EvaluatePlan(context.Background(), plan(nodes...), OperationValidate)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Violations[0].Message, "501 processors")
}

func TestEvaluatePlan_DeployOnly(t *testing.T) {
	eng := newTestEngine(t)

	spin := processor("a", "Spin")
	spin.Scheduling = &engine.Scheduling{Strategy: "TIMER_DRIVEN", Period: "0 sec"}
	g := plan(spin)

	res, err := eng.EvaluatePlan(context.Background(), g, OperationValidate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = eng.EvaluatePlan(context.Background(), g, OperationDeploy)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "deployment", res.Violations[0].Policy)

	res, err = eng.EvaluatePlan(context.Background(), plan(), OperationDeploy)
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "an empty plan cannot be deployed", res.Violations[0].Message)
	assert.Equal(t, SeverityError, res.Violations[0].Severity)
}

func TestEvaluate_PlanPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	denials, err := eng.Evaluate(ctx, plan(processor("a", "Fetch", "Password", "hunter2")))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sensitive-properties: a: sensitive property 'Password' holds a literal value, use a parameter reference",
	}, denials)

	denials, err = eng.Evaluate(ctx, plan(processor("a", "Fetch")))
	require.NoError(t, err)
	assert.Empty(t, denials)

	denials, err = eng.Gate(OperationDeploy).Evaluate(ctx, plan())
	require.NoError(t, err)
	assert.Equal(t, []string{"deployment: an empty plan cannot be deployed"}, denials)
}

func TestEvaluate_FailsClosed(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{
		Name:    "broken",
		Enabled: true,
		Rego: `package custom.broken

import rego.v1

mode := "strict" if input.plan.flow_name
mode := "lenient" if input.plan.flow_name

deny contains mode if mode == "strict"
`,
	}))

	res, err := eng.EvaluatePlan(context.Background(), plan(processor("a", "A")), OperationValidate)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "broken")

	_, err = eng.Evaluate(context.Background(), plan(processor("a", "A")))
	assert.Error(t, err)
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.EvaluatePlan(ctx, plan(processor("a", "A")), OperationValidate)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins(), WithEnvironment("production"))
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:    "no-putfile",
		Enabled: true,
		Rego: `package custom.putfile

import rego.v1

deny contains msg if {
	input.context.environment == "production"
	some p in input.plan.processors
	p.type == "PutFile"
	msg := sprintf("%s writes to local disk", [p.id])
}
`,
	})
	require.NoError(t, err)

	p, err := eng.GetPolicy("no-putfile")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, p.Severity)

	put := processor("w", "Write")
	put.Type = "PutFile"
	res, err := eng.EvaluatePlan(ctx, plan(put), OperationValidate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "w writes to local disk", res.Warnings[0].Message)

	assert.Error(t, eng.AddPolicy(ctx, Policy{Name: "bad", Rego: "package x\ndeny contains"}))
	assert.Error(t, eng.AddPolicy(ctx, Policy{Rego: "package x"}))
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	g := plan(processor("a", "VALIDATION-x"))

	require.NoError(t, eng.DisablePolicy("processor-naming"))
	res, err := eng.EvaluatePlan(ctx, g, OperationValidate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NotContains(t, res.EvaluatedPolicies, "processor-naming")

	require.NoError(t, eng.EnablePolicy("processor-naming"))
	res, err = eng.EvaluatePlan(ctx, g, OperationValidate)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	assert.Error(t, eng.EnablePolicy("missing"))
	_, err = eng.GetPolicy("missing")
	assert.Error(t, err)
}

func TestSetPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	custom := Policy{Name: "custom", Enabled: true, Rego: "package custom.a\n\nimport rego.v1\n\ndeny contains \"no\" if false\n"}

	require.NoError(t, eng.SetPolicies(ctx, []Policy{custom}))
	assert.Len(t, eng.ListPolicies(), 5)

	bad := Policy{Name: "bad", Rego: "package"}
	assert.Error(t, eng.SetPolicies(ctx, []Policy{bad}))
	_, err := eng.GetPolicy("custom")
	assert.NoError(t, err, "a failed reload keeps the previous set")

	require.NoError(t, eng.SetPolicies(ctx, nil))
	assert.Len(t, eng.ListPolicies(), 4)
	_, err = eng.GetPolicy("processor-naming")
	assert.NoError(t, err)
}
