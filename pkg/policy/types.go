package policy

import (
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the plan.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the plan.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operations a plan is evaluated for.
const (
	OperationValidate = "validate"
	OperationDeploy   = "deploy"
)

// Policy represents a policy rule with its Rego code. The Rego module must
// define a deny set; each element is a message string or an object with
// message, severity and resource.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the processor or connection id, if the policy names one.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// String renders the violation as a denial message.
func (v Violation) String() string {
	if v.Resource != "" {
		return v.Policy + ": " + v.Resource + ": " + v.Message
	}
	return v.Policy + ": " + v.Message
}

// Result represents the result of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking or a policy failed.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the plan.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies whose evaluation failed.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Plan is the plan graph in its document form.
	Plan *engine.PlanGraph `json:"plan"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is validate or deploy.
	Operation string `json:"operation"`

	// Environment is the deployment environment, e.g. production.
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Bundle represents a collection of related policies in one JSON file.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}
