package policy

import (
	"time"
)

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		processorNamingPolicy(),
		sensitivePropertiesPolicy(),
		planLimitsPolicy(),
		deploymentPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Metadata = map[string]interface{}{"source": "builtin"}
	return p
}

// processorNamingPolicy keeps the sandbox name prefix reserved and flags
// duplicate processor names.
func processorNamingPolicy() Policy {
	return builtin(Policy{
		Name:        "processor-naming",
		Description: "Processor names must not use the sandbox prefix and should be unique",
		Severity:    SeverityError,
		Tags:        []string{"naming"},
		Rego: `package flowmend.policies.naming

import rego.v1

deny contains violation if {
	some p in input.plan.processors
	prefix := data.flowmend.sandbox_prefix
	startswith(p.name, prefix)
	violation := {
		"message": sprintf("name '%s' uses the reserved sandbox prefix %s", [p.name, prefix]),
		"severity": "error",
		"resource": p.id,
	}
}

deny contains violation if {
	some i, j
	p := input.plan.processors[i]
	q := input.plan.processors[j]
	i < j
	p.name == q.name
	violation := {
		"message": sprintf("name '%s' is also used by %s", [q.name, p.id]),
		"severity": "warning",
		"resource": q.id,
	}
}
`,
	})
}

// sensitivePropertiesPolicy keeps secrets out of plan documents.
func sensitivePropertiesPolicy() Policy {
	return builtin(Policy{
		Name:        "sensitive-properties",
		Description: "Sensitive properties must reference parameters instead of literal values",
		Severity:    SeverityError,
		Tags:        []string{"security"},
		Rego: `package flowmend.policies.secrets

import rego.v1

sensitive(key) if regex.match("(?i)(password|passphrase|secret|token|api[ _-]?key)", key)

literal(value) if {
	value != ""
	not startswith(value, "#{")
	not startswith(value, "${")
}

deny contains violation if {
	some p in input.plan.processors
	some key, value in p.properties
	sensitive(key)
	literal(value)
	violation := {
		"message": sprintf("sensitive property '%s' holds a literal value, use a parameter reference", [key]),
		"severity": "error",
		"resource": p.id,
	}
}
`,
	})
}

// planLimitsPolicy bounds plan size and processor concurrency.
func planLimitsPolicy() Policy {
	return builtin(Policy{
		Name:        "plan-limits",
		Description: "Bounds the number of processors and their concurrent tasks",
		Severity:    SeverityWarning,
		Tags:        []string{"limits"},
		Rego: `package flowmend.policies.limits

import rego.v1

max_processors := 500

max_concurrent_tasks := 16

deny contains violation if {
	n := count(input.plan.processors)
	n > max_processors
	violation := {
		"message": sprintf("plan has %d processors, the limit is %d", [n, max_processors]),
		"severity": "error",
	}
}

deny contains violation if {
	some p in input.plan.processors
	p.scheduling.concurrent_tasks > max_concurrent_tasks
	violation := {
		"message": sprintf("%d concurrent tasks exceed the limit of %d", [p.scheduling.concurrent_tasks, max_concurrent_tasks]),
		"severity": "warning",
		"resource": p.id,
	}
}
`,
	})
}

// deploymentPolicy applies only when a plan is replayed onto production.
func deploymentPolicy() Policy {
	return builtin(Policy{
		Name:        "deployment",
		Description: "Production replays must not busy-loop and must not be empty",
		Severity:    SeverityError,
		Tags:        []string{"deploy"},
		Rego: `package flowmend.policies.deploy

import rego.v1

zero_periods := {"0 sec", "0 secs", "0 ms", "0 millis", "0 nanos"}

deny contains violation if {
	input.context.operation == "deploy"
	some p in input.plan.processors
	p.scheduling.strategy == "TIMER_DRIVEN"
	p.scheduling.period in zero_periods
	violation := {
		"message": "timer-driven processors need a non-zero run schedule in production",
		"severity": "error",
		"resource": p.id,
	}
}

has_processors if input.plan.processors[_]

deny contains "an empty plan cannot be deployed" if {
	input.context.operation == "deploy"
	not has_processors
}
`,
	})
}
