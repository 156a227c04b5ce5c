// Package policy provides Open Policy Agent (OPA) integration for flowmend.
//
// Policies are Rego modules evaluated against a plan graph before it is
// materialized in a sandbox and again before it is replayed onto the
// production process group. A policy denial is a structural violation: the
// plan is rejected without touching the remote service.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithEnvironment("production"))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//
//	result, err := eng.EvaluatePlan(ctx, plan, policy.OperationValidate)
//	if err != nil {
//	    return err
//	}
//	for _, v := range result.Violations {
//	    fmt.Println(v)
//	}
//
// Engine satisfies the validator's plan policy hook for validation. Use
// Gate(OperationDeploy) for the deploy check.
//
// # Writing Policies
//
// Every module defines a deny set. Elements are either a message string or
// an object with message, severity and resource:
//
//	package custom.policies.retries
//
//	import rego.v1
//
//	deny contains violation if {
//	    some p in input.plan.processors
//	    endswith(p.type, "InvokeHTTP")
//	    not p.properties["Retry Count"]
//	    violation := {
//	        "message": "InvokeHTTP needs an explicit retry count",
//	        "severity": "warning",
//	        "resource": p.id,
//	    }
//	}
//
// The input document is:
//
//	{
//	  "plan":    { "flow_name": ..., "processors": [...], "connections": [...] },
//	  "context": { "operation": "validate", "environment": "...", "timestamp": "..." }
//	}
//
// Violations with error or critical severity block the plan. Info and
// warning violations are reported and logged only.
//
// # Hot Reload
//
// Engine.Watch reloads the policies under the watched paths on any change.
// A reload that fails to compile keeps the previous set.
package policy
