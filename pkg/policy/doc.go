// Package policy provides Open Policy Agent (OPA) admission for task requests.
//
// Every request a strategy hands to the dispatcher is evaluated against the
// enabled Rego policies before it reaches the executor. A policy is a Rego
// module defining a deny set; each entry is either a message string or an
// object with message and severity fields. Entries with severity error or
// critical reject the request; warning and info entries are reported only.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithEnvironment("production"))
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.EvaluateRequest(ctx, req)
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    for _, v := range result.Blocking() {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Built-in Policies
//
//  1. protected-namespaces - Blocks deletes in kube-system, kube-public and kube-node-lease
//  2. traffic-weights - Traffic split weights must be non-negative and sum to at most 100
//  3. timeout-ceiling - Warns about task timeouts above 720 minutes
//
// # Custom Policies
//
// The request is available as input.request using its JSON field names, and
// evaluation metadata as input.context:
//
//	package custom.dryrun
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.context.environment == "production"
//	    input.request.skipDryRun
//	    violation := {
//	        "message": "dry run cannot be skipped in production",
//	        "severity": "error",
//	    }
//	}
//
// Policies are loaded from .rego and .json files with LoadPolicies. A .rego
// file may set its severity in its header comment:
//
//	# Warns on scale-ups above 50 replicas
//	# severity: warning
//	package custom.scale
//
// The Loader can watch those paths and swap the loaded set on change:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.ReplaceLoaded(ctx, policies)
//	})
package policy
