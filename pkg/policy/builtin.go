package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedNamespacesPolicy(),
		trafficWeightsPolicy(),
		timeoutCeilingPolicy(),
	}
}

// protectedNamespacesPolicy refuses cluster operations that delete resources
// in system namespaces.
func protectedNamespacesPolicy() Policy {
	return Policy{
		Name:        "protected-namespaces",
		Description: "Blocks delete operations in system namespaces",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "delete"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package kdeploy.policies.namespaces

import rego.v1

protected := {"kube-system", "kube-public", "kube-node-lease"}

deny contains violation if {
	input.request.kind == "CLUSTER_OPERATION"
	input.request.operation == "delete"
	protected[input.request.namespace]
	violation := {
		"message": sprintf("Deleting resources in protected namespace %s is not allowed", [input.request.namespace]),
		"severity": "error",
	}
}

deny contains violation if {
	input.request.kind == "CLUSTER_OPERATION"
	input.request.operation == "delete"
	input.request.deleteNamespaces
	some resource in input.request.resources
	protected[resource]
	violation := {
		"message": sprintf("Deleting protected namespace %s is not allowed", [resource]),
		"severity": "critical",
	}
}
`,
	}
}

// trafficWeightsPolicy checks that traffic-split weights form a valid distribution.
func trafficWeightsPolicy() Policy {
	return Policy{
		Name:        "traffic-weights",
		Description: "Traffic split weights must be non-negative and sum to at most 100",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"traffic"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package kdeploy.policies.traffic

import rego.v1

weights := [to_number(d.weight) | some d in input.request.destinations]

deny contains violation if {
	input.request.operation == "traffic-split"
	total := sum(weights)
	total > 100
	violation := {
		"message": sprintf("Traffic split weights sum to %v, must not exceed 100", [total]),
		"severity": "error",
	}
}

deny contains violation if {
	input.request.operation == "traffic-split"
	some d in input.request.destinations
	to_number(d.weight) < 0
	violation := {
		"message": sprintf("Destination %s has negative weight %s", [d.host, d.weight]),
		"severity": "error",
	}
}
`,
	}
}

// timeoutCeilingPolicy warns about tasks allowed to run for more than half a day.
func timeoutCeilingPolicy() Policy {
	return Policy{
		Name:        "timeout-ceiling",
		Description: "Warns when a task timeout exceeds 720 minutes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"timeouts"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package kdeploy.policies.timeouts

import rego.v1

deny contains violation if {
	input.request.timeoutMinutes > 720
	violation := {
		"message": sprintf("Timeout of %d minutes exceeds the recommended ceiling of 720", [input.request.timeoutMinutes]),
		"severity": "warning",
	}
}
`,
	}
}
