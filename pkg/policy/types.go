package policy

import (
	"time"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a dispatch.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the dispatch.
	SeverityError Severity = "error"

	// SeverityCritical blocks the dispatch.
	SeverityCritical Severity = "critical"
)

// Blocking returns true if violations of this severity reject a request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Operation is the cluster operation of the rejected request.
	Operation engine.OperationKind `json:"operation,omitempty"`

	// Namespace is the target namespace of the rejected request.
	Namespace string `json:"namespace,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one request.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds non-blocking messages, including evaluation failures.
	Warnings []string `json:"warnings,omitempty"`

	// Evaluated lists the policies that ran.
	Evaluated   []string      `json:"evaluated,omitempty"`
	Duration    time.Duration `json:"duration"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Blocking returns the violations that rejected the request.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies are evaluated against, available as input in Rego.
type Input struct {
	Request *engine.TaskRequest `json:"request"`
	Context *Context            `json:"context"`
}

// Context carries evaluation metadata.
type Context struct {
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment,omitempty"`
}

// Bundle is a versioned collection of policies loaded from one JSON file.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Policies    []Policy `json:"policies"`
}
