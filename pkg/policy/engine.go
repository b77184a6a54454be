package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// Engine evaluates task requests against Rego policies before they are dispatched.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	environment     string
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	builtin  bool
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnvironment sets the environment name exposed as input.context.environment.
func WithEnvironment(env string) Option {
	return func(e *Engine) {
		e.environment = env
	}
}

// WithoutBuiltins starts the engine with no built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) {
		e.builtinPolicies = nil
	}
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateRequest evaluates every enabled policy against a task request.
// Evaluation failures of a single policy are reported as warnings and do
// not block the request.
func (e *Engine) EvaluateRequest(ctx context.Context, req *engine.TaskRequest) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		Request: req,
		Context: &Context{
			Timestamp:   startTime,
			Environment: e.environment,
		},
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.Evaluated = append(result.Evaluated, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("execution_id", req.ExecutionID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = result.EvaluatedAt.Sub(startTime)

	e.logger.Debug().
		Str("execution_id", req.ExecutionID).
		Str("operation", string(req.Operation)).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Request evaluated")

	return result, nil
}

// LoadPolicies loads policies from files or directories and compiles them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.ReplaceLoaded(ctx, policies)
}

// ReplaceLoaded swaps every non-built-in policy for the given set. Nothing
// changes if any policy fails to compile.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
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

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded")

	return nil
}

// AddPolicy compiles and registers a single policy, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, &policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which comes back as a slice
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, e.createViolation(cp.policy, d, input))
			}
		}
	}

	return violations, nil
}

// createViolation creates a Violation from a deny entry.
func (e *Engine) createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:    policy.Name,
		Severity:  policy.Severity,
		Operation: input.Request.Operation,
		Namespace: input.Request.Namespace,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		cp.builtin = true
		e.policies[p.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
