package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// Call is one strategy's view of an invocation. Strategies are stateless;
// everything they learn goes into Cont.
type Call struct {
	Scope    Scope
	Cont     *Continuation
	renderer engine.Renderer
}

// DecodeConfig decodes the state's configuration into v. Unknown fields are rejected.
func (c *Call) DecodeConfig(v interface{}) error {
	if len(c.Cont.Config) == 0 || string(c.Cont.Config) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(c.Cont.Config))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", c.Cont.Strategy, err)
	}
	return nil
}

// Render trims s and substitutes expressions from the execution variables.
func (c *Call) Render(ctx context.Context, s string) (string, error) {
	out, err := c.renderer.Render(ctx, strings.TrimSpace(s), c.Scope.Variables)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RenderRequired renders s and fails when the result is blank.
func (c *Call) RenderRequired(ctx context.Context, field, s string) (string, error) {
	out, err := c.Render(ctx, s)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	if out == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return out, nil
}

// ReleaseElement reads the release element published earlier in this
// execution. It returns nil without error when nothing was published.
func (c *Call) ReleaseElement(ctx context.Context) (*engine.ReleaseElement, error) {
	if c.Scope.Elements == nil {
		return nil, nil
	}
	el, err := c.Scope.Elements.GetElement(ctx, c.Scope.ExecutionID, engine.ElementRelease)
	if errors.Is(err, engine.ErrElementNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s element: %w", engine.ElementRelease, err)
	}
	var rel engine.ReleaseElement
	if err := json.Unmarshal(el.Value, &rel); err != nil {
		return nil, fmt.Errorf("failed to decode %s element: %w", engine.ElementRelease, err)
	}
	return &rel, nil
}

// PublishReleaseIfAbsent returns a write for the release element, or nil
// if one was already published in this execution.
func (c *Call) PublishReleaseIfAbsent(ctx context.Context, rel engine.ReleaseElement) (*engine.ElementWrite, error) {
	existing, err := c.ReleaseElement(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	value, err := json.Marshal(rel)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s element: %w", engine.ElementRelease, err)
	}
	return &engine.ElementWrite{Name: engine.ElementRelease, Value: value, IfAbsent: true}, nil
}

// newRequest returns a cluster-operation request prefilled from the continuation.
func (c *Call) newRequest(op engine.OperationKind, timeout *int) *engine.TaskRequest {
	return &engine.TaskRequest{
		Kind:           engine.TaskKindClusterOperation,
		ExecutionID:    c.Cont.ExecutionID,
		StateName:      c.Cont.StateName,
		Strategy:       c.Cont.Strategy,
		Operation:      op,
		Namespace:      c.Cont.Workload.Namespace,
		ReleaseName:    c.Cont.ReleaseName,
		TimeoutMinutes: NormalizeTimeout(timeout),
	}
}
