// Package expression renders ${...} expressions in step configuration using Starlark.
package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var exprPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// ContainsExpression returns true if s still holds a ${...} expression.
func ContainsExpression(s string) bool {
	return exprPattern.MatchString(s)
}

// Renderer evaluates ${expr} occurrences against a variable scope.
// Nested maps are exposed as structs, so ${workflow.variables.weight} works.
type Renderer struct {
	timeout time.Duration
}

// NewRenderer creates a renderer that aborts any single expression after timeout.
func NewRenderer(timeout time.Duration) *Renderer {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Renderer{timeout: timeout}
}

// Render replaces every expression in input with its evaluated value.
func (r *Renderer) Render(ctx context.Context, input string, vars map[string]interface{}) (string, error) {
	if !ContainsExpression(input) {
		return input, nil
	}

	env := make(starlark.StringDict, len(vars))
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return "", fmt.Errorf("failed to convert variable %s: %w", key, err)
		}
		env[key] = sv
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var firstErr error
	out := exprPattern.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		src := strings.TrimSpace(exprPattern.FindStringSubmatch(match)[1])
		val, err := r.eval(evalCtx, src, env)
		if err != nil {
			firstErr = fmt.Errorf("failed to render %q: %w", match, err)
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (r *Renderer) eval(ctx context.Context, src string, env starlark.StringDict) (string, error) {
	thread := &starlark.Thread{
		Name:  "kdeploy-expression",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("expression timeout")
	})
	defer stop()

	v, err := starlark.Eval(thread, "expression", src, env)
	if err != nil {
		return "", err
	}
	return toText(v), nil
}

func toText(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.String:
		return string(val)
	case starlark.Bool:
		if val {
			return "true"
		}
		return "false"
	case starlark.NoneType:
		return ""
	default:
		return v.String()
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return toStarlarkValue(m)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make(starlark.StringDict, len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			fields[k] = sv
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
