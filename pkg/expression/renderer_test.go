package expression

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer(time.Second)
	ctx := context.Background()

	vars := map[string]interface{}{
		"workflow": map[string]interface{}{
			"variables": map[string]interface{}{
				"weight":  80,
				"service": "reviews",
				"canary":  true,
				"pods":    json.Number("3"),
				"ratio":   json.Number("0.5"),
			},
		},
		"env": "prod",
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "no expression", input: "plain-text", want: "plain-text"},
		{name: "top level string", input: "${env}", want: "prod"},
		{name: "nested field", input: "${workflow.variables.service}-vs", want: "reviews-vs"},
		{name: "integer", input: "${workflow.variables.weight}", want: "80"},
		{name: "arithmetic", input: "${100 - workflow.variables.weight}", want: "20"},
		{name: "decoded integer", input: "${workflow.variables.pods}", want: "3"},
		{name: "decoded float", input: "${workflow.variables.ratio * 2}", want: "1.0"},
		{name: "bool", input: "${workflow.variables.canary}", want: "true"},
		{name: "multiple", input: "${env}/${workflow.variables.service}", want: "prod/reviews"},
		{name: "whitespace inside", input: "${ env }", want: "prod"},
		{name: "unknown name", input: "${missing}", wantErr: true},
		{name: "unknown field", input: "${workflow.nothing}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(ctx, tt.input, vars)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRenderer_Timeout(t *testing.T) {
	r := NewRenderer(50 * time.Millisecond)
	// A comprehension over a large range never finishes inside the timeout.
	_, err := r.Render(context.Background(), "${len([x for x in range(100000000)])}", nil)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected timeout in error, got %v", err)
	}
}

func TestContainsExpression(t *testing.T) {
	if !ContainsExpression("release-${env}") {
		t.Error("Expected expression to be detected")
	}
	if ContainsExpression("release-1") {
		t.Error("Expected no expression")
	}
}
