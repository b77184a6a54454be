package strategy

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

func TestDeriveReleaseName(t *testing.T) {
	id := uuid.MustParse("0b4f7e3a-5c2d-4e8f-9a1b-2c3d4e5f6a7b")
	compact := base64.RawURLEncoding.EncodeToString(id[:])

	got, err := DeriveReleaseName(compact)
	if err != nil {
		t.Fatalf("DeriveReleaseName failed: %v", err)
	}
	if got != id.String() {
		t.Errorf("Expected %s, got %s", id, got)
	}

	first, _ := DeriveReleaseName("infra-prod")
	second, _ := DeriveReleaseName("infra-prod")
	if first != second {
		t.Errorf("Expected stable name, got %s and %s", first, second)
	}
	other, _ := DeriveReleaseName("infra-staging")
	if other == first {
		t.Error("Expected different ids to yield different names")
	}

	if _, err := DeriveReleaseName("  "); err == nil {
		t.Error("Expected error for blank infra id")
	}
}

func TestValidateReleaseName(t *testing.T) {
	tests := []struct {
		name    string
		release string
		wantErr bool
	}{
		{name: "simple", release: "reviews-prod"},
		{name: "dotted", release: "reviews.prod"},
		{name: "uuid", release: "0b4f7e3a-5c2d-4e8f-9a1b-2c3d4e5f6a7b"},
		{name: "expression skipped", release: "Reviews_${env}"},
		{name: "uppercase", release: "Reviews", wantErr: true},
		{name: "underscore", release: "reviews_prod", wantErr: true},
		{name: "leading dash", release: "-reviews", wantErr: true},
		{name: "too long", release: strings.Repeat("a", 254), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReleaseName(tt.release)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalizeTimeout(t *testing.T) {
	tests := []struct {
		in   *int
		want int
	}{
		{in: nil, want: 10},
		{in: engine.IntPtr(0), want: 1},
		{in: engine.IntPtr(-3), want: 1},
		{in: engine.IntPtr(1), want: 1},
		{in: engine.IntPtr(45), want: 45},
	}
	for _, tt := range tests {
		if got := NormalizeTimeout(tt.in); got != tt.want {
			t.Errorf("NormalizeTimeout(%v): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestResolveInstances(t *testing.T) {
	tests := []struct {
		name  string
		value int
		unit  engine.InstanceUnit
		max   int
		want  int
	}{
		{name: "count passthrough", value: 3, unit: engine.InstanceUnitCount, max: 10, want: 3},
		{name: "half", value: 50, unit: engine.InstanceUnitPercentage, max: 4, want: 2},
		{name: "rounds", value: 30, unit: engine.InstanceUnitPercentage, max: 5, want: 2},
		{name: "never below one", value: 1, unit: engine.InstanceUnitPercentage, max: 2, want: 1},
		{name: "zero percent", value: 0, unit: engine.InstanceUnitPercentage, max: 10, want: 1},
		{name: "full", value: 100, unit: engine.InstanceUnitPercentage, max: 6, want: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveInstances(tt.value, tt.unit, tt.max); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCanaryTargetInstances(t *testing.T) {
	if got := CanaryTargetInstances(engine.IntPtr(0), engine.IntPtr(5)); got != 0 {
		t.Errorf("Expected explicit 0 to win, got %d", got)
	}
	if got := CanaryTargetInstances(nil, engine.IntPtr(5)); got != 5 {
		t.Errorf("Expected current replicas 5, got %d", got)
	}
	if got := CanaryTargetInstances(nil, engine.IntPtr(0)); got != DefaultCanaryTargetInstances {
		t.Errorf("Expected default, got %d", got)
	}
	if got := CanaryTargetInstances(nil, nil); got != DefaultCanaryTargetInstances {
		t.Errorf("Expected default, got %d", got)
	}
}

func TestParseInstanceCount(t *testing.T) {
	if n, err := ParseInstanceCount(" 7 ", engine.InstanceUnitCount); err != nil || n != 7 {
		t.Errorf("Expected 7, got %d (%v)", n, err)
	}
	if _, err := ParseInstanceCount("150", engine.InstanceUnitCount); err != nil {
		t.Errorf("Expected counts above 100 to be allowed, got %v", err)
	}
	for _, bad := range []string{"", "x", "-1", "1.5"} {
		if _, err := ParseInstanceCount(bad, engine.InstanceUnitCount); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
	if _, err := ParseInstanceCount("101", engine.InstanceUnitPercentage); err == nil {
		t.Error("Expected error for percentage above 100")
	}
}
