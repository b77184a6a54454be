package strategy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

const (
	// DefaultTimeoutMinutes applies when a step sets no timeout.
	DefaultTimeoutMinutes = 10

	// MinTimeoutMinutes is the smallest timeout sent to the executor.
	MinTimeoutMinutes = 1

	// DefaultCanaryTargetInstances is used when neither the step nor the
	// cluster provide a target instance count.
	DefaultCanaryTargetInstances = 2
)

// NormalizeTimeout turns a configured timeout into the minutes sent with a task.
func NormalizeTimeout(minutes *int) int {
	if minutes == nil {
		return DefaultTimeoutMinutes
	}
	if *minutes < MinTimeoutMinutes {
		return MinTimeoutMinutes
	}
	return *minutes
}

// ParseInstanceCount parses a rendered instance count field.
func ParseInstanceCount(raw string, unit engine.InstanceUnit) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("instance count is required")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("instance count %q is not a number", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("instance count must not be negative, got %d", n)
	}
	if unit == engine.InstanceUnitPercentage && n > 100 {
		return 0, fmt.Errorf("instance percentage must be between 0 and 100, got %d", n)
	}
	return n, nil
}

// ResolveInstances turns a count or percentage into an absolute pod count.
// A percentage is taken of maxInstances, rounded, and never below one.
func ResolveInstances(value int, unit engine.InstanceUnit, maxInstances int) int {
	if unit != engine.InstanceUnitPercentage {
		return value
	}
	n := int(math.Round(float64(value) * float64(maxInstances) / 100.0))
	if n < 1 {
		n = 1
	}
	return n
}

// CanaryTargetInstances picks the canary target count: an explicit count
// wins, then the replicas currently running, then the default.
func CanaryTargetInstances(explicit *int, currentReplicas *int) int {
	if explicit != nil {
		return *explicit
	}
	if currentReplicas != nil && *currentReplicas > 0 {
		return *currentReplicas
	}
	return DefaultCanaryTargetInstances
}

// InstanceSummaries converts reported pods into outcome instances.
// When newOnly is set only pods flagged new are kept.
func InstanceSummaries(pods []engine.Pod, newOnly bool) []engine.InstanceSummary {
	out := make([]engine.InstanceSummary, 0, len(pods))
	for _, p := range pods {
		if newOnly && !p.New {
			continue
		}
		out = append(out, engine.InstanceSummary{
			Name:        p.Name,
			IP:          p.IP,
			NewInstance: p.New,
		})
	}
	return out
}
