package engine

import (
	"encoding/json"
	"fmt"
)

// OutcomeStatus is the terminal status of one strategy invocation.
type OutcomeStatus string

const (
	// OutcomeSucceeded indicates the cluster operation completed successfully.
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"

	// OutcomeFailed indicates validation, dispatch, fetch or the remote operation failed.
	OutcomeFailed OutcomeStatus = "FAILED"

	// OutcomeSkipped indicates the strategy had nothing to act on.
	OutcomeSkipped OutcomeStatus = "SKIPPED"
)

// Validate checks if the outcome status is valid.
func (s OutcomeStatus) Validate() error {
	switch s {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OutcomeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OutcomeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OutcomeStatus(str)
	return s.Validate()
}

// TaskKind identifies what a suspended invocation is waiting for.
type TaskKind string

const (
	// TaskKindManifestFetch is a remote manifest retrieval.
	TaskKindManifestFetch TaskKind = "MANIFEST_FETCH"

	// TaskKindClusterOperation is a cluster mutation performed by the executor.
	TaskKindClusterOperation TaskKind = "CLUSTER_OPERATION"
)

// Validate checks if the task kind is valid.
func (k TaskKind) Validate() error {
	switch k {
	case TaskKindManifestFetch, TaskKindClusterOperation:
		return nil
	default:
		return fmt.Errorf("invalid task kind: %q", string(k))
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (k TaskKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *TaskKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = TaskKind(str)
	return k.Validate()
}

// StrategyKind names a deployment strategy a workflow step can run.
type StrategyKind string

const (
	StrategyApply           StrategyKind = "apply"
	StrategyRollingDeploy   StrategyKind = "rolling-deploy"
	StrategyRollingRollback StrategyKind = "rolling-rollback"
	StrategyCanarySetup     StrategyKind = "canary-setup"
	StrategyCanaryDeploy    StrategyKind = "canary-deploy"
	StrategyCanaryRollback  StrategyKind = "canary-rollback"
	StrategyBlueGreenDeploy StrategyKind = "blue-green-deploy"
	StrategyScale           StrategyKind = "scale"
	StrategyDelete          StrategyKind = "delete"
	StrategyTrafficSplit    StrategyKind = "traffic-split"
)

// AllStrategies lists every known strategy kind.
func AllStrategies() []StrategyKind {
	return []StrategyKind{
		StrategyApply, StrategyRollingDeploy, StrategyRollingRollback,
		StrategyCanarySetup, StrategyCanaryDeploy, StrategyCanaryRollback,
		StrategyBlueGreenDeploy, StrategyScale, StrategyDelete, StrategyTrafficSplit,
	}
}

// Validate checks if the strategy kind is valid.
func (s StrategyKind) Validate() error {
	for _, known := range AllStrategies() {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid strategy: %q", string(s))
}

// IsRollback returns true for strategies that undo a previous deploy.
func (s StrategyKind) IsRollback() bool {
	return s == StrategyRollingRollback || s == StrategyCanaryRollback
}

// OperationKind is the cluster operation requested from the executor.
type OperationKind string

const (
	OperationApply           OperationKind = "apply"
	OperationRollingDeploy   OperationKind = "rolling-deploy"
	OperationRollingRollback OperationKind = "rolling-rollback"
	OperationCanarySetup     OperationKind = "canary-setup"
	OperationCanaryDeploy    OperationKind = "canary-deploy"
	OperationCanaryRollback  OperationKind = "canary-rollback"
	OperationBlueGreenDeploy OperationKind = "blue-green-deploy"
	OperationScale           OperationKind = "scale"
	OperationDelete          OperationKind = "delete"
	OperationTrafficSplit    OperationKind = "traffic-split"
)

// IsDestructive returns true if the operation removes workloads or resources.
func (o OperationKind) IsDestructive() bool {
	return o == OperationDelete
}

// Validate checks if the operation kind is valid.
func (o OperationKind) Validate() error {
	switch o {
	case OperationApply, OperationRollingDeploy, OperationRollingRollback,
		OperationCanarySetup, OperationCanaryDeploy, OperationCanaryRollback,
		OperationBlueGreenDeploy, OperationScale, OperationDelete, OperationTrafficSplit:
		return nil
	default:
		return fmt.Errorf("invalid operation: %q", string(o))
	}
}

// InstanceUnit is how an instance count is expressed.
type InstanceUnit string

const (
	// InstanceUnitCount is an absolute number of pods.
	InstanceUnitCount InstanceUnit = "COUNT"

	// InstanceUnitPercentage is a share of the target instance count.
	InstanceUnitPercentage InstanceUnit = "PERCENTAGE"
)

// Validate checks if the unit is valid.
func (u InstanceUnit) Validate() error {
	switch u {
	case InstanceUnitCount, InstanceUnitPercentage:
		return nil
	default:
		return fmt.Errorf("invalid instance unit: %q", string(u))
	}
}

// TaskStatus is the executor-reported status of a task.
type TaskStatus string

const (
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailure TaskStatus = "FAILURE"
)

// ExecutionStatus is the host-side status of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionStatusRunning indicates a step is being evaluated or is waiting for a result.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusRollingBack indicates the rollback section is running after a failure.
	ExecutionStatusRollingBack ExecutionStatus = "rolling_back"

	// ExecutionStatusSucceeded indicates every step succeeded or was skipped.
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"

	// ExecutionStatusFailed indicates a step failed.
	ExecutionStatusFailed ExecutionStatus = "failed"

	// ExecutionStatusAborted indicates the execution was aborted by the user.
	ExecutionStatusAborted ExecutionStatus = "aborted"
)

// IsTerminal returns true if the execution status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed || s == ExecutionStatusAborted
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusRollingBack, ExecutionStatusSucceeded,
		ExecutionStatusFailed, ExecutionStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}
