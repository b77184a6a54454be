package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Phase is the section of a workflow an execution is running.
type Phase string

const (
	PhaseSteps    Phase = "steps"
	PhaseRollback Phase = "rollback"
)

// TaskState tracks a dispatched task in the correlation ledger.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateCompleted TaskState = "completed"
	TaskStateCancelled TaskState = "cancelled"
)

// Execution is one run of a workflow.
type Execution struct {
	ID          string                 `json:"id"`
	Workflow    string                 `json:"workflow"`
	Status      engine.ExecutionStatus `json:"status"`
	Phase       Phase                  `json:"phase"`
	StepIndex   int                    `json:"step_index"`
	Definition  string                 `json:"definition"` // JSON blob
	Error       *string                `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// StepOutcome is the recorded result of one strategy invocation.
type StepOutcome struct {
	ID          int64                `json:"id"`
	ExecutionID string               `json:"execution_id"`
	Phase       Phase                `json:"phase"`
	StepIndex   int                  `json:"step_index"`
	StateName   string               `json:"state_name"`
	Strategy    engine.StrategyKind  `json:"strategy"`
	Status      engine.OutcomeStatus `json:"status"`
	Message     string               `json:"message"`
	Outcome     string               `json:"outcome"` // JSON blob
	CompletedAt time.Time            `json:"completed_at"`
}

// Continuation is the persisted suspension point of an execution. An
// execution has at most one.
type Continuation struct {
	ExecutionID     string          `json:"execution_id"`
	StateName       string          `json:"state_name"`
	CorrelationID   string          `json:"correlation_id"`
	AwaitedTaskKind engine.TaskKind `json:"awaited_task_kind"`
	Data            []byte          `json:"data"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Task is an entry in the correlation ledger.
type Task struct {
	CorrelationID string               `json:"correlation_id"`
	ExecutionID   string               `json:"execution_id"`
	StateName     string               `json:"state_name"`
	Kind          engine.TaskKind      `json:"kind"`
	Operation     engine.OperationKind `json:"operation,omitempty"`
	State         TaskState            `json:"state"`
	Request       string               `json:"request"`          // JSON blob
	Result        *string              `json:"result,omitempty"` // JSON blob
	SubmittedAt   time.Time            `json:"submitted_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.ElementStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Execution operations
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, status *engine.ExecutionStatus, limit, offset int) ([]*Execution, error)

	// Step outcome operations
	AppendStepOutcome(ctx context.Context, outcome *StepOutcome) error
	ListStepOutcomes(ctx context.Context, executionID string) ([]*StepOutcome, error)

	// Continuation operations
	SaveContinuation(ctx context.Context, cont *Continuation) error
	GetContinuation(ctx context.Context, executionID string) (*Continuation, error)
	DeleteContinuation(ctx context.Context, executionID string) error

	// Task ledger operations
	RecordTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, correlationID string) (*Task, error)
	CompleteTask(ctx context.Context, correlationID string, state TaskState, result *string) error
	ListPendingTasks(ctx context.Context) ([]*Task, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
