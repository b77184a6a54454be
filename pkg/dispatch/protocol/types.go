// Package protocol defines the JSON-over-stdio protocol spoken between the
// kdeploy dispatcher and a remote executor.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the executor is ready to receive tasks
	MessageTypeReady MessageType = "READY"
	// MessageTypeTask carries a task from the dispatcher
	MessageTypeTask MessageType = "TASK"
	// MessageTypeEvent carries a progress line for a running task
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeResult carries the terminal result of a task
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeCancel asks the executor to stop a task
	MessageTypeCancel MessageType = "CANCEL"
	// MessageTypeExit indicates the executor is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when the executor is ready to receive tasks.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"` // supported operations and fetch
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the executor announced support for the request.
// An executor that announces no capabilities supports everything.
func (r *ReadyMessage) Supports(req *engine.TaskRequest) bool {
	if r == nil || len(r.Caps) == 0 {
		return true
	}
	if req.Kind == engine.TaskKindManifestFetch {
		return r.Caps[string(engine.TaskKindManifestFetch)]
	}
	return r.Caps[string(req.Operation)]
}

// TaskMessage asks the executor to run a task.
type TaskMessage struct {
	CorrelationID string              `json:"correlation_id"`
	Request       *engine.TaskRequest `json:"request"`
}

// EventMessage contains progress information while a task runs.
type EventMessage struct {
	CorrelationID string            `json:"correlation_id"`
	Level         string            `json:"level"` // info, warn, debug
	Message       string            `json:"message"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ResultMessage carries the terminal result of a task.
type ResultMessage struct {
	Result   engine.TaskResult `json:"result"`
	Duration float64           `json:"duration"` // seconds
}

// CancelMessage asks the executor to abandon a task. The executor does not answer it.
type CancelMessage struct {
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason,omitempty"`
}

// ExitMessage is sent before the executor terminates.
type ExitMessage struct {
	Reason     string `json:"reason"`
	ExitCode   int    `json:"exit_code"`
	TasksTotal int    `json:"tasks_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeTask, MessageTypeEvent,
		MessageTypeResult, MessageTypeCancel, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the task message is valid.
func (m *TaskMessage) Validate() error {
	if m.CorrelationID == "" {
		return fmt.Errorf("correlation ID is required")
	}
	if m.Request == nil {
		return fmt.Errorf("request is required")
	}
	if err := m.Request.Kind.Validate(); err != nil {
		return err
	}
	if m.Request.TimeoutMinutes <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Validate checks if the result message is valid.
func (m *ResultMessage) Validate() error {
	if m.Result.CorrelationID == "" {
		return fmt.Errorf("correlation ID is required")
	}
	switch m.Result.Status {
	case engine.TaskStatusSuccess, engine.TaskStatusFailure:
		return nil
	default:
		return fmt.Errorf("invalid task status: %q", m.Result.Status)
	}
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CorrelationID == "" {
		return fmt.Errorf("correlation ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
