package protocol

import (
	"testing"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

func TestMessageTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		wantErr bool
	}{
		{"valid READY", MessageTypeReady, false},
		{"valid TASK", MessageTypeTask, false},
		{"valid EVENT", MessageTypeEvent, false},
		{"valid RESULT", MessageTypeResult, false},
		{"valid CANCEL", MessageTypeCancel, false},
		{"valid EXIT", MessageTypeExit, false},
		{"invalid type", MessageType("INVALID"), true},
		{"empty type", MessageType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msgType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("MessageType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TaskMessage)
		wantErr bool
	}{
		{"valid task", func(*TaskMessage) {}, false},
		{"missing correlation ID", func(m *TaskMessage) { m.CorrelationID = "" }, true},
		{"missing request", func(m *TaskMessage) { m.Request = nil }, true},
		{"unknown kind", func(m *TaskMessage) { m.Request.Kind = "UPLOAD" }, true},
		{"zero timeout", func(m *TaskMessage) { m.Request.TimeoutMinutes = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := sampleTask()
			tt.mutate(msg)
			err := msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("TaskMessage.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventMessageValidate(t *testing.T) {
	evt := &EventMessage{CorrelationID: "task-1", Message: "waiting for rollout"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("Expected default level info, got %s", evt.Level)
	}

	evt.Level = "trace"
	if err := evt.Validate(); err == nil {
		t.Error("Expected error for invalid level")
	}
}

func TestReadySupports(t *testing.T) {
	fetch := &engine.TaskRequest{Kind: engine.TaskKindManifestFetch}
	scale := &engine.TaskRequest{Kind: engine.TaskKindClusterOperation, Operation: engine.OperationScale}

	var none *ReadyMessage
	if !none.Supports(scale) {
		t.Error("Nil READY should support everything")
	}

	ready := &ReadyMessage{Caps: map[string]bool{"MANIFEST_FETCH": true}}
	if !ready.Supports(fetch) {
		t.Error("Expected fetch to be supported")
	}
	if ready.Supports(scale) {
		t.Error("Expected scale to be unsupported")
	}
}
