package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/kdeploy/pkg/dispatch/simulator"
	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/manifest"
	"github.com/openfroyo/kdeploy/pkg/strategy"
	"github.com/openfroyo/kdeploy/pkg/telemetry"
	"github.com/openfroyo/kdeploy/pkg/transports/ssh"
)

// Workflow is a deployment workflow: a workload and the ordered strategy
// steps run against it.
type Workflow struct {
	// Name identifies the workflow.
	Name string `json:"name" validate:"required"`

	// Workload is the service being deployed.
	Workload engine.Workload `json:"workload"`

	// Manifests are values documents shared by every step.
	Manifests manifest.Source `json:"manifests,omitempty"`

	// Variables are available to expressions as ${workflow.variables.<name>}.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// Steps run in order until one does not succeed.
	Steps []Step `json:"steps" validate:"required,min=1,dive"`

	// RollbackSteps run in order after a step fails.
	RollbackSteps []Step `json:"rollbackSteps,omitempty" validate:"dive"`

	// Source is the file the workflow was loaded from.
	Source string `json:"-"`
}

// Step is one strategy invocation.
type Step struct {
	// Name is unique within the workflow.
	Name string `json:"name" validate:"required"`

	// Strategy selects the strategy.
	Strategy engine.StrategyKind `json:"strategy" validate:"required"`

	// Config is the strategy configuration, passed through unchanged.
	Config json.RawMessage `json:"config,omitempty"`

	// Manifests are step-specific values documents.
	Manifests manifest.Source `json:"manifests,omitempty"`
}

// States returns the strategy states for the main steps.
func (w *Workflow) States() []strategy.State {
	return w.states(w.Steps)
}

// RollbackStates returns the strategy states for the rollback steps.
func (w *Workflow) RollbackStates() []strategy.State {
	return w.states(w.RollbackSteps)
}

func (w *Workflow) states(steps []Step) []strategy.State {
	out := make([]strategy.State, 0, len(steps))
	for _, s := range steps {
		values := make([]manifest.ValuesFile, 0, len(w.Manifests.Values)+len(s.Manifests.Values))
		values = append(values, w.Manifests.Values...)
		values = append(values, s.Manifests.Values...)

		out = append(out, strategy.State{
			Name:      s.Name,
			Strategy:  s.Strategy,
			Workload:  w.Workload,
			Manifests: manifest.Source{Values: values},
			Config:    s.Config,
		})
	}
	return out
}

// Step returns the named step from either section.
func (w *Workflow) Step(name string) (strategy.State, bool) {
	for _, states := range [][]strategy.State{w.States(), w.RollbackStates()} {
		for _, st := range states {
			if st.Name == name {
				return st, true
			}
		}
	}
	return strategy.State{}, false
}

// Scope returns the expression variables for an execution.
func (w *Workflow) Scope(executionID string) map[string]interface{} {
	vars := w.Variables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return map[string]interface{}{
		"workflow": map[string]interface{}{
			"name":      w.Name,
			"variables": vars,
		},
		"workload": map[string]interface{}{
			"id":        w.Workload.ID,
			"infraId":   w.Workload.InfraID,
			"namespace": w.Workload.Namespace,
		},
		"execution": map[string]interface{}{
			"id": executionID,
		},
	}
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "steps.0.strategy").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a workflow does not load.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid workflow: " + strings.Join(msgs, "; ")
}

// Settings configures the kdeploy host.
type Settings struct {
	// Database is the SQLite path of the execution store.
	Database string `yaml:"database" validate:"required"`

	// ManifestRoot is the local manifest store directory.
	ManifestRoot string `yaml:"manifestRoot"`

	// Concurrency bounds how many executions run at once.
	Concurrency int `yaml:"concurrency" validate:"min=1"`

	// Environment is passed to policies as input.context.environment.
	Environment string `yaml:"environment"`

	// Policies are .rego/.json files or directories of dispatch policies.
	Policies []string `yaml:"policies"`

	// WatchPolicies reloads policies when the files change.
	WatchPolicies bool `yaml:"watchPolicies"`

	Executor ExecutorSettings `yaml:"executor"`
	Logging  LoggingSettings  `yaml:"logging"`
	Metrics  MetricsSettings  `yaml:"metrics"`
	Tracing  TracingSettings  `yaml:"tracing"`
}

// ExecutorSettings selects how tasks reach the executor.
type ExecutorSettings struct {
	// Mode is simulator, process or ssh.
	Mode string `yaml:"mode" validate:"oneof=simulator process ssh"`

	// Path is the local executor binary.
	Path string `yaml:"path" validate:"required_if=Mode process"`

	// RemotePath is where the executor runs on the target.
	RemotePath string `yaml:"remotePath"`

	// Args are passed to the executor.
	Args []string `yaml:"args"`

	StartupTimeout time.Duration `yaml:"startupTimeout"`

	SSH       *ssh.Config      `yaml:"ssh" validate:"required_if=Mode ssh"`
	Simulator simulator.Config `yaml:"simulator"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingSettings configures span export.
type TracingSettings struct {
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate" validate:"min=0,max=1"`
	Insecure     bool    `yaml:"insecure"`
}

// DefaultSettings returns settings that run workflows against the simulator.
func DefaultSettings() *Settings {
	return &Settings{
		Database:    "kdeploy.db",
		Concurrency: 4,
		Environment: "development",
		Executor: ExecutorSettings{
			Mode:           "simulator",
			RemotePath:     "/tmp/kdeploy-executor",
			StartupTimeout: 10 * time.Second,
		},
		Logging: LoggingSettings{Level: "info", Format: "console"},
		Metrics: MetricsSettings{Address: ":9090"},
		Tracing: TracingSettings{Exporter: "none", SamplingRate: 1.0},
	}
}

// Telemetry converts the settings to a telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if s.Environment != "" {
		cfg.Environment = s.Environment
	}
	if s.Logging.Level != "" {
		cfg.Logging.Level = s.Logging.Level
	}
	if s.Logging.Format != "" {
		cfg.Logging.Format = s.Logging.Format
	}
	cfg.Metrics.Enabled = s.Metrics.Enabled
	if s.Metrics.Address != "" {
		cfg.Metrics.ListenAddress = s.Metrics.Address
	}
	if s.Tracing.Exporter != "" && s.Tracing.Exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.Tracing.Exporter
		cfg.Tracing.Endpoint = s.Tracing.Endpoint
		cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
		cfg.Tracing.Insecure = s.Tracing.Insecure
	}
	return cfg
}
