package telemetry

import (
	"errors"
	"fmt"
	"io"
)

// Config is the telemetry configuration of one kdeploy process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is attached to spans and exposed to dispatch policies.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string

	// Format is console or json.
	Format string

	// Output is stderr or stdout. Writer, when set, takes precedence.
	Output string
	Writer io.Writer
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string
	Insecure bool

	SamplingRate float64
}

// MetricsConfig configures the Prometheus registry and endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// InvocationBuckets are the histogram buckets, in seconds, for strategy
	// invocations measured from Begin to their outcome.
	InvocationBuckets []float64
}

// DefaultConfig returns the configuration used when no settings override it.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "kdeploy",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "kdeploy",
			// Rollouts wait on pods becoming ready, so invocations take minutes.
			InvocationBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
	}
}

var (
	validLevels    = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}

	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q (must be console or json)", c.Logging.Format))
	}
	if c.Logging.Writer == nil {
		switch c.Logging.Output {
		case "", "stderr", "stdout":
		default:
			errs = append(errs, fmt.Errorf("invalid log output %q (must be stderr or stdout)", c.Logging.Output))
		}
	}

	if c.Tracing.Enabled {
		if !validExporters[c.Tracing.Exporter] {
			errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("otlp exporter requires an endpoint"))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}
