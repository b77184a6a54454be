// Package telemetry provides observability instrumentation for kdeploy.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.Setup(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Library constructors take a zerolog.Logger; pass tel.Logger.Zerolog().
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace:
//
//   - task_dispatches_total{kind,operation}
//   - task_dispatch_rejections_total{reason}
//   - tasks_pending, task_timeouts_total
//   - strategy_outcomes_total{strategy,status}
//   - strategy_invocation_duration_seconds{strategy,status}
//   - contract_violations_total{strategy}
//   - executions_active, element_writes_total{name,result}
//
// A nil *Metrics and a nil *Tracer are both usable and do nothing.
package telemetry
