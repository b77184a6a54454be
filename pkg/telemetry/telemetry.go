package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Telemetry bundles the logger, tracer and metrics of one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics

	server *http.Server
	addr   string
	served chan struct{}
}

// Setup builds telemetry from cfg. When metrics are enabled the endpoint is
// bound before Setup returns.
func Setup(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, err
	}

	t := &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics}
	if cfg.Metrics.Enabled {
		if err := t.serveMetrics(cfg.Metrics); err != nil {
			_ = tracer.Shutdown(context.Background())
			return nil, err
		}
	}
	return t, nil
}

func (t *Telemetry) serveMetrics(cfg MetricsConfig) error {
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", cfg.ListenAddress, err)
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, t.Metrics.Handler())

	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.addr = ln.Addr().String()
	t.served = make(chan struct{})
	log := t.Logger.Component("metrics")
	log.Info().Str("addr", t.addr).Str("path", path).Msg("Serving metrics")

	go func() {
		defer close(t.served)
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (t *Telemetry) MetricsAddr() string {
	return t.addr
}

// Shutdown stops the metrics server and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
		<-t.served
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	return errors.Join(errs...)
}
