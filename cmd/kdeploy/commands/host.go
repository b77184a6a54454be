package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/kdeploy/pkg/config"
	"github.com/openfroyo/kdeploy/pkg/dispatch"
	"github.com/openfroyo/kdeploy/pkg/dispatch/client"
	"github.com/openfroyo/kdeploy/pkg/dispatch/simulator"
	"github.com/openfroyo/kdeploy/pkg/expression"
	"github.com/openfroyo/kdeploy/pkg/manifest"
	"github.com/openfroyo/kdeploy/pkg/orchestrator"
	"github.com/openfroyo/kdeploy/pkg/policy"
	"github.com/openfroyo/kdeploy/pkg/stores"
	"github.com/openfroyo/kdeploy/pkg/strategy"
	"github.com/openfroyo/kdeploy/pkg/telemetry"
	"github.com/openfroyo/kdeploy/pkg/transports/ssh"
)

const renderTimeout = 2 * time.Second

// host is a running orchestrator with its executor and stores.
type host struct {
	orch   *orchestrator.Orchestrator
	store  *stores.SQLiteStore
	client *client.Client
	logger zerolog.Logger

	closers []func(context.Context) error
	stop    context.CancelFunc
	pumped  chan struct{}
}

// startHost wires settings into a running host: telemetry, store,
// policies, executor client, dispatcher, driver and orchestrator. Results
// from the executor are delivered in the background until Close.
func startHost(ctx context.Context, settings *config.Settings, version string) (*host, error) {
	h := &host{}
	started := false
	defer func() {
		if !started {
			_ = h.Close(context.Background())
		}
	}()

	tel, err := telemetry.Setup(settings.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	h.closers = append(h.closers, tel.Shutdown)
	h.logger = tel.Logger.Zerolog()

	h.store, err = openStore(ctx, settings.Database)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, func(context.Context) error { return h.store.Close() })

	policies, err := startPolicies(ctx, settings, h)
	if err != nil {
		return nil, err
	}

	var local manifest.FileReader
	if settings.ManifestRoot != "" {
		ls, err := manifest.NewLocalStore(settings.ManifestRoot, h.logger)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, func(context.Context) error { return ls.Close() })
		local = ls
	}

	transport, err := newTransport(settings.Executor, h.logger)
	if err != nil {
		return nil, err
	}
	executorPath := settings.Executor.Path
	if settings.Executor.Mode == "simulator" {
		executorPath = ""
	}
	h.client, err = client.NewClient(client.Config{
		Transport:      transport,
		ExecutorPath:   executorPath,
		RemotePath:     settings.Executor.RemotePath,
		StartupTimeout: settings.Executor.StartupTimeout,
		Logger:         h.logger,
		Metrics:        tel.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := h.client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start executor: %w", err)
	}
	h.closers = append(h.closers, h.client.Close)

	d, err := dispatch.New(dispatch.Config{
		Sender:  h.client,
		Ledger:  h.store,
		Policy:  policies,
		Logger:  h.logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
	})
	if err != nil {
		return nil, err
	}

	driver := strategy.NewDriver(d, manifest.NewResolver(local, h.logger),
		strategy.WithRenderer(expression.NewRenderer(renderTimeout)),
		strategy.WithLogger(h.logger),
		strategy.WithMetrics(tel.Metrics),
		strategy.WithTracer(tel.Tracer),
	)

	h.orch, err = orchestrator.New(orchestrator.Config{
		Store:       h.store,
		Driver:      driver,
		Canceller:   h.client,
		Concurrency: settings.Concurrency,
		Logger:      h.logger,
		Metrics:     tel.Metrics,
		Tracer:      tel.Tracer,
	})
	if err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	h.stop = stop
	h.pumped = make(chan struct{})
	go func() {
		defer close(h.pumped)
		_ = h.orch.Run(runCtx, h.client.Results())
	}()
	executorLog := tel.Logger.Component("executor")
	go func() {
		select {
		case <-h.client.Exited():
			executorLog.Warn().Msg("Executor stream ended; pending steps will fail")
		case <-runCtx.Done():
		}
	}()

	started = true
	return h, nil
}

// Close stops result delivery and releases everything in reverse order.
func (h *host) Close(ctx context.Context) error {
	if h.stop != nil {
		h.stop()
		<-h.pumped
	}

	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

func startPolicies(ctx context.Context, settings *config.Settings, h *host) (*policy.Engine, error) {
	pe, err := policy.NewEngine(h.logger, policy.WithEnvironment(settings.Environment))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(settings.Policies) == 0 {
		return pe, nil
	}

	if err := pe.LoadPolicies(ctx, settings.Policies); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if settings.WatchPolicies {
		loader := policy.NewLoader(h.logger)
		err := loader.Watch(context.Background(), settings.Policies, func(p []policy.Policy) error {
			return pe.ReplaceLoaded(context.Background(), p)
		})
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, func(context.Context) error { return loader.StopWatching() })
	}
	return pe, nil
}

// newTransport builds the executor transport for the configured mode.
func newTransport(cfg config.ExecutorSettings, logger zerolog.Logger) (client.Transport, error) {
	switch cfg.Mode {
	case "process":
		return &client.ProcessTransport{Args: cfg.Args, Logger: logger}, nil
	case "ssh":
		conn, err := ssh.NewConn(cfg.SSH, logger)
		if err != nil {
			return nil, err
		}
		return ssh.NewExecutorTransport(conn, logger, cfg.Args...), nil
	default:
		sim := simulator.New(cfg.Simulator, logger)
		return client.NewPipeTransport(sim.Serve), nil
	}
}

// openStore opens and migrates the execution database.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
