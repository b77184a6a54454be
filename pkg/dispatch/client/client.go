// Package client provides the dispatcher side of the executor protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/kdeploy/pkg/dispatch/protocol"
	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/telemetry"
)

// ErrClosed is returned when the client has been closed.
var ErrClosed = errors.New("client is closed")

// Transport defines how the executor binary reaches the target and is started.
type Transport interface {
	// Upload copies the executor binary to the target
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the executor process and returns its stdin/stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup stops the executor and removes anything Upload left behind
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport Transport

	// ExecutorPath is the local executor binary. Upload is skipped when empty.
	ExecutorPath string

	// RemotePath is where the executor runs on the target.
	RemotePath string

	StartupTimeout time.Duration

	// ResultBuffer is the capacity of the results channel.
	ResultBuffer int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

type pendingTask struct {
	kind  engine.TaskKind
	timer *time.Timer
}

// Client submits tasks to one executor and collects their results.
// Results arrive on Results in completion order. A task with no result
// before its timeout produces a synthesized timed-out failure; a result
// arriving after that is dropped.
type Client struct {
	cfg       Config
	transport Transport
	logger    zerolog.Logger
	encoder   *protocol.Encoder
	decoder   *protocol.Decoder
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	ready     *protocol.ReadyMessage

	mu      sync.Mutex
	pending map[string]*pendingTask
	started bool
	closed  bool

	results chan *engine.TaskResult
	done    chan struct{}
	exited  chan struct{}
	wg      sync.WaitGroup
}

// NewClient creates a new executor client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/tmp/kdeploy-executor"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 64
	}

	return &Client{
		cfg:       cfg,
		transport: cfg.Transport,
		logger:    cfg.Logger.With().Str("component", "executor-client").Logger(),
		pending:   make(map[string]*pendingTask),
		results:   make(chan *engine.TaskResult, cfg.ResultBuffer),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}, nil
}

// Start uploads the executor, starts it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return fmt.Errorf("client already started")
	}

	if c.cfg.ExecutorPath != "" {
		if err := c.transport.Upload(ctx, c.cfg.ExecutorPath, c.cfg.RemotePath); err != nil {
			return fmt.Errorf("failed to upload executor: %w", err)
		}
	}

	stdin, stdout, err := c.transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Next()
		if err != nil {
			errCh <- err
			return
		}
		ready, err := protocol.Unpack[protocol.ReadyMessage](msg, protocol.MessageTypeReady)
		if err != nil {
			errCh <- err
			return
		}
		readyCh <- ready
	}()

	select {
	case <-readyCtx.Done():
		c.abandon(ctx)
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		c.abandon(ctx)
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
	}

	c.started = true
	c.wg.Add(1)
	go c.readLoop()

	c.logger.Info().
		Str("version", c.ready.Version).
		Str("platform", c.ready.Platform).
		Int("pid", c.ready.PID).
		Msg("Executor ready")

	return nil
}

// abandon tears down a process that never became ready. Closing stdout
// unblocks the READY reader.
func (c *Client) abandon(ctx context.Context) {
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	_ = c.transport.Cleanup(ctx, c.cfg.RemotePath)
	close(c.exited)
}

// Send submits a task under the given correlation id and arms its timeout.
func (c *Client) Send(ctx context.Context, correlationID string, req *engine.TaskRequest) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.mu.Unlock()
		return fmt.Errorf("client not started")
	}
	if !c.ready.Supports(req) {
		c.mu.Unlock()
		return fmt.Errorf("executor does not support %s %s", req.Kind, req.Operation)
	}
	if _, exists := c.pending[correlationID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("task %s already pending", correlationID)
	}

	timeout := time.Duration(req.TimeoutMinutes) * time.Minute
	c.pending[correlationID] = &pendingTask{
		kind:  req.Kind,
		timer: time.AfterFunc(timeout, func() { c.expire(correlationID, timeout) }),
	}
	c.mu.Unlock()

	msg := &protocol.TaskMessage{CorrelationID: correlationID, Request: req}
	if err := c.encoder.Send(protocol.MessageTypeTask, msg); err != nil {
		c.forget(correlationID)
		return fmt.Errorf("failed to send task: %w", err)
	}

	c.logger.Debug().
		Str("correlation_id", correlationID).
		Str("kind", string(req.Kind)).
		Str("operation", string(req.Operation)).
		Dur("timeout", timeout).
		Msg("Task sent")

	return nil
}

// Cancel abandons a pending task. No result is delivered for it.
func (c *Client) Cancel(ctx context.Context, correlationID, reason string) error {
	if !c.forget(correlationID) {
		return nil
	}
	c.cfg.Metrics.RecordTaskCompleted(false)

	if err := c.encoder.Send(protocol.MessageTypeCancel, &protocol.CancelMessage{CorrelationID: correlationID, Reason: reason}); err != nil {
		return fmt.Errorf("failed to send cancel: %w", err)
	}
	return nil
}

// Results returns the channel on which task results are delivered.
func (c *Client) Results() <-chan *engine.TaskResult {
	return c.results
}

// Exited is closed when the executor stream ends.
func (c *Client) Exited() <-chan struct{} {
	return c.exited
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Pending returns the number of tasks awaiting a result.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// forget removes a pending task and stops its timer. It reports whether the task was pending.
func (c *Client) forget(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[correlationID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(c.pending, correlationID)
	return true
}

func (c *Client) expire(correlationID string, timeout time.Duration) {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.pending, correlationID)
	c.mu.Unlock()

	c.logger.Warn().
		Str("correlation_id", correlationID).
		Dur("timeout", timeout).
		Msg("Task timed out")

	_ = c.encoder.Send(protocol.MessageTypeCancel, &protocol.CancelMessage{CorrelationID: correlationID, Reason: "timeout"})

	c.deliver(&engine.TaskResult{
		CorrelationID: correlationID,
		Kind:          p.kind,
		Status:        engine.TaskStatusFailure,
		TimedOut:      true,
		ErrorMessage:  fmt.Sprintf("task timed out after %s", timeout),
		CompletedAt:   time.Now(),
	}, true)
}

func (c *Client) deliver(result *engine.TaskResult, timedOut bool) {
	c.cfg.Metrics.RecordTaskCompleted(timedOut)
	select {
	case c.results <- result:
	case <-c.done:
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.exited)

	reason := "stream closed"
	for {
		msg, err := c.decoder.Next()
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			c.logger.Warn().Err(err).Msg("Skipping malformed line from executor")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				reason = err.Error()
			}
			break
		}

		switch msg.Type {
		case protocol.MessageTypeResult:
			res, err := protocol.Unpack[protocol.ResultMessage](msg, protocol.MessageTypeResult)
			if err != nil {
				c.logger.Error().Err(err).Msg("Discarding malformed result")
				continue
			}
			if !c.forget(res.Result.CorrelationID) {
				c.logger.Warn().
					Str("correlation_id", res.Result.CorrelationID).
					Msg("Dropping result for unknown or expired task")
				continue
			}
			c.deliver(&res.Result, res.Result.TimedOut)

		case protocol.MessageTypeEvent:
			event, err := protocol.Unpack[protocol.EventMessage](msg, protocol.MessageTypeEvent)
			if err != nil {
				continue
			}
			c.logger.Debug().
				Str("correlation_id", event.CorrelationID).
				Str("level", event.Level).
				Msg(event.Message)

		case protocol.MessageTypeExit:
			exit, err := protocol.Unpack[protocol.ExitMessage](msg, protocol.MessageTypeExit)
			if err != nil {
				exit = &protocol.ExitMessage{Reason: "unreadable exit message"}
			}
			reason = "executor exited: " + exit.Reason
			c.logger.Info().
				Str("reason", exit.Reason).
				Int("exit_code", exit.ExitCode).
				Int("tasks", exit.TasksTotal).
				Msg("Executor exited")

		default:
			c.logger.Warn().Str("type", string(msg.Type)).Msg("Unexpected message from executor")
		}
	}

	c.failPending(reason)
}

// failPending resolves every pending task with a failure once the stream is gone.
func (c *Client) failPending(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	orphaned := make(map[string]*pendingTask, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		orphaned[id] = p
	}
	c.pending = make(map[string]*pendingTask)
	c.mu.Unlock()

	for id, p := range orphaned {
		c.deliver(&engine.TaskResult{
			CorrelationID: id,
			Kind:          p.kind,
			Status:        engine.TaskStatusFailure,
			ErrorMessage:  reason,
			CompletedAt:   time.Now(),
		}, false)
	}
}

// Close stops the executor and releases resources. Pending tasks are dropped.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, p := range c.pending {
		p.timer.Stop()
	}
	c.pending = make(map[string]*pendingTask)
	started := c.started
	c.mu.Unlock()

	close(c.done)
	if !started {
		return nil
	}

	var errs []error

	// Closing stdin tells the executor to exit
	if err := c.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}
	if err := c.stdout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}

	c.wg.Wait()

	if err := c.transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
		c.logger.Debug().Err(err).Msg("Executor cleanup failed")
	}

	return errors.Join(errs...)
}
