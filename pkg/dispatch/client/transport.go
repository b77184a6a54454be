package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// ProcessTransport runs the executor as a local child process.
type ProcessTransport struct {
	Args   []string
	Env    []string
	Logger zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	uploaded bool
}

// Upload copies the executor binary to remotePath. Nothing is copied when
// both paths are the same.
func (t *ProcessTransport) Upload(_ context.Context, localPath, remotePath string) error {
	if localPath == remotePath {
		return nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open executor: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to copy executor: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	t.mu.Lock()
	t.uploaded = true
	t.mu.Unlock()
	return nil
}

// Execute starts the executor. Its stderr is forwarded to the logger.
func (t *ProcessTransport) Execute(_ context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, nil, fmt.Errorf("executor already running")
	}

	// Not bound to the caller's context: the process outlives Start.
	cmd := exec.Command(remotePath, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Stderr = t.Logger.With().Str("component", "executor-stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}

	t.cmd = cmd
	return stdin, stdout, nil
}

// Cleanup waits for the executor to exit, killing it if the context ends
// first, and removes an uploaded binary.
func (t *ProcessTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	cmd := t.cmd
	uploaded := t.uploaded
	t.cmd = nil
	t.mu.Unlock()

	var waitErr error
	if cmd != nil {
		waited := make(chan error, 1)
		go func() { waited <- cmd.Wait() }()

		select {
		case waitErr = <-waited:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			waitErr = <-waited
		}
	}

	if uploaded {
		if err := os.Remove(remotePath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return waitErr
}

// ServeFunc runs an in-process executor over the given streams.
type ServeFunc func(ctx context.Context, in io.Reader, out io.Writer) error

// PipeTransport connects the client to an in-process executor through
// io.Pipe. It is used with the simulator.
type PipeTransport struct {
	Serve ServeFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	served chan error
}

// NewPipeTransport creates a transport that runs serve on Execute.
func NewPipeTransport(serve ServeFunc) *PipeTransport {
	return &PipeTransport{Serve: serve}
}

// Upload is a no-op.
func (t *PipeTransport) Upload(context.Context, string, string) error {
	return nil
}

// Execute starts the executor goroutine.
func (t *PipeTransport) Execute(_ context.Context, _ string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.served != nil {
		return nil, nil, fmt.Errorf("executor already running")
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	t.cancel, t.served = cancel, served

	// Cleanup clears t.served, so the goroutine keeps its own reference.
	go func() {
		err := t.Serve(ctx, inR, outW)
		_ = outW.CloseWithError(io.EOF)
		_ = inR.Close()
		served <- err
	}()

	return inW, outR, nil
}

// Cleanup stops the executor goroutine and waits for it.
func (t *PipeTransport) Cleanup(ctx context.Context, _ string) error {
	t.mu.Lock()
	cancel, served := t.cancel, t.served
	t.cancel, t.served = nil, nil
	t.mu.Unlock()

	if served == nil {
		return nil
	}
	cancel()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
