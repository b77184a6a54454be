package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ExecutorTransport runs the executor on a remote host over SSH. It
// satisfies client.Transport.
type ExecutorTransport struct {
	conn   *Conn
	args   []string
	logger zerolog.Logger

	// StopTimeout bounds how long Cleanup waits for the executor to exit.
	StopTimeout time.Duration

	mu       sync.Mutex
	session  *ssh.Session
	done     chan error
	uploaded string
}

// NewExecutorTransport creates a transport over conn. args are appended
// to the executor command line.
func NewExecutorTransport(conn *Conn, logger zerolog.Logger, args ...string) *ExecutorTransport {
	return &ExecutorTransport{
		conn:        conn,
		args:        args,
		logger:      logger.With().Str("component", "ssh-executor").Logger(),
		StopTimeout: 5 * time.Second,
	}
}

// Upload copies the executor binary to remotePath over SFTP and marks it
// executable.
func (t *ExecutorTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	sshClient, err := t.conn.Client(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := t.uploadFile(ctx, sshClient, localPath, remotePath, 0o755)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.uploaded = remotePath
	t.mu.Unlock()

	t.logger.Info().
		Str("remote_path", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("Executor uploaded")
	return nil
}

func (t *ExecutorTransport) uploadFile(ctx context.Context, sshClient *ssh.Client, localPath, remotePath string, mode os.FileMode) (int64, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, &OpError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return 0, t.fail("sftp", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, t.fail("upload", fmt.Errorf("failed to create remote directory: %w", err))
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return 0, t.fail("upload", fmt.Errorf("failed to create remote file: %w", err))
	}

	n, err := copyWithContext(ctx, remoteFile, localFile)
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, t.fail("upload", fmt.Errorf("failed to copy file: %w", err))
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return n, t.fail("upload", fmt.Errorf("failed to set permissions: %w", err))
	}
	return n, nil
}

// Execute starts the executor in a new session. Its stderr is forwarded to
// the logger.
func (t *ExecutorTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return nil, nil, fmt.Errorf("executor already running")
	}

	sshClient, err := t.conn.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, t.fail("exec", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, t.fail("exec", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, t.fail("exec", err)
	}
	session.Stderr = t.logger.With().Str("stream", "stderr").Logger()

	command := strings.Join(append([]string{remotePath}, t.args...), " ")
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, nil, t.fail("exec", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	t.session = session
	t.done = done

	t.logger.Debug().Str("command", command).Msg("Executor started")
	// stdout ends when Cleanup closes the session.
	return stdin, io.NopCloser(stdout), nil
}

// Cleanup stops the executor, removes the uploaded binary and closes the
// connection.
func (t *ExecutorTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	session, done, uploaded := t.session, t.done, t.uploaded
	t.session, t.done, t.uploaded = nil, nil, ""
	t.mu.Unlock()

	var errs []error
	if session != nil {
		select {
		case err := <-done:
			var exitErr *ssh.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				t.logger.Debug().Err(err).Msg("Executor session ended")
			}
		case <-time.After(t.StopTimeout):
			_ = session.Signal(ssh.SIGKILL)
		case <-ctx.Done():
		}
		_ = session.Close()
	}

	if uploaded != "" {
		if err := t.remove(uploaded); err != nil {
			errs = append(errs, err)
		}
	}

	if err := t.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// remove deletes remotePath over the existing connection. A connection that is
// already gone leaves nothing to remove through.
func (t *ExecutorTransport) remove(remotePath string) error {
	sshClient, err := t.conn.existing()
	if err != nil {
		return nil
	}
	c, err := sftp.NewClient(sshClient)
	if err != nil {
		return t.fail("sftp", err)
	}
	defer c.Close()
	if err := c.Remove(remotePath); err != nil {
		return t.fail("cleanup", err)
	}
	return nil
}

func (t *ExecutorTransport) fail(op string, err error) *OpError {
	return &OpError{Op: op, Addr: t.conn.cfg.Address(), Err: err}
}

// copyWithContext copies data while honouring context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
