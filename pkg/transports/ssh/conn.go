package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const keepAliveRequest = "keepalive@openssh.com"

// ErrNotConnected is returned when the connection was closed or never dialed.
var ErrNotConnected = errors.New("not connected")

// OpError reports a failed operation against the executor host.
type OpError struct {
	Op   string
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Conn is a lazily dialed connection to the executor host. It redials when
// the previous connection stopped answering.
type Conn struct {
	cfg    *Config
	logger zerolog.Logger

	mu       sync.Mutex
	client   *ssh.Client
	jump     *ssh.Client
	since    time.Time
	stopKeep chan struct{}
	keepDone chan struct{}
}

// NewConn validates cfg and returns an undialed Conn.
func NewConn(cfg *Config, logger zerolog.Logger) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Conn{
		cfg:    cfg,
		logger: logger.With().Str("component", "ssh").Str("host", cfg.Address()).Logger(),
	}, nil
}

// Client returns a live client, dialing first if needed.
func (c *Conn) Client(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest(keepAliveRequest, true, nil); err == nil {
			return c.client, nil
		}
		c.logger.Warn().Msg("Connection stopped answering, redialing")
		c.closeLocked()
	}

	if err := c.dialLocked(ctx); err != nil {
		return nil, err
	}
	return c.client, nil
}

// existing returns the open client without probing or dialing.
func (c *Conn) existing() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// Connected reports whether a connection is open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Since returns when the current connection was established.
func (c *Conn) Since() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}

// Close closes the connection and the jump host connection. Closing an
// unconnected Conn is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.closeLocked(); err != nil {
		return &OpError{Op: "close", Addr: c.cfg.Address(), Err: err}
	}
	return nil
}

func (c *Conn) dialLocked(ctx context.Context) error {
	target := c.cfg.Address()
	targetConfig, err := c.cfg.ClientConfig()
	if err != nil {
		return &OpError{Op: "auth", Addr: target, Err: err}
	}

	dial := (&net.Dialer{Timeout: c.cfg.ConnectionTimeout}).DialContext
	var jump *ssh.Client
	if j := c.cfg.Jump; j != nil {
		jumpConfig, err := j.ClientConfig()
		if err != nil {
			return &OpError{Op: "auth", Addr: j.Address(), Err: err}
		}
		jump, err = handshake(ctx, dial, j.Address(), jumpConfig, j.ConnectionTimeout)
		if err != nil {
			return &OpError{Op: "dial-jump", Addr: j.Address(), Err: err}
		}
		dial = jump.DialContext
	}

	client, err := handshake(ctx, dial, target, targetConfig, c.cfg.ConnectionTimeout)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		return &OpError{Op: "dial", Addr: target, Err: err}
	}

	c.client, c.jump, c.since = client, jump, time.Now()
	if c.cfg.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		c.keepDone = make(chan struct{})
		go c.keepAlive(client, c.stopKeep, c.keepDone)
	}

	ev := c.logger.Info()
	if jump != nil {
		ev = ev.Str("jump", c.cfg.Jump.Address())
	}
	ev.Msg("SSH connection established")
	return nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// handshake dials addr and runs the SSH handshake within timeout.
func handshake(ctx context.Context, dial dialFunc, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The handshake ignores ctx; a deadline on the conn bounds it.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			_ = sc.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

func (c *Conn) closeLocked() error {
	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if errors.Is(err, net.ErrClosed) {
		// keepAlive already gave up on it.
		err = nil
	}
	if c.jump != nil {
		_ = c.jump.Close()
	}
	if c.keepDone != nil {
		<-c.keepDone
		c.keepDone = nil
	}
	c.client, c.jump, c.since = nil, nil, time.Time{}
	return err
}

// keepAlive probes the server every KeepAliveInterval. After
// MaxKeepAliveRetries consecutive failures it closes the client; the next
// call to Client redials.
func (c *Conn) keepAlive(client *ssh.Client, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest(keepAliveRequest, true, nil); err == nil {
			failures = 0
			continue
		}
		select {
		case <-stop:
			return
		default:
		}
		failures++
		c.logger.Warn().Int("failures", failures).Msg("Keep-alive failed")
		if failures >= c.cfg.MaxKeepAliveRetries {
			c.logger.Error().Msg("Giving up on connection after repeated keep-alive failures")
			_ = client.Close()
			return
		}
	}
}
