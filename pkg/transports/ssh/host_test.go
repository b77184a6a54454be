package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/kdeploy/pkg/dispatch/simulator"
)

var testLogger = zerolog.Nop()

// fakeHost is an SSH server standing in for the executor host. exec runs
// the simulator over the channel, the sftp subsystem serves the local
// filesystem and direct-tcpip channels are forwarded, so a fakeHost also
// works as a jump host.
type fakeHost struct {
	ln  net.Listener
	cfg *ssh.ServerConfig
	sim *simulator.Simulator
	wg  sync.WaitGroup

	mu         sync.Mutex
	conns      []*ssh.ServerConn
	handshakes int
	keepAlives int
	forwards   []string
	commands   []string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to build host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "s3cret" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", c.User())
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	h := &fakeHost{
		ln:  ln,
		cfg: cfg,
		sim: simulator.New(simulator.Config{Pods: 2}, testLogger),
	}
	h.wg.Add(1)
	go h.accept()
	t.Cleanup(h.shutdown)
	return h
}

// config returns a password Config pointing at the host.
func (h *fakeHost) config(t *testing.T) *Config {
	t.Helper()
	host, port, err := net.SplitHostPort(h.ln.Addr().String())
	if err != nil {
		t.Fatalf("bad listen address: %v", err)
	}
	cfg := NewConfig(host, "deploy")
	cfg.Port, _ = strconv.Atoi(port)
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "s3cret"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = 5 * time.Second
	return cfg
}

func (h *fakeHost) accept() {
	defer h.wg.Done()
	for {
		nc, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serveConn(nc)
		}()
	}
}

func (h *fakeHost) serveConn(nc net.Conn) {
	defer nc.Close()

	sc, chans, reqs, err := ssh.NewServerConn(nc, h.cfg)
	if err != nil {
		return
	}
	defer sc.Close()

	h.mu.Lock()
	h.conns = append(h.conns, sc)
	h.handshakes++
	h.mu.Unlock()

	go h.globalRequests(reqs)

	var wg sync.WaitGroup
	defer wg.Wait()
	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, chReqs, err := nch.Accept()
			if err != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.session(ch, chReqs)
			}()
		case "direct-tcpip":
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.forward(nch)
			}()
		default:
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel")
		}
	}
}

func (h *fakeHost) globalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		ok := req.Type == keepAliveRequest
		if ok {
			h.mu.Lock()
			h.keepAlives++
			h.mu.Unlock()
		}
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
}

func (h *fakeHost) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			h.mu.Lock()
			h.commands = append(h.commands, payload.Command)
			h.mu.Unlock()
			_ = req.Reply(true, nil)

			_ = h.sim.Serve(context.Background(), ch, ch)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			if srv, err := sftp.NewServer(ch); err == nil {
				_ = srv.Serve()
			}
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (h *fakeHost) forward(nch ssh.NewChannel) {
	var target struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &target); err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port)))
	out, err := net.Dial("tcp", addr)
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		out.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	h.mu.Lock()
	h.forwards = append(h.forwards, addr)
	h.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(out, ch); done <- struct{}{} }()
	go func() { _, _ = io.Copy(ch, out); done <- struct{}{} }()
	<-done
	out.Close()
	ch.Close()
	<-done
}

// dropAll closes every server side connection.
func (h *fakeHost) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	h.conns = nil
}

func (h *fakeHost) shutdown() {
	_ = h.ln.Close()
	h.dropAll()
	h.wg.Wait()
}

func (h *fakeHost) stats() (handshakes, keepAlives int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshakes, h.keepAlives
}

func (h *fakeHost) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *fakeHost) forwarded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.forwards...)
}
