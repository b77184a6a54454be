package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// Config describes how to reach the host that runs the executor.
type Config struct {
	Host       string     `yaml:"host"`
	Port       int        `yaml:"port"`
	User       string     `yaml:"user"`
	AuthMethod AuthMethod `yaml:"auth"`

	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"privateKey"`
	Passphrase     string `yaml:"passphrase"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	KnownHostsPath        string `yaml:"knownHosts"`
	StrictHostKeyChecking bool   `yaml:"strictHostKeyChecking"`

	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`

	// KeepAliveInterval of zero disables keep-alives.
	KeepAliveInterval   time.Duration `yaml:"keepAliveInterval"`
	MaxKeepAliveRetries int           `yaml:"maxKeepAliveRetries"`

	// Jump is a bastion the executor host is reached through. It cannot
	// have a jump host of its own.
	Jump *Config `yaml:"jump"`
}

// NewConfig returns a Config for host and user with defaults applied.
func NewConfig(host, user string) *Config {
	c := &Config{Host: host, User: user, StrictHostKeyChecking: true}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields. Booleans are left as decoded.
// A jump host inherits the timeout and known_hosts file.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthMethodKey
	}
	if c.AuthMethod == AuthMethodKey && c.PrivateKeyPath == "" {
		c.PrivateKeyPath = defaultPrivateKey()
	}
	if c.KnownHostsPath == "" {
		c.KnownHostsPath = filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.MaxKeepAliveRetries == 0 {
		c.MaxKeepAliveRetries = 3
	}

	if j := c.Jump; j != nil {
		if j.ConnectionTimeout == 0 {
			j.ConnectionTimeout = c.ConnectionTimeout
		}
		if j.KnownHostsPath == "" {
			j.KnownHostsPath = c.KnownHostsPath
		}
		j.ApplyDefaults()
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	errs := c.validate()
	if c.Jump != nil {
		if c.Jump.Jump != nil {
			errs = append(errs, errors.New("jump host cannot itself use a jump host"))
		}
		for _, err := range c.Jump.validate() {
			errs = append(errs, fmt.Errorf("jump: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validate() []error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			errs = append(errs, errors.New("password is required for password authentication"))
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			errs = append(errs, errors.New("private key path is required for key authentication and no default key found"))
		} else if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			errs = append(errs, fmt.Errorf("private key file not found: %s", c.PrivateKeyPath))
		}
	case AuthMethodAgent:
	default:
		errs = append(errs, fmt.Errorf("unsupported auth method: %s", c.AuthMethod))
	}

	if c.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection timeout must be positive"))
	}
	return errs
}

func defaultPrivateKey() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ClientConfig builds the x/crypto client configuration.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for passwords.
		answer := ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		})
		return []ssh.AuthMethod{ssh.Password(c.Password), answer}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
