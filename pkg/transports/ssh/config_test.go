package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// writeTestKey writes an unencrypted ed25519 key and returns its path.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestNewConfig(t *testing.T) {
	home := t.TempDir()
	if err := os.Mkdir(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	key := writeTestKey(t, filepath.Join(home, ".ssh"))
	t.Setenv("HOME", home)

	config := NewConfig("runner.internal", "deploy")

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.PrivateKeyPath != key {
		t.Errorf("expected default key %s, got %s", key, config.PrivateKeyPath)
	}
	if config.KnownHostsPath != filepath.Join(home, ".ssh", "known_hosts") {
		t.Errorf("unexpected known_hosts path %s", config.KnownHostsPath)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestApplyDefaults_FromYAML(t *testing.T) {
	var config Config
	err := yaml.Unmarshal([]byte(`
host: runner.internal
user: deploy
auth: password
password: secret
connectionTimeout: 5s
jump:
  host: bastion.example.com
  user: jump
  auth: agent
`), &config)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	config.ApplyDefaults()

	if config.StrictHostKeyChecking {
		t.Error("expected decoded false to be kept")
	}
	if config.Jump.Port != 22 {
		t.Errorf("expected jump port 22, got %d", config.Jump.Port)
	}
	if config.Jump.ConnectionTimeout != 5*time.Second {
		t.Errorf("expected jump to inherit 5s timeout, got %v", config.Jump.ConnectionTimeout)
	}
	if config.Jump.KnownHostsPath != config.KnownHostsPath {
		t.Errorf("expected jump to inherit known_hosts, got %s", config.Jump.KnownHostsPath)
	}
	if config.Jump.Address() != "bastion.example.com:22" {
		t.Errorf("unexpected jump address %s", config.Jump.Address())
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsgs  []string
	}{
		{
			name:       "valid config",
			modifyFunc: func(*Config) {},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsgs:  []string{"host is required"},
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsgs:  []string{"invalid port"},
		},
		{
			name: "several problems",
			modifyFunc: func(c *Config) {
				c.User = ""
				c.Password = ""
				c.ConnectionTimeout = -time.Second
			},
			errorMsgs: []string{"user is required", "password is required", "connection timeout must be positive"},
		},
		{
			name: "missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsgs: []string{"private key file not found"},
		},
		{
			name: "key auth without key",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = ""
			},
			errorMsgs: []string{"no default key found"},
		},
		{
			name:       "unsupported auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "kerberos" },
			errorMsgs:  []string{"unsupported auth method"},
		},
		{
			name: "jump host errors are prefixed",
			modifyFunc: func(c *Config) {
				c.Jump = &Config{Host: "bastion", Port: 22, AuthMethod: AuthMethodAgent, ConnectionTimeout: time.Second}
			},
			errorMsgs: []string{"jump: user is required"},
		},
		{
			name: "nested jump host",
			modifyFunc: func(c *Config) {
				c.Jump = &Config{
					Host: "bastion", Port: 22, User: "jump", AuthMethod: AuthMethodAgent, ConnectionTimeout: time.Second,
					Jump: &Config{Host: "outer"},
				}
			},
			errorMsgs: []string{"jump host cannot itself use a jump host"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig("runner.internal", "deploy")
			config.AuthMethod = AuthMethodPassword
			config.Password = "secret"
			tt.modifyFunc(config)

			err := config.Validate()
			if len(tt.errorMsgs) == 0 {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected errors %v, got nil", tt.errorMsgs)
			}
			for _, msg := range tt.errorMsgs {
				if !strings.Contains(err.Error(), msg) {
					t.Errorf("expected error containing '%s', got '%v'", msg, err)
				}
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := NewConfig("runner.internal", "deploy")
	config.Port = 2222

	if address := config.Address(); address != "runner.internal:2222" {
		t.Errorf("expected address 'runner.internal:2222', got '%s'", address)
	}

	config.Host = "::1"
	if address := config.Address(); address != "[::1]:2222" {
		t.Errorf("expected bracketed IPv6 address, got '%s'", address)
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := NewConfig("runner.internal", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "deploy" {
			t.Errorf("expected user 'deploy', got '%s'", clientConfig.User)
		}
		// Password plus keyboard-interactive.
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication", func(t *testing.T) {
		config := NewConfig("runner.internal", "deploy")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = writeTestKey(t, t.TempDir())
		config.StrictHostKeyChecking = false

		clientConfig, err := config.ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("unparseable key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "garbage")
		if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		config := NewConfig("runner.internal", "deploy")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = path

		if _, err := config.ClientConfig(); err == nil || !strings.Contains(err.Error(), "failed to parse private key") {
			t.Errorf("expected parse error, got %v", err)
		}
	})

	t.Run("strict checking without known_hosts", func(t *testing.T) {
		config := NewConfig("runner.internal", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

		if _, err := config.ClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts")
		}
	})

	t.Run("agent authentication without socket", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "")

		config := NewConfig("runner.internal", "deploy")
		config.AuthMethod = AuthMethodAgent

		if _, err := config.ClientConfig(); err == nil {
			t.Error("expected error for agent auth without SSH_AUTH_SOCK, got nil")
		}
	})
}
