package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.Limits.SubmitPerUser)
	assert.Equal(t, 100, cfg.Limits.SubmitPerAddress)
	assert.Equal(t, 200, cfg.Limits.ReadPerAddress)
	assert.Equal(t, 60, cfg.Limits.WindowSeconds)
	assert.Equal(t, 1, cfg.Limits.MaxActivePerUser)
	assert.Equal(t, 2, cfg.Limits.TimeoutMultiplier)
	assert.Equal(t, 300, cfg.SubmitWait)
	assert.Equal(t, 2, cfg.PollInterval)
	assert.Equal(t, 5, cfg.FetchAttempts)
	assert.Equal(t, 3, cfg.SSH.Retries)
	assert.Equal(t, 30, cfg.SSH.Timeout)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpuq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9000"
nodes:
  - id: 0
    address: 10.0.0.1
  - id: 1
    address: 10.0.0.2
ssh:
  bastion_host: jump.example.com
  bastion_user: operator
  node_user: gpuuser
  node_pass: secret
limits:
  submit_per_user: 2
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Len(t, cfg.Nodes, 2)
	assert.Equal(t, "jump.example.com", cfg.SSH.BastionHost)
	assert.Equal(t, 2, cfg.Limits.SubmitPerUser)
	// Untouched fields keep their defaults
	assert.Equal(t, 200, cfg.Limits.ReadPerAddress)
	assert.Equal(t, 300, cfg.SubmitWait)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestAPIKeyComesFromEnvironment(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Scanner.APIKey)
}

func TestValidate(t *testing.T) {
	node := func(id int) Node { return Node{ID: id, Address: "10.0.0.1"} }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no nodes",
			mutate:  func(c *Config) { c.Nodes = nil },
			wantErr: "at least one node",
		},
		{
			name: "non-contiguous node ids",
			mutate: func(c *Config) {
				c.Nodes = []Node{node(0), node(2)}
			},
			wantErr: "contiguous",
		},
		{
			name: "node without address",
			mutate: func(c *Config) {
				c.Nodes = []Node{{ID: 0}}
			},
			wantErr: "no address",
		},
		{
			name: "bad multiplier",
			mutate: func(c *Config) {
				c.Nodes = []Node{node(0)}
				c.Limits.TimeoutMultiplier = 0
			},
			wantErr: "timeout_multiplier",
		},
		{
			name: "scanner without key",
			mutate: func(c *Config) {
				c.Nodes = []Node{node(0)}
				c.Scanner.Enabled = true
				c.Scanner.QuickMode = false
				c.Scanner.APIKey = ""
			},
			wantErr: "OPENROUTER_API_KEY",
		},
		{
			name: "quick mode needs no key",
			mutate: func(c *Config) {
				c.Nodes = []Node{node(0)}
				c.Scanner.Enabled = true
				c.Scanner.QuickMode = true
				c.Scanner.APIKey = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
