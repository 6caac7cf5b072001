package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node describes one compute node reachable through the bastion
type Node struct {
	ID      int    `yaml:"id"`
	Address string `yaml:"address"`
}

// SSHConfig holds bastion and node credentials
type SSHConfig struct {
	BastionHost string `yaml:"bastion_host"`
	BastionUser string `yaml:"bastion_user"`
	BastionKey  string `yaml:"bastion_key"` // path to private key; empty = ~/.ssh/id_rsa or agent
	NodeUser    string `yaml:"node_user"`
	NodePass    string `yaml:"node_pass"`
	NodePort    int    `yaml:"node_port"`
	Timeout     int    `yaml:"timeout_seconds"`
	Retries     int    `yaml:"retries"`
}

// RemoteConfig fixes the paths and command composed on each node
type RemoteConfig struct {
	WorkDir     string `yaml:"work_dir"`     // e.g. /home/gpuuser/work
	GraderDir   string `yaml:"grader_dir"`   // e.g. /home/gpuuser/grader
	Interpreter string `yaml:"interpreter"`  // python binary on the node
	GraderBin   string `yaml:"grader_bin"`   // grading script relative to GraderDir
	TmpDir      string `yaml:"tmp_dir"`      // per-job stdout/stderr files live here
}

// LimitsConfig holds admission-control tunables
type LimitsConfig struct {
	SubmitPerUser     int `yaml:"submit_per_user"`     // requests per window
	SubmitPerAddress  int `yaml:"submit_per_address"`  // requests per window
	ReadPerAddress    int `yaml:"read_per_address"`    // requests per window
	WindowSeconds     int `yaml:"window_seconds"`
	MaxActivePerUser  int `yaml:"max_active_per_user"`
	TimeoutMultiplier int `yaml:"timeout_multiplier"` // kill at expected_time * multiplier
}

// ScannerConfig controls the code vetter
type ScannerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	QuickMode      bool   `yaml:"quick_mode"` // static analysis only, no LLM call
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	APIKey         string `yaml:"-"` // OPENROUTER_API_KEY, env only
}

// ContainerConfig controls the optional node container restart between jobs
type ContainerConfig struct {
	RestartBetweenJobs bool   `yaml:"restart_between_jobs"`
	NamePrefix         string `yaml:"name_prefix"` // container name: <prefix>-<node_id>
	RestartWaitSeconds int    `yaml:"restart_wait_seconds"`
}

// Config is the process-wide configuration for the gpuq server
type Config struct {
	ListenAddr    string          `yaml:"listen_addr"`
	DataDir       string          `yaml:"data_dir"`
	JobsDir       string          `yaml:"jobs_dir"`
	Nodes         []Node          `yaml:"nodes"`
	SSH           SSHConfig       `yaml:"ssh"`
	Remote        RemoteConfig    `yaml:"remote"`
	Limits        LimitsConfig    `yaml:"limits"`
	Scanner       ScannerConfig   `yaml:"scanner"`
	Container     ContainerConfig `yaml:"container"`
	SubmitWait    int             `yaml:"submit_wait_seconds"`  // bounded submit-and-wait
	PollInterval  int             `yaml:"poll_interval_seconds"` // worker supervision period
	FetchAttempts int             `yaml:"fetch_attempts"`        // output-fetch retry budget
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:8001",
		DataDir:    "./data",
		JobsDir:    "./jobs",
		SSH: SSHConfig{
			NodePort: 22,
			Timeout:  30,
			Retries:  3,
		},
		Remote: RemoteConfig{
			WorkDir:     "/home/gpuuser/work",
			GraderDir:   "/home/gpuuser/grader",
			Interpreter: "python3",
			GraderBin:   "grade_code.py",
			TmpDir:      "/tmp",
		},
		Limits: LimitsConfig{
			SubmitPerUser:     5,
			SubmitPerAddress:  100,
			ReadPerAddress:    200,
			WindowSeconds:     60,
			MaxActivePerUser:  1,
			TimeoutMultiplier: 2,
		},
		Scanner: ScannerConfig{
			Enabled:        true,
			Endpoint:       "https://openrouter.ai/api/v1/chat/completions",
			Model:          "anthropic/claude-3.5-sonnet",
			TimeoutSeconds: 30,
		},
		Container: ContainerConfig{
			NamePrefix:         "gpu-node",
			RestartWaitSeconds: 30,
		},
		SubmitWait:    300,
		PollInterval:  2,
		FetchAttempts: 5,
	}
}

// Load reads the configuration file at path, applying defaults for
// anything the file omits and environment overrides on top. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Scanner.APIKey = os.Getenv("OPENROUTER_API_KEY")
	return cfg, nil
}

// Validate checks the invariants the server assumes. Commands that only
// touch the store (token management) skip it.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: at least one node required")
	}
	for i, n := range c.Nodes {
		if n.ID != i {
			return fmt.Errorf("config: node ids must be contiguous from 0, got %d at index %d", n.ID, i)
		}
		if n.Address == "" {
			return fmt.Errorf("config: node %d has no address", n.ID)
		}
	}
	if c.Limits.TimeoutMultiplier < 1 {
		return fmt.Errorf("config: timeout_multiplier must be >= 1")
	}
	if c.SubmitWait < 1 {
		return fmt.Errorf("config: submit_wait_seconds must be >= 1")
	}
	if c.Scanner.Enabled && !c.Scanner.QuickMode && c.Scanner.APIKey == "" {
		return fmt.Errorf("config: scanner enabled without OPENROUTER_API_KEY (set quick_mode to skip the LLM pass)")
	}
	return nil
}

// NodeCount returns the size of the compute pool
func (c *Config) NodeCount() int {
	return len(c.Nodes)
}

// SubmitWaitDuration returns the bounded submit-and-wait deadline
func (c *Config) SubmitWaitDuration() time.Duration {
	return time.Duration(c.SubmitWait) * time.Second
}

// PollIntervalDuration returns the worker supervision period
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}
