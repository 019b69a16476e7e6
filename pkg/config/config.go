// Package config loads the daemon's TOML configuration file and applies
// defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"taskagent/pkg/queue"
)

// Config is the full daemon configuration, decoded from config.toml.
type Config struct {
	Daemon   DaemonConfig   `toml:"daemon"`
	Store    StoreConfig    `toml:"store"`
	Worktree WorktreeConfig `toml:"worktree"`
	Tracker  TrackerConfig  `toml:"tracker"`
	Agent    AgentConfig    `toml:"agent"`
	Retry    RetryConfig    `toml:"retry"`
}

// Duration decodes TOML strings like "10s" or "30m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DaemonConfig controls the scheduler loop.
type DaemonConfig struct {
	TickInterval Duration `toml:"tick_interval"`
	BatchSize    int      `toml:"batch_size"`
	MaxAgents    int      `toml:"max_agents"`
	AgentTimeout Duration `toml:"agent_timeout"`
}

// StoreConfig locates the SQLite queue database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// WorktreeConfig locates the target repository and the worktree root.
type WorktreeConfig struct {
	RepoRoot string `toml:"repo_root"`
	Root     string `toml:"root"`
}

// TrackerConfig selects and configures the tracker source.
type TrackerConfig struct {
	// Source is "cli" or "file".
	Source string `toml:"source"`
	// Command is the tracker CLI binary, for the cli source.
	Command string `toml:"command"`
	// IntakeDir holds YAML ticket documents, for the file source.
	IntakeDir string `toml:"intake_dir"`
}

// AgentConfig configures the coding-agent subprocess.
type AgentConfig struct {
	Command   string   `toml:"command"`
	ExtraArgs []string `toml:"extra_args"`
}

// RetryConfig overrides the per-queue retry ceilings.
type RetryConfig struct {
	TicketMax    int `toml:"ticket_max"`
	ExecutionMax int `toml:"execution_max"`
}

// Source kinds accepted by TrackerConfig.Source.
const (
	SourceCLI  = "cli"
	SourceFile = "file"
)

// Load reads and decodes the TOML file at path, then applies defaults. A
// missing file is not an error; you get the defaults.
func Load(path, home string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	out := cfg.withDefaults(home)
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c Config) withDefaults(home string) Config {
	out := c
	if out.Daemon.TickInterval == 0 {
		out.Daemon.TickInterval = Duration(10 * time.Second)
	}
	if out.Daemon.BatchSize == 0 {
		out.Daemon.BatchSize = 10
	}
	if out.Daemon.MaxAgents == 0 {
		out.Daemon.MaxAgents = 2
	}
	if out.Daemon.AgentTimeout == 0 {
		out.Daemon.AgentTimeout = Duration(30 * time.Minute)
	}
	if out.Store.Path == "" {
		out.Store.Path = filepath.Join(home, "queue.db")
	}
	if out.Worktree.RepoRoot == "" {
		out.Worktree.RepoRoot = "."
	}
	if out.Tracker.Source == "" {
		out.Tracker.Source = SourceFile
	}
	if out.Tracker.Command == "" {
		out.Tracker.Command = "tracker"
	}
	if out.Tracker.IntakeDir == "" {
		out.Tracker.IntakeDir = filepath.Join(home, "intake")
	}
	if out.Agent.Command == "" {
		out.Agent.Command = "claude"
	}
	if out.Retry.TicketMax == 0 {
		out.Retry.TicketMax = queue.DefaultTicketMaxRetries
	}
	if out.Retry.ExecutionMax == 0 {
		out.Retry.ExecutionMax = queue.DefaultExecutionMaxRetries
	}
	return out
}

func (c Config) validate() error {
	switch c.Tracker.Source {
	case SourceCLI, SourceFile:
	default:
		return fmt.Errorf("unknown tracker source %q (want %q or %q)", c.Tracker.Source, SourceCLI, SourceFile)
	}
	if c.Daemon.MaxAgents < 1 {
		return fmt.Errorf("daemon.max_agents must be at least 1, got %d", c.Daemon.MaxAgents)
	}
	if c.Daemon.BatchSize < 1 {
		return fmt.Errorf("daemon.batch_size must be at least 1, got %d", c.Daemon.BatchSize)
	}
	return nil
}
