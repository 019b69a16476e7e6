package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// homeDirName is the default state directory under $HOME.
const homeDirName = ".task-agent"

// Paths holds all resolved taskagent state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home       string // ~/.task-agent or TASKAGENT_HOME
	PIDPath    string // taskagent.pid or TASKAGENT_PID_PATH
	ConfigPath string // config.toml or TASKAGENT_CONFIG
	DBPath     string // queue.db or TASKAGENT_DB_PATH
}

// ResolvePaths returns all taskagent paths, respecting env var overrides.
// Environment variables:
//   - TASKAGENT_HOME: base directory for all state (default: ~/.task-agent)
//   - TASKAGENT_PID_PATH: daemon PID file (default: $TASKAGENT_HOME/taskagent.pid)
//   - TASKAGENT_CONFIG: configuration file (default: $TASKAGENT_HOME/config.toml)
//   - TASKAGENT_DB_PATH: queue database (default: $TASKAGENT_HOME/queue.db)
//
// Specific env vars override both the default and the TASKAGENT_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:       home,
		PIDPath:    resolvePathWithEnv("TASKAGENT_PID_PATH", home, "taskagent.pid"),
		ConfigPath: resolvePathWithEnv("TASKAGENT_CONFIG", home, "config.toml"),
		DBPath:     resolvePathWithEnv("TASKAGENT_DB_PATH", home, "queue.db"),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("TASKAGENT_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, homeDirName), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
