// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
	StoreMemory = "memory"
)

// Config holds the resolved application configuration.
type Config struct {
	// Resolved paths, never read from the file.
	HomeDir    string `yaml:"-"`
	ConfigPath string `yaml:"-"`

	DataDir       string `yaml:"data_dir"`
	LogDir        string `yaml:"log_dir"`
	TranscriptDir string `yaml:"transcript_dir"`

	Store    StoreConfig    `yaml:"store"`
	Agent    AgentConfig    `yaml:"agent"`
	Terminal TerminalConfig `yaml:"terminal"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Server   ServerConfig   `yaml:"server"`
	LogLevel string         `yaml:"log_level"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type AgentConfig struct {
	Binary    string        `yaml:"binary"`
	ExtraArgs []string      `yaml:"extra_args"`
	KillGrace time.Duration `yaml:"kill_grace"`
	// StderrTail caps the diagnostic output appended to error events.
	StderrTail int `yaml:"stderr_tail"`
}

type TerminalConfig struct {
	Shell string `yaml:"shell"`
	Cols  int    `yaml:"cols"`
	Rows  int    `yaml:"rows"`
}

type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration rooted at dataDir.
func Default(dataDir string) *Config {
	cfg := defaults(dataDir)
	cfg.fillDerived()
	return cfg
}

// defaults leaves derived paths empty so a config file changing data_dir moves them too.
func defaults(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Store:   StoreConfig{Backend: StoreSQLite},
		Agent: AgentConfig{
			Binary:     "codex",
			KillGrace:  3 * time.Second,
			StderrTail: 8 * 1024,
		},
		Terminal: TerminalConfig{Cols: 80, Rows: 24},
		Watcher:  WatcherConfig{Enabled: true, Debounce: 300 * time.Millisecond},
		Server:   ServerConfig{Addr: "127.0.0.1:7420"},
		LogLevel: "info",
	}
}

// Load resolves ~/.treehouse (or $TREEHOUSE_HOME), reads config.yaml when present
// (or the file named by $TREEHOUSE_CONFIG) and applies environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("TREEHOUSE_CONFIG"))
}

// LoadFile is Load with an explicit config file path. An empty path means the default location.
func LoadFile(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := os.Getenv("TREEHOUSE_HOME")
	if dataDir == "" {
		dataDir = filepath.Join(home, ".treehouse")
	}
	cfg := defaults(dataDir)
	cfg.HomeDir = home

	if path == "" {
		path = filepath.Join(dataDir, "config.yaml")
	}
	cfg.ConfigPath = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	cfg.applyEnv()
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure directories exist
	for _, dir := range []string{cfg.DataDir, cfg.LogDir, cfg.TranscriptDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TREEHOUSE_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("TREEHOUSE_AGENT_BINARY"); v != "" {
		c.Agent.Binary = v
	}
	if v := os.Getenv("TREEHOUSE_SHELL"); v != "" {
		c.Terminal.Shell = v
	}
	if v := os.Getenv("TREEHOUSE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TREEHOUSE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TREEHOUSE_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Watcher.Enabled = b
		}
	}
}

// fillDerived re-derives paths left empty by a config file that only set data_dir.
func (c *Config) fillDerived() {
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}
	if c.TranscriptDir == "" {
		c.TranscriptDir = filepath.Join(c.DataDir, "transcripts")
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case StoreJSON:
			c.Store.Path = filepath.Join(c.DataDir, "workspaces.json")
		default:
			c.Store.Path = filepath.Join(c.DataDir, "treehouse.db")
		}
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreSQLite, StoreJSON, StoreMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Agent.Binary == "" {
		return errors.New("agent binary must not be empty")
	}
	if c.Terminal.Cols <= 0 || c.Terminal.Rows <= 0 {
		return fmt.Errorf("terminal size must be positive, got %dx%d", c.Terminal.Cols, c.Terminal.Rows)
	}
	if c.Agent.KillGrace <= 0 {
		c.Agent.KillGrace = 3 * time.Second
	}
	return nil
}
