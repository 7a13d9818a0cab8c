package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from "30s" or "1h 30m" strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseWindow(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ProviderConfig overrides per-provider launch settings.
type ProviderConfig struct {
	Executable string   `yaml:"executable" toml:"executable"`
	ExtraArgs  []string `yaml:"extra_args" toml:"extra_args"`
	SessionDir string   `yaml:"session_dir" toml:"session_dir"`
}

// StreamConfig tunes the spawn stream observer.
type StreamConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	Heartbeat    Duration `yaml:"heartbeat" toml:"heartbeat"`
	MaxIdlePolls int      `yaml:"max_idle_polls" toml:"max_idle_polls"`
}

// Config is the workspace configuration.
type Config struct {
	MaxSpawnDepth    int                       `yaml:"max_spawn_depth" toml:"max_spawn_depth"`
	Coordinator      string                    `yaml:"coordinator" toml:"coordinator"`
	LaunchRetries    int                       `yaml:"launch_retries" toml:"launch_retries"`
	KillGrace        Duration                  `yaml:"kill_grace" toml:"kill_grace"`
	StaleAfter       Duration                  `yaml:"stale_after" toml:"stale_after"`
	TimerInterval    Duration                  `yaml:"timer_interval" toml:"timer_interval"`
	CorrelationSlack Duration                  `yaml:"correlation_slack" toml:"correlation_slack"`
	SpawnRate        float64                   `yaml:"spawn_rate" toml:"spawn_rate"`
	SpawnBurst       int                       `yaml:"spawn_burst" toml:"spawn_burst"`
	WorkerPool       int                       `yaml:"worker_pool" toml:"worker_pool"`
	ServeAddr        string                    `yaml:"serve_addr" toml:"serve_addr"`
	LogLevel         string                    `yaml:"log_level" toml:"log_level"`
	Stream           StreamConfig              `yaml:"stream" toml:"stream"`
	Providers        map[string]ProviderConfig `yaml:"providers" toml:"providers"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxSpawnDepth == 0 {
		c.MaxSpawnDepth = 3
	}
	if c.LaunchRetries == 0 {
		c.LaunchRetries = 1
	}
	if c.KillGrace.Duration == 0 {
		c.KillGrace.Duration = 3 * time.Second
	}
	if c.StaleAfter.Duration == 0 {
		c.StaleAfter.Duration = 10 * time.Minute
	}
	if c.TimerInterval.Duration == 0 {
		c.TimerInterval.Duration = 5 * time.Second
	}
	if c.CorrelationSlack.Duration == 0 {
		c.CorrelationSlack.Duration = 5 * time.Second
	}
	if c.SpawnRate == 0 {
		c.SpawnRate = 2
	}
	if c.SpawnBurst == 0 {
		c.SpawnBurst = 4
	}
	if c.WorkerPool == 0 {
		c.WorkerPool = 4
	}
	if c.ServeAddr == "" {
		c.ServeAddr = "127.0.0.1:7460"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Stream.PollInterval.Duration == 0 {
		c.Stream.PollInterval.Duration = 500 * time.Millisecond
	}
	if c.Stream.Heartbeat.Duration == 0 {
		c.Stream.Heartbeat.Duration = 15 * time.Second
	}
	if c.Stream.MaxIdlePolls == 0 {
		c.Stream.MaxIdlePolls = 120
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	if c.MaxSpawnDepth < 0 {
		return NewValidationError("max_spawn_depth must be >= 0")
	}
	if c.LaunchRetries < 0 {
		return NewValidationError("launch_retries must be >= 0")
	}
	if c.Coordinator != "" {
		if err := ValidateIdentity(c.Coordinator); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
	}
	return nil
}

// LoadConfig reads config.yaml or config.toml from the workspace directory.
// A missing file yields the defaults.
func LoadConfig(project Project) (Config, error) {
	var cfg Config

	yamlPath := filepath.Join(project.Dir, "config.yaml")
	tomlPath := filepath.Join(project.Dir, "config.toml")

	data, err := os.ReadFile(yamlPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("parse %s: %w", tomlPath, err)
		}
	default:
		return Config{}, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefaultConfig writes a starter config.yaml if none exists.
func WriteDefaultConfig(project Project) error {
	path := filepath.Join(project.Dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := DefaultConfig()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
