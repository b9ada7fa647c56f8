// Package config provides configuration management for herdctl.
// It supports loading configuration from environment variables, config files,
// and defaults, plus loading and resolving per-agent definition files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all fleet-level configuration sections for herdctl.
type Config struct {
	State     StateConfig     `mapstructure:"state"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Docker    DockerConfig    `mapstructure:"docker"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Agents    AgentsConfig    `mapstructure:"agents"`
}

// StateConfig holds state root directory configuration.
type StateConfig struct {
	Root string `mapstructure:"root"`
}

// SchedulerConfig holds scheduler loop configuration.
type SchedulerConfig struct {
	CheckInterval   int `mapstructure:"checkInterval"`   // in milliseconds
	ShutdownTimeout int `mapstructure:"shutdownTimeout"` // in seconds
}

// DockerConfig holds Docker client defaults and the fleet-level container
// settings agents are not allowed to set themselves.
type DockerConfig struct {
	Host          string `mapstructure:"host"`
	APIVersion    string `mapstructure:"apiVersion"`
	DefaultImage  string `mapstructure:"defaultImage"`
	Network       string `mapstructure:"network"`
	User          string `mapstructure:"user"` // uid:gid inside the container; empty means host uid:gid
	CredentialDir string `mapstructure:"credentialDir"`

	// ExtraMounts and Env are fleet-operator privileges: they can weaken
	// container isolation, so agent files must never carry them.
	ExtraMounts []MountSpec       `mapstructure:"extraMounts"`
	Env         map[string]string `mapstructure:"env"`

	// HostConfigOverride is merged last over the computed container host
	// config so operators can set fields not modeled here. Fleet-level only.
	HostConfigOverride map[string]any `mapstructure:"hostConfigOverride"`
}

// MountSpec describes an additional bind mount.
type MountSpec struct {
	Source   string `mapstructure:"source" yaml:"source"`
	Target   string `mapstructure:"target" yaml:"target"`
	ReadOnly bool   `mapstructure:"readOnly" yaml:"readOnly"`
}

// NATSConfig holds NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentsConfig holds agent definition discovery configuration.
type AgentsConfig struct {
	Dir string `mapstructure:"dir"`
}

// CheckIntervalDuration returns the scheduler check interval as a time.Duration.
func (s *SchedulerConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(s.CheckInterval) * time.Millisecond
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *SchedulerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("state.root", defaultStateRoot())

	v.SetDefault("scheduler.checkInterval", 1000)
	v.SetDefault("scheduler.shutdownTimeout", 30)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultImage", "herdctl/agent:latest")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.user", "")
	v.SetDefault("docker.credentialDir", "")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "herdctl")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("agents.dir", "agents")
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".herdctl"
	}
	return home + "/.herdctl"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HERDCTL_ with snake_case naming.
// The config file is herdctl.yaml in the current directory or /etc/herdctl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HERDCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("herdctl")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/herdctl/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.State.Root == "" {
		return fmt.Errorf("state.root must not be empty")
	}
	if cfg.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.checkInterval must be positive")
	}
	return nil
}
