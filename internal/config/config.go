package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMinRestartInterval is the fallback cool-down between server
// launches. A server that exits faster than this is held back before the
// next launch to avoid restart storms.
const DefaultMinRestartInterval = 4 * time.Minute

// StartupTrigger is the trigger fired before every server launch. It is
// always defined, even when the config file does not mention it.
const StartupTrigger = "startup"

// Config represents the complete wrapperd configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Paths        PathsConfig        `yaml:"paths"`
	Tokens       TokensConfig       `yaml:"tokens"`
	Notify       NotifyConfig       `yaml:"notify"`
	Triggers     map[string]Trigger `yaml:"triggers"`
	Destinations DestinationList    `yaml:"destinations"`
}

// ServerConfig configures the supervised command sequence
type ServerConfig struct {
	Run                       []string `yaml:"run"`
	MinRestartIntervalSeconds int      `yaml:"min_restart_interval_seconds"`
}

// MinRestartInterval returns the configured launch cool-down as a duration.
func (s ServerConfig) MinRestartInterval() time.Duration {
	if s.MinRestartIntervalSeconds <= 0 {
		return DefaultMinRestartInterval
	}
	return time.Duration(s.MinRestartIntervalSeconds) * time.Second
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// Root is the managed directory all destination paths resolve into.
	Root string `yaml:"root"`
}

// TokensConfig holds access credentials for remote source APIs
type TokensConfig struct {
	GitHub string `yaml:"github"`
}

// NotifyConfig configures outbound status notifications
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// TriggerKind identifies how a trigger is fired
type TriggerKind string

const (
	// KindStartup triggers fire before every server launch.
	KindStartup TriggerKind = "startup"
	// KindWebhook triggers fire when a verified HTTP request arrives.
	KindWebhook TriggerKind = "webhook"
)

// Trigger declares a named event that resynchronizes subscribed destinations
type Trigger struct {
	Kind       TriggerKind `yaml:"type"`
	ListenAddr string      `yaml:"listen_addr"`
	SecretFile string      `yaml:"secret_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.Root = os.ExpandEnv(c.Paths.Root)
	c.Tokens.GitHub = os.ExpandEnv(c.Tokens.GitHub)
	c.Notify.WebhookURL = os.ExpandEnv(c.Notify.WebhookURL)
	for i := range c.Server.Run {
		c.Server.Run[i] = os.ExpandEnv(c.Server.Run[i])
	}
	for name, trigger := range c.Triggers {
		trigger.ListenAddr = os.ExpandEnv(trigger.ListenAddr)
		trigger.SecretFile = os.ExpandEnv(trigger.SecretFile)
		c.Triggers[name] = trigger
	}
	for i := range c.Destinations {
		c.Destinations[i].expandEnv()
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Triggers == nil {
		c.Triggers = make(map[string]Trigger)
	}
	if _, ok := c.Triggers[StartupTrigger]; !ok {
		c.Triggers[StartupTrigger] = Trigger{Kind: KindStartup}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Server.Run) == 0 {
		return fmt.Errorf("server.run requires at least one command")
	}
	for i, command := range c.Server.Run {
		if command == "" {
			return fmt.Errorf("server.run[%d] is empty", i)
		}
	}

	if c.Paths.Root == "" {
		return fmt.Errorf("paths.root is required")
	}
	if !filepath.IsAbs(c.Paths.Root) {
		return fmt.Errorf("paths.root must be an absolute path: %s", c.Paths.Root)
	}

	for name, trigger := range c.Triggers {
		switch trigger.Kind {
		case KindStartup:
			// no extra fields
		case KindWebhook:
			if trigger.ListenAddr == "" {
				return fmt.Errorf("trigger %q: listen_addr is required for webhook triggers", name)
			}
			if trigger.SecretFile == "" {
				return fmt.Errorf("trigger %q: secret_file is required for webhook triggers", name)
			}
		default:
			return fmt.Errorf("trigger %q: unknown type %q (must be startup or webhook)", name, trigger.Kind)
		}
	}

	for _, dest := range c.Destinations {
		if err := dest.validate(c.Triggers); err != nil {
			return err
		}
	}

	// A github entry without a token is guaranteed to fail on every
	// fetch, so reject it up front instead of at trigger time.
	if c.Tokens.GitHub == "" && c.HasGitHubEntries() {
		return fmt.Errorf("tokens.github is required when github source entries are declared")
	}

	return nil
}

// HasGitHubEntries reports whether any destination declares a github source entry
func (c *Config) HasGitHubEntries() bool {
	for _, dest := range c.Destinations {
		for _, src := range dest.Sources {
			for _, entry := range src.Entries {
				if entry.Kind == EntryGitHub {
					return true
				}
			}
		}
	}
	return false
}
