package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"bugline/internal/domain"
)

// Config models bugline.yml.
type Config struct {
	Tracker struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"tracker" json:"tracker"`
	Defaults struct {
		Priority string `yaml:"priority" json:"priority"`
	} `yaml:"defaults" json:"defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tracker.ID == "" {
		return fmt.Errorf("config.tracker.id is required")
	}
	if c.Defaults.Priority != "" && !domain.Priority(c.Defaults.Priority).Valid() {
		return fmt.Errorf("config.defaults.priority must be one of low, medium, high, critical")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event filter entry", i)
			}
		}
	}
	return nil
}

// DefaultPriority returns the configured default priority, falling back to
// medium.
func (c *Config) DefaultPriority() domain.Priority {
	if c != nil && c.Defaults.Priority != "" {
		return domain.Priority(c.Defaults.Priority)
	}
	return domain.PriorityMedium
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bugline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(trackerID string) string {
	return fmt.Sprintf(defaultTemplate, trackerID, trackerID)
}

// Default returns the default Config struct for a tracker.
func Default(trackerID string) *Config {
	var cfg Config
	cfg.Tracker.ID = trackerID
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(trackerID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tracker:
  id: %s
  name: %s

defaults:
  priority: medium

# webhooks:
#   - url: https://example.com/hooks/bugline
#     secret: change-me
#     events: [bug.created, bug.updated, bug.assigned, bug.commented]
#     timeout_seconds: 5
`
