package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models skyplan.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Backend struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"backend"`
	Commit struct {
		DefaultLockLevel string `yaml:"default_lock_level"`
	} `yaml:"commit"`
	Planning struct {
		DefaultPolicy string `yaml:"default_policy"`
	} `yaml:"planning"`
	Inbox struct {
		PriorityMin    int `yaml:"priority_min"`
		DueWithinHours int `yaml:"due_within_hours"`
	} `yaml:"inbox"`
	API struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
}

var lockLevels = map[string]bool{"none": true, "soft": true, "hard": true}

// ValidLockLevel reports whether s is a recognized lock level.
func ValidLockLevel(s string) bool {
	return lockLevels[s]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config.backend.base_url is required")
	}
	if c.Commit.DefaultLockLevel != "" && !ValidLockLevel(c.Commit.DefaultLockLevel) {
		return fmt.Errorf("config.commit.default_lock_level must be none, soft or hard")
	}
	if c.Inbox.PriorityMin < 0 || c.Inbox.PriorityMin > 5 {
		return fmt.Errorf("config.inbox.priority_min must be 0..5")
	}
	if c.Inbox.DueWithinHours < 0 {
		return fmt.Errorf("config.inbox.due_within_hours must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "skyplan.yml")
}

// Load reads and validates config from the workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with sky config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config for a workspace id.
func Default(workspaceID, baseURL string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(workspaceID, baseURL)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID, baseURL string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID, baseURL)
}

const defaultTemplate = `workspace:
  id: %s

backend:
  base_url: %s
  token: ""

commit:
  default_lock_level: none

planning:
  default_policy: ""

inbox:
  priority_min: 0
  due_within_hours: 0

api:
  jwt_secret: ""
`
