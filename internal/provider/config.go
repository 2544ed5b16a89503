package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

// Config is one named SMS provider account.
type Config struct {
	Name         string            `json:"name"`
	TemplateName string            `json:"templateName"`
	MaxRetries   int               `json:"maxRetries"`
	Props        map[string]string `json:"props"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: config name is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(c.TemplateName) == "" {
		return fmt.Errorf("%w: config %s: templateName is required", domain.ErrConfiguration, c.Name)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: config %s: maxRetries must be >= 0", domain.ErrConfiguration, c.Name)
	}
	return nil
}

// Configs is the read-only provider config set with an optional default.
type Configs struct {
	defaultName string
	configs     map[string]*Config
}

type configsFile struct {
	DefaultConfig string   `json:"defaultConfig"`
	Configs       []Config `json:"configs"`
}

func NewConfigs(defaultName string, configs []Config) (*Configs, error) {
	c := &Configs{
		defaultName: strings.TrimSpace(defaultName),
		configs:     make(map[string]*Config, len(configs)),
	}

	for i := range configs {
		cfg := configs[i]
		cfg.Name = strings.TrimSpace(cfg.Name)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.configs[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate config %q", domain.ErrConfiguration, cfg.Name)
		}
		if cfg.Props == nil {
			cfg.Props = map[string]string{}
		}
		c.configs[cfg.Name] = &cfg
	}

	if c.defaultName == "" && len(configs) == 1 {
		c.defaultName = strings.TrimSpace(configs[0].Name)
	}
	if c.defaultName != "" {
		if _, ok := c.configs[c.defaultName]; !ok {
			return nil, fmt.Errorf("%w: default config %q is not defined", domain.ErrConfiguration, c.defaultName)
		}
	}

	return c, nil
}

// LoadConfigsFile reads {"defaultConfig": "...", "configs": [...]}.
func LoadConfigsFile(path string) (*Configs, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider configs file: %w", err)
	}

	var file configsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: invalid provider configs file %s: %v", domain.ErrConfiguration, path, err)
	}
	return NewConfigs(file.DefaultConfig, file.Configs)
}

// Config resolves name, falling back to the default config when name is empty.
func (c *Configs) Config(name string) (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: provider configs are not initialized", domain.ErrConfiguration)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		if c.defaultName == "" {
			return nil, fmt.Errorf("%w: no config given and no default config defined", domain.ErrConfiguration)
		}
		name = c.defaultName
	}

	cfg, ok := c.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown config %q", domain.ErrConfiguration, name)
	}
	return cfg, nil
}

func (c *Configs) DefaultName() string {
	if c == nil {
		return ""
	}
	return c.defaultName
}

// Names lists the configured provider names in sorted order.
func (c *Configs) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.configs))
	for name := range c.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
