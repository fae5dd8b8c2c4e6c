package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InstancesVersion is the supported instances file version.
const InstancesVersion = "v1"

const (
	BackendOllama = "ollama"
	BackendClaude = "claude"
)

// InstanceConfig describes one configured vision endpoint and its optional
// text elaboration endpoint.
type InstanceConfig struct {
	ID      string
	Name    string
	Backend string

	Host      string
	Port      int
	Model     string
	KeepAlive int

	// TextHost enables text elaboration when non-empty.
	TextHost      string
	TextPort      int
	TextModel     string
	TextKeepAlive int

	Stream  bool
	Timeout time.Duration

	ClaudeAPIKey string
	ClaudeModel  string
}

// TextEnabled reports whether the text elaboration endpoint is configured.
func (c InstanceConfig) TextEnabled() bool {
	return c.TextHost != ""
}

func (c InstanceConfig) Validate() error {
	if c.ID == "" {
		return errors.New("instance id is required")
	}
	switch c.Backend {
	case BackendOllama:
		if c.Host == "" {
			return fmt.Errorf("instance %q: host is required", c.ID)
		}
		if err := validatePort(c.Port); err != nil {
			return fmt.Errorf("instance %q: %w", c.ID, err)
		}
		if c.TextEnabled() {
			if err := validatePort(c.TextPort); err != nil {
				return fmt.Errorf("instance %q: text %w", c.ID, err)
			}
			if c.TextModel == "" {
				return fmt.Errorf("instance %q: text model is required when text host is set", c.ID)
			}
		}
	case BackendClaude:
		if c.ClaudeAPIKey == "" {
			return fmt.Errorf("instance %q: claude api key is required", c.ID)
		}
	default:
		return fmt.Errorf("instance %q: unknown backend %q", c.ID, c.Backend)
	}
	if c.Model == "" {
		return fmt.Errorf("instance %q: model is required", c.ID)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

type instancesFile struct {
	Version   string          `yaml:"version"`
	Instances []instanceEntry `yaml:"instances"`
}

type instanceEntry struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Backend       string         `yaml:"backend"`
	Host          string         `yaml:"host"`
	Port          *int           `yaml:"port"`
	Model         string         `yaml:"model"`
	KeepAlive     *int           `yaml:"keep_alive"`
	TextHost      string         `yaml:"text_host"`
	TextPort      *int           `yaml:"text_port"`
	TextModel     string         `yaml:"text_model"`
	TextKeepAlive *int           `yaml:"text_keep_alive"`
	Stream        *bool          `yaml:"stream"`
	Timeout       *time.Duration `yaml:"timeout"`
	ClaudeAPIKey  string         `yaml:"claude_api_key"`
	ClaudeModel   string         `yaml:"claude_model"`
}

// LoadInstances reads a YAML instances file. Omitted fields take the package
// defaults; defaultTimeout applies to entries without a timeout.
func LoadInstances(path string, defaultTimeout time.Duration) ([]InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instances file: %w", err)
	}
	return ParseInstances(data, defaultTimeout)
}

func ParseInstances(data []byte, defaultTimeout time.Duration) ([]InstanceConfig, error) {
	var file instancesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instances file: %w", err)
	}

	switch file.Version {
	case InstancesVersion:
	case "":
		return nil, fmt.Errorf("instances file missing 'version' field (expected: %s)", InstancesVersion)
	default:
		return nil, fmt.Errorf("unsupported instances file version %q (supported: %s)", file.Version, InstancesVersion)
	}

	if len(file.Instances) == 0 {
		return nil, errors.New("instances file defines no instances")
	}

	seen := make(map[string]bool, len(file.Instances))
	out := make([]InstanceConfig, 0, len(file.Instances))
	for i, entry := range file.Instances {
		inst := entry.resolve(i, defaultTimeout)
		if seen[inst.ID] {
			return nil, fmt.Errorf("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true
		if err := inst.Validate(); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (e instanceEntry) resolve(index int, defaultTimeout time.Duration) InstanceConfig {
	inst := InstanceConfig{
		ID:            e.ID,
		Name:          e.Name,
		Backend:       strings.ToLower(e.Backend),
		Host:          e.Host,
		Port:          intOr(e.Port, DefaultPort),
		Model:         e.Model,
		KeepAlive:     intOr(e.KeepAlive, DefaultKeepAlive),
		TextHost:      e.TextHost,
		TextPort:      intOr(e.TextPort, DefaultPort),
		TextModel:     e.TextModel,
		TextKeepAlive: intOr(e.TextKeepAlive, DefaultKeepAlive),
		Stream:        e.Stream == nil || *e.Stream,
		Timeout:       defaultTimeout,
		ClaudeAPIKey:  e.ClaudeAPIKey,
		ClaudeModel:   e.ClaudeModel,
	}
	if e.Timeout != nil && *e.Timeout > 0 {
		inst.Timeout = *e.Timeout
	}
	if inst.Backend == "" {
		inst.Backend = BackendOllama
	}
	if inst.Name == "" {
		inst.Name = inst.Host
	}
	if inst.ID == "" {
		inst.ID = Slug(inst.Name)
	}
	if inst.ID == "" {
		inst.ID = fmt.Sprintf("instance_%d", index+1)
	}
	if inst.Backend == BackendClaude {
		if inst.ClaudeModel == "" {
			inst.ClaudeModel = DefaultClaudeModel
		}
		if inst.Model == "" {
			inst.Model = inst.ClaudeModel
		}
	}
	if inst.Backend == BackendOllama && inst.Model == "" {
		inst.Model = DefaultVisionModel
	}
	if inst.TextEnabled() && inst.TextModel == "" {
		inst.TextModel = DefaultTextModel
	}
	return inst
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// Slug lowercases s and replaces every run of characters outside [a-z0-9]
// with a single underscore.
func Slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
