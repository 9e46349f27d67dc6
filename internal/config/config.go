// Package config loads and validates the project configuration: the agent
// set, relay list, storage path, and LLM/tool policy defaults the rest of
// the engine reads at startup. A struct-of-structs shape, trimmed to the
// sections this engine actually uses.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexuscore/nexuscore/internal/core"
)

// ProjectConfig identifies the project and its event-bus relays.
type ProjectConfig struct {
	Slug           string   `yaml:"slug"`
	Relays         []string `yaml:"relays"`
	PrimaryAgent   string   `yaml:"primary_agent"`
	OrchestratorID string   `yaml:"orchestrator_agent"`
}

// AgentConfig is one agent's YAML fragment.
type AgentConfig struct {
	Slug          string            `yaml:"slug"`
	Name          string            `yaml:"name"`
	Role          string            `yaml:"role"`
	Instructions  string            `yaml:"instructions"`
	ToolAllow     []string          `yaml:"tool_allow"`
	LLMConfigName string            `yaml:"llm_config_name"`
	Phases        map[string]string `yaml:"phases"`
	MCPServers    []string          `yaml:"mcp_servers"`
	Category      string            `yaml:"category"`
	MaxAgentSteps int               `yaml:"max_agent_steps"`
	Preempt       bool              `yaml:"preempt"`
	NSec          string            `yaml:"nsec_env"` // name of env var carrying the agent's nsec/hex secret
}

// StorageConfig points at the conversation store backend.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Config is the root project configuration, loaded from YAML with an env
// var overlay, following internal/config/loader.go's load-then-validate-
// then-default pipeline.
type Config struct {
	Project              ProjectConfig     `yaml:"project"`
	Agents               []AgentConfig     `yaml:"agents"`
	Storage              StorageConfig     `yaml:"storage"`
	LLMDefaults          map[string]string `yaml:"llm_defaults"`
	ToolDeniesByCategory map[string][]string `yaml:"tool_denies_by_category"`
	HomeBasePath         string            `yaml:"home_base_path"`
	FlushIntervalMS      int               `yaml:"flush_interval_ms"`
}

// ConfigError is the typed, wrapping validation error, following the
// teacher's channels.ErrConfig pattern.
type ConfigError struct {
	Field string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config: invalid %s: %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("config: invalid %s", e.Field)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Load reads YAML from path, applies environment overrides, defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "reading config file %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.Wrap(core.ErrTypeValidation, err, "parsing config yaml")
	}
	cfg.applyEnvOverlay()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverlay overlays a handful of env vars onto YAML defaults,
// mirroring internal/config/loader.go's overlay step.
func (c *Config) applyEnvOverlay() {
	if v := os.Getenv("TENEX_HOME_BASE_PATH"); v != "" {
		c.HomeBasePath = v
	}
	if v := os.Getenv("TENEX_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("TENEX_RELAYS"); v != "" {
		c.Project.Relays = strings.Split(v, ",")
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "tenex.db"
	}
	if c.HomeBasePath == "" {
		c.HomeBasePath = "./agent-homes"
	}
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = 500
	}
	if c.LLMDefaults == nil {
		c.LLMDefaults = map[string]string{}
	}
	for i := range c.Agents {
		if c.Agents[i].Role == "" {
			c.Agents[i].Role = "worker"
		}
	}
}

// Validate checks structural invariants, returning a *ConfigError on the
// first failure.
func (c *Config) Validate() error {
	if c.Project.Slug == "" {
		return &ConfigError{Field: "project.slug", Cause: fmt.Errorf("must not be empty")}
	}
	if len(c.Project.Relays) == 0 {
		return &ConfigError{Field: "project.relays", Cause: fmt.Errorf("at least one relay is required")}
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.Slug == "" {
			return &ConfigError{Field: "agents[].slug", Cause: fmt.Errorf("must not be empty")}
		}
		if seen[a.Slug] {
			return &ConfigError{Field: "agents[].slug", Cause: fmt.Errorf("duplicate slug %q", a.Slug)}
		}
		seen[a.Slug] = true
		switch core.AgentRole(a.Role) {
		case core.RolePrincipal, core.RoleOrchestrator, core.RoleWorker, core.RoleAdvisor, core.RoleAuditor:
		default:
			return &ConfigError{Field: "agents[].role", Cause: fmt.Errorf("unknown role %q for agent %q", a.Role, a.Slug)}
		}
	}
	if c.Project.PrimaryAgent != "" && !seen[c.Project.PrimaryAgent] {
		return &ConfigError{Field: "project.primary_agent", Cause: fmt.Errorf("references unknown agent %q", c.Project.PrimaryAgent)}
	}
	return nil
}

// ToAgentDefinition converts a loaded AgentConfig into the runtime
// core.AgentDefinition shape.
func (a AgentConfig) ToAgentDefinition() core.AgentDefinition {
	phases := map[core.Phase]string{}
	for k, v := range a.Phases {
		phases[core.Phase(strings.ToLower(k))] = v
	}
	return core.AgentDefinition{
		Slug:          a.Slug,
		Name:          a.Name,
		Role:          core.AgentRole(a.Role),
		Instructions:  a.Instructions,
		ToolAllow:     a.ToolAllow,
		LLMConfigName: a.LLMConfigName,
		Phases:        phases,
		MCPServers:    a.MCPServers,
		Category:      a.Category,
		MaxAgentSteps: a.MaxAgentSteps,
		Preempt:       a.Preempt,
	}
}
