package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/config"
	"github.com/nexuscore/nexuscore/internal/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "project.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndConvertsAgents(t *testing.T) {
	path := writeConfig(t, `
project:
  slug: demo
  relays: ["wss://relay.example"]
agents:
  - slug: orchestrator
    role: orchestrator
    tool_allow: ["*"]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "tenex.db", cfg.Storage.SQLitePath)
	require.Equal(t, "./agent-homes", cfg.HomeBasePath)
	require.Equal(t, 500, cfg.FlushIntervalMS)
	require.Len(t, cfg.Agents, 1)

	def := cfg.Agents[0].ToAgentDefinition()
	require.Equal(t, "orchestrator", def.Slug)
	require.Equal(t, core.RoleOrchestrator, def.Role)
	require.Equal(t, []string{"*"}, def.ToolAllow)
}

func TestLoad_DefaultsMissingAgentRoleToWorker(t *testing.T) {
	path := writeConfig(t, `
project:
  slug: demo
  relays: ["wss://relay.example"]
agents:
  - slug: helper
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "worker", cfg.Agents[0].Role)
}

func TestValidate_RejectsMissingSlugAndDuplicateSlugs(t *testing.T) {
	noSlug := &config.Config{Project: config.ProjectConfig{Relays: []string{"wss://r"}}}
	require.Error(t, noSlug.Validate())

	dup := &config.Config{
		Project: config.ProjectConfig{Slug: "demo", Relays: []string{"wss://r"}},
		Agents: []config.AgentConfig{
			{Slug: "a", Role: "worker"},
			{Slug: "a", Role: "worker"},
		},
	}
	err := dup.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate slug")
}

func TestValidate_RejectsUnknownRoleAndUnknownPrimaryAgent(t *testing.T) {
	badRole := &config.Config{
		Project: config.ProjectConfig{Slug: "demo", Relays: []string{"wss://r"}},
		Agents:  []config.AgentConfig{{Slug: "a", Role: "wizard"}},
	}
	require.Error(t, badRole.Validate())

	badPrimary := &config.Config{
		Project: config.ProjectConfig{Slug: "demo", Relays: []string{"wss://r"}, PrimaryAgent: "missing"},
		Agents:  []config.AgentConfig{{Slug: "a", Role: "worker"}},
	}
	require.Error(t, badPrimary.Validate())
}

func TestLoad_EnvOverlayWinsOverYAML(t *testing.T) {
	path := writeConfig(t, `
project:
  slug: demo
  relays: ["wss://relay.example"]
storage:
  sqlite_path: from-yaml.db
`)
	t.Setenv("TENEX_SQLITE_PATH", "from-env.db")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env.db", cfg.Storage.SQLitePath)
}
