package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentFor(t *testing.T) {
	p := &Profile{
		Name:    "prod",
		Sandbox: SandboxConfig{Mode: SandboxContainer, Image: "amelia-sandbox:1"},
		Agents: map[string]AgentConfig{
			"default":   {Driver: DriverClaude, Model: "base-model"},
			"architect": {Driver: DriverAPI, Model: "planner-model"},
			"developer": {Sandbox: &SandboxConfig{Mode: SandboxNone}},
		},
	}

	t.Run("dedicated block wins", func(t *testing.T) {
		cfg := p.AgentFor("architect")
		assert.Equal(t, DriverAPI, cfg.Driver)
		assert.Equal(t, "planner-model", cfg.Model)
	})

	t.Run("unknown agent falls back to default", func(t *testing.T) {
		cfg := p.AgentFor("reviewer")
		assert.Equal(t, DriverClaude, cfg.Driver)
		assert.Equal(t, "base-model", cfg.Model)
	})

	t.Run("empty driver defaults to claude", func(t *testing.T) {
		cfg := p.AgentFor("developer")
		assert.Equal(t, DriverClaude, cfg.Driver)
	})

	t.Run("sandbox inherited from the profile", func(t *testing.T) {
		cfg := p.AgentFor("architect")
		require.NotNil(t, cfg.Sandbox)
		assert.Equal(t, SandboxContainer, cfg.Sandbox.Mode)
		assert.Equal(t, "amelia-sandbox:1", cfg.Sandbox.Image)
	})

	t.Run("agent sandbox overrides the profile", func(t *testing.T) {
		cfg := p.AgentFor("developer")
		require.NotNil(t, cfg.Sandbox)
		assert.Equal(t, SandboxNone, cfg.Sandbox.Mode)
	})

	t.Run("profile name stamped on every resolution", func(t *testing.T) {
		assert.Equal(t, "prod", p.AgentFor("architect").ProfileName)
		assert.Equal(t, "prod", p.AgentFor("missing").ProfileName)
	})

	t.Run("inherited sandbox is a copy", func(t *testing.T) {
		cfg := p.AgentFor("architect")
		cfg.Sandbox.Image = "mutated"
		assert.Equal(t, "amelia-sandbox:1", p.Sandbox.Image)
	})
}

func TestValidDriverKind(t *testing.T) {
	assert.True(t, ValidDriverKind("claude"))
	assert.True(t, ValidDriverKind("codex"))
	assert.True(t, ValidDriverKind("api"))
	assert.False(t, ValidDriverKind(""))
	assert.False(t, ValidDriverKind("gemini"))
}
