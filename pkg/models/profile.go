package models

import "time"

// DriverKind selects the execution driver for an agent.
type DriverKind string

// Supported drivers.
const (
	DriverClaude DriverKind = "claude"
	DriverCodex  DriverKind = "codex"
	DriverAPI    DriverKind = "api"
)

// ValidDriverKind reports whether d is a known driver.
func ValidDriverKind(d string) bool {
	switch DriverKind(d) {
	case DriverClaude, DriverCodex, DriverAPI:
		return true
	}
	return false
}

// SandboxMode selects where agent tools execute.
type SandboxMode string

// Sandbox modes.
const (
	SandboxNone      SandboxMode = "none"
	SandboxContainer SandboxMode = "container"
)

// SandboxConfig controls container isolation for agent execution.
type SandboxConfig struct {
	Mode                    SandboxMode `json:"mode" yaml:"mode"`
	Image                   string      `json:"image,omitempty" yaml:"image,omitempty"`
	NetworkAllowlistEnabled bool        `json:"network_allowlist_enabled,omitempty" yaml:"network_allowlist_enabled,omitempty"`
	NetworkAllowedHosts     []string    `json:"network_allowed_hosts,omitempty" yaml:"network_allowed_hosts,omitempty"`
}

// AgentConfig is the per-agent slice of a profile. Sandbox and ProfileName
// are inherited from the owning profile at resolution time.
type AgentConfig struct {
	Driver      DriverKind     `json:"driver" yaml:"driver"`
	Model       string         `json:"model,omitempty" yaml:"model,omitempty"`
	Options     map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Sandbox     *SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	ProfileName string         `json:"profile_name,omitempty" yaml:"-"`
}

// Profile is a declarative configuration bundle for workflow invocations.
// Exactly one profile is active at any time.
type Profile struct {
	ID                  string `json:"id"`
	Name                string `json:"name" yaml:"name"`
	Tracker             string `json:"tracker" yaml:"tracker"`
	WorkingDir          string `json:"working_dir" yaml:"working_dir"`
	PlanOutput          string `json:"plan_output" yaml:"plan_output"`
	MaxReviewIterations int    `json:"max_review_iterations" yaml:"max_review_iterations"`

	Agents  map[string]AgentConfig `json:"agents" yaml:"agents"`
	Sandbox SandboxConfig          `json:"sandbox" yaml:"sandbox"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentFor resolves the configuration for a named agent, applying profile
// inheritance (sandbox, profile name) and falling back to the "default"
// agent entry when the name has no dedicated block.
func (p *Profile) AgentFor(name string) AgentConfig {
	cfg, ok := p.Agents[name]
	if !ok {
		cfg = p.Agents["default"]
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverClaude
	}
	if cfg.Sandbox == nil {
		sb := p.Sandbox
		cfg.Sandbox = &sb
	}
	cfg.ProfileName = p.Name
	return cfg
}
