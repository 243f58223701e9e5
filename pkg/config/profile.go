package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/amelia-dev/amelia/pkg/models"
)

// DefaultProfile returns the built-in profile baseline. User-defined YAML
// overrides it field by field.
func DefaultProfile() models.Profile {
	return models.Profile{
		Tracker:             "noop",
		PlanOutput:          "plans",
		MaxReviewIterations: 3,
		Agents: map[string]models.AgentConfig{
			"default": {Driver: models.DriverClaude},
		},
		Sandbox: models.SandboxConfig{Mode: models.SandboxNone},
	}
}

// LoadProfile parses a profile YAML file and fills unset fields from the
// built-in defaults.
func LoadProfile(path string) (*models.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses profile YAML and applies defaults and validation.
func ParseProfile(data []byte) (*models.Profile, error) {
	var p models.Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	defaults := DefaultProfile()
	if err := mergo.Merge(&p, defaults); err != nil {
		return nil, fmt.Errorf("apply profile defaults: %w", err)
	}

	if err := validateProfile(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validateProfile(p *models.Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile: name is required")
	}
	if p.WorkingDir == "" {
		return fmt.Errorf("profile %s: working_dir is required", p.Name)
	}
	for agent, cfg := range p.Agents {
		if cfg.Driver != "" && !models.ValidDriverKind(string(cfg.Driver)) {
			return fmt.Errorf("profile %s: agent %s has unknown driver %q", p.Name, agent, cfg.Driver)
		}
	}
	switch p.Sandbox.Mode {
	case "", models.SandboxNone, models.SandboxContainer:
	default:
		return fmt.Errorf("profile %s: unknown sandbox mode %q", p.Name, p.Sandbox.Mode)
	}
	return nil
}
