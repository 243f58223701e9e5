package agents

import (
	"fmt"
	"os"

	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/models"
)

// NewDriver builds the execution driver for one agent from its resolved
// profile configuration. sb is the sandbox for container mode and may be
// nil when the profile runs unsandboxed.
func NewDriver(cfg models.AgentConfig, sb driver.Sandbox) (driver.Driver, error) {
	if cfg.Sandbox != nil && cfg.Sandbox.Mode == models.SandboxContainer {
		if sb == nil {
			return nil, fmt.Errorf("agent requires sandbox mode %q but no sandbox is available", models.SandboxContainer)
		}
		return driver.NewContainerDriver(sb, string(cfg.Driver), cfg.Model), nil
	}

	switch cfg.Driver {
	case models.DriverClaude:
		return driver.NewClaudeDriver(stringOption(cfg.Options, "bin"), cfg.Model), nil
	case models.DriverCodex:
		return driver.NewCodexDriver(stringOption(cfg.Options, "bin"), cfg.Model), nil
	case models.DriverAPI:
		key := stringOption(cfg.Options, "api_key")
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return driver.NewAPIDriver(key, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func stringOption(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}
