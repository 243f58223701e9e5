package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowlistScript(t *testing.T) {
	script := AllowlistScript([]string{"api.anthropic.com", "  ", "github.com"})

	assert.True(t, strings.HasSuffix(script, "iptables -A OUTPUT -j DROP\n"), "default rule must be last")
	assert.Contains(t, script, `"api.anthropic.com"`)
	assert.Contains(t, script, `"github.com"`)
	assert.Contains(t, script, "host.docker.internal")
	assert.Contains(t, script, "--dport 53")
	assert.Contains(t, script, "ESTABLISHED,RELATED")

	// Blank entries render no resolution loop of their own.
	assert.Equal(t, 3, strings.Count(script, "getent ahostsv4"))
}
