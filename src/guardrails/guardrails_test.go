package guardrails

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowAllPermitsEverything(t *testing.T) {
	var p Policy = AllowAll{}
	for _, cmd := range []string{"", "ls", "rm -rf /", "sudo reboot"} {
		d := p.Check(cmd)
		assert.False(t, d.Blocked)
		assert.False(t, d.RequiresApproval)
	}
}
