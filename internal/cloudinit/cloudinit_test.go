package cloudinit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intar-labs/intar/internal/scenario"
)

func TestGenerateUserData_IncludesAgentAndScenarioFiles(t *testing.T) {
	gen := NewGenerator("ssh-ed25519 AAAA test@intar", []byte("fake agent binary"))

	def := scenario.VMDefinition{
		Name: "victim",
		CloudInit: &scenario.CloudInitSpec{
			Packages: []string{"curl", "jq"},
			Runcmd:   "echo hello\n",
			WriteFiles: []scenario.WriteFile{
				{Path: "/etc/motd", Content: "welcome\n"},
			},
		},
	}

	out, err := gen.GenerateUserData(def)
	require.NoError(t, err)

	assert.Contains(t, out, "#cloud-config")
	assert.Contains(t, out, "ssh-ed25519 AAAA test@intar")
	assert.Contains(t, out, "/usr/local/bin/intar-agent")
	assert.Contains(t, out, "encoding: b64")
	assert.Contains(t, out, "/usr/local/bin/intar-shell")
	assert.Contains(t, out, "  - curl")
	assert.Contains(t, out, "  - jq")
	assert.Contains(t, out, "/etc/motd")
	assert.Contains(t, out, `"echo hello"`)
	assert.Contains(t, out, "systemctl enable --now intar-agent.service")
	assert.Contains(t, out, "systemctl mask apt-daily.service || true")
}

func TestGenerateUserData_NoCloudInitSpecStillRendersBoilerplate(t *testing.T) {
	gen := NewGenerator("ssh-ed25519 AAAA test@intar", nil)
	out, err := gen.GenerateUserData(scenario.VMDefinition{Name: "bare"})
	require.NoError(t, err)
	assert.Contains(t, out, "#cloud-config")
	assert.Contains(t, out, "users:\n  - name: intar\n")
}

func TestGenerateMetaData_InstanceIDIsFreshEachCall(t *testing.T) {
	gen := NewGenerator("key", nil)

	first := gen.GenerateMetaData("victim")
	second := gen.GenerateMetaData("victim")

	assert.Contains(t, first, "local-hostname: victim")
	assert.NotEqual(t, first, second, "instance-id must differ across renders so a reused VM name still looks like a new instance")
}
