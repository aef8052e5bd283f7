package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intar-labs/intar/internal/paths"
	"github.com/intar-labs/intar/internal/qemu"
	"github.com/intar-labs/intar/internal/scenario"
)

func TestGetSSHCommand_UnknownVMErrors(t *testing.T) {
	r := &ScenarioRunner{vms: map[string]*vmRecord{}}
	_, err := r.GetSSHCommand("ghost")
	require.Error(t, err)
}

func TestGetSSHCommand_FormatsConnectionString(t *testing.T) {
	run := paths.NewRun(t.TempDir())
	r := &ScenarioRunner{
		run: run,
		vms: map[string]*vmRecord{
			"victim": {instance: &qemu.Instance{SSHPort: 2222}},
		},
	}

	cmd, err := r.GetSSHCommand("victim")
	require.NoError(t, err)
	assert.Contains(t, cmd, "-p 2222")
	assert.Contains(t, cmd, run.SSHPrivateKey())
}

func TestAllScenarioVMNames_ReturnsDeclarationOrder(t *testing.T) {
	r := &ScenarioRunner{
		sc: scenario.Scenario{VMs: []scenario.VMDefinition{
			{Name: "k3s-1"}, {Name: "k3s-2"}, {Name: "attacker"},
		}},
	}

	assert.Equal(t, []string{"k3s-1", "k3s-2", "attacker"}, r.allScenarioVMNames(""))
}

func TestState_ReflectsInitialization(t *testing.T) {
	r := &ScenarioRunner{state: ScenarioInitializing}
	assert.Equal(t, ScenarioInitializing, r.State())
}
