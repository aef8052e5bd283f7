package cloudinit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intar-labs/intar/internal/scenario"
)

func TestApplyVMSteps_VisibleStepGetsRuncmdAndLoggedScript(t *testing.T) {
	config := &scenario.CloudInitSpec{}
	steps := []scenario.VMStep{
		{
			Name: "Install Tooling",
			Actions: []scenario.VMAction{
				{Kind: scenario.ActionCommand, Cmd: "apt-get install -y curl"},
			},
		},
	}

	err := ApplyVMSteps("victim", steps, config)
	require.NoError(t, err)

	require.Len(t, config.WriteFiles, 1)
	wf := config.WriteFiles[0]
	assert.Equal(t, "/usr/local/bin/intar-step-victim-install-tooling.sh", wf.Path)
	assert.Equal(t, "0755", wf.Permissions)
	assert.Contains(t, wf.Content, "apt-get install -y curl")
	assert.Contains(t, wf.Content, "LOG_DIR=/var/log/intar")

	assert.Contains(t, config.Runcmd, "cloud-init-per once intar-step-victim-install-tooling")
	assert.Contains(t, config.Runcmd, wf.Path)
}

func TestApplyVMSteps_BreakStepIsHiddenAndSelfDeletes(t *testing.T) {
	config := &scenario.CloudInitSpec{}
	steps := []scenario.VMStep{
		{
			Name: "break-dns",
			Actions: []scenario.VMAction{
				{Kind: scenario.ActionSystemctl, Unit: "systemd-resolved", SystemctlAction: scenario.SystemctlStop},
			},
		},
	}

	err := ApplyVMSteps("victim", steps, config)
	require.NoError(t, err)

	require.Len(t, config.WriteFiles, 1)
	wf := config.WriteFiles[0]
	assert.Equal(t, "/run/intar-step-victim-break-dns.sh", wf.Path)
	assert.Contains(t, wf.Content, "trap 'rm -f -- \"$0\"' EXIT")
	assert.Contains(t, wf.Content, "systemctl stop 'systemd-resolved'")

	assert.Contains(t, config.Runcmd, "bash "+wf.Path)
	assert.NotContains(t, config.Runcmd, "cloud-init-per once")
}

func TestApplyVMSteps_PreservesExistingRuncmd(t *testing.T) {
	config := &scenario.CloudInitSpec{Runcmd: "echo first\n"}
	steps := []scenario.VMStep{
		{Name: "second", Actions: []scenario.VMAction{{Kind: scenario.ActionFileDelete, Path: "/tmp/x"}}},
	}

	err := ApplyVMSteps("victim", steps, config)
	require.NoError(t, err)

	assert.Contains(t, config.Runcmd, "echo first")
	assert.Contains(t, config.Runcmd, "intar-step-victim-second")
}

func TestApplyVMSteps_NoStepsLeavesConfigUntouched(t *testing.T) {
	config := &scenario.CloudInitSpec{Runcmd: "echo unchanged\n"}
	err := ApplyVMSteps("victim", nil, config)
	require.NoError(t, err)
	assert.Empty(t, config.WriteFiles)
	assert.Equal(t, "echo unchanged\n", config.Runcmd)
}

func TestApplyVMSteps_UnknownActionKindErrors(t *testing.T) {
	config := &scenario.CloudInitSpec{}
	steps := []scenario.VMStep{
		{Name: "bogus", Actions: []scenario.VMAction{{Kind: scenario.VMActionKind("not_real")}}},
	}
	err := ApplyVMSteps("victim", steps, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action kind")
}

func TestApplyVMSteps_K8sNamespaceRendersManifest(t *testing.T) {
	config := &scenario.CloudInitSpec{}
	steps := []scenario.VMStep{
		{
			Name: "namespace",
			Actions: []scenario.VMAction{
				{Kind: scenario.ActionK8sNamespace, K8sName: "lab"},
			},
		},
	}

	err := ApplyVMSteps("k3s-1", steps, config)
	require.NoError(t, err)

	require.Len(t, config.WriteFiles, 1)
	assert.Contains(t, config.WriteFiles[0].Content, `"kind": "Namespace"`)
	assert.Contains(t, config.WriteFiles[0].Content, `"name": "lab"`)
	assert.Contains(t, config.WriteFiles[0].Content, "kubectl apply -f -")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "install-tooling", slugify("Install Tooling"))
	assert.Equal(t, "break-dns", slugify("break-dns"))
	assert.Equal(t, "step", slugify("!!!"))
}

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
