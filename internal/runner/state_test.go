package runner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunState_SaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state := RunState{
		ScenarioName: "k3s-lab",
		VMs: []VMInfo{
			{Name: "k3s-1", SSHPort: 2201, Image: "ubuntu-22.04"},
			{Name: "attacker", SSHPort: 2202, Image: "kali"},
		},
	}

	require.NoError(t, state.Save(path))

	loaded, err := LoadRunState(path)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestLoadRunState_MissingFileErrors(t *testing.T) {
	_, err := LoadRunState(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}
