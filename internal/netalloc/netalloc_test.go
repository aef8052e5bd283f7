package netalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFreePort_ReturnsUsablePort(t *testing.T) {
	port, err := FindFreePort()
	require.NoError(t, err)
	assert.NotZero(t, port)
}

func TestFindFreePorts_ReturnsDistinctPorts(t *testing.T) {
	ports, err := FindFreePorts(4)
	require.NoError(t, err)
	require.Len(t, ports, 4)

	seen := make(map[uint16]bool, len(ports))
	for _, p := range ports {
		assert.False(t, seen[p], "port %d returned twice", p)
		seen[p] = true
	}
}

func TestMgmtIP_IsDeterministicByIndex(t *testing.T) {
	ip, err := MgmtIP(0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.2.100", ip)

	ip, err = MgmtIP(5)
	require.NoError(t, err)
	assert.Equal(t, "10.0.2.105", ip)
}

func TestMgmtIP_RejectsOutOfRangeIndex(t *testing.T) {
	_, err := MgmtIP(-1)
	require.Error(t, err)

	_, err = MgmtIP(MaxVMs)
	require.Error(t, err)
}

func TestSharedLANIP_IsDeterministicByIndex(t *testing.T) {
	ip, err := SharedLANIP(0)
	require.NoError(t, err)
	assert.Equal(t, "10.11.0.10", ip)
}

func TestAssignSharedLANIPs_PreservesDeclarationOrder(t *testing.T) {
	ips, err := AssignSharedLANIPs([]string{"k3s-1", "k3s-2", "attacker"})
	require.NoError(t, err)

	assert.Equal(t, "10.11.0.10", ips["k3s-1"])
	assert.Equal(t, "10.11.0.11", ips["k3s-2"])
	assert.Equal(t, "10.11.0.12", ips["attacker"])
}

func TestGenerateMACs_AreStableAndDistinctPerIndex(t *testing.T) {
	first, err := GenerateMACs(0)
	require.NoError(t, err)
	second, err := GenerateMACs(1)
	require.NoError(t, err)

	assert.NotEqual(t, first.Primary, second.Primary)
	assert.NotEqual(t, first.LAN, second.LAN)
	assert.NotEqual(t, first.Primary, first.LAN)

	again, err := GenerateMACs(0)
	require.NoError(t, err)
	assert.Equal(t, first, again, "addressing must reproduce identically across runs for the same index")
}
