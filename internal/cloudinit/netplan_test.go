package cloudinit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetplanConfig_MgmtOnly(t *testing.T) {
	out := NetplanConfig("52:54:00:00:00:01", "10.0.2.10", nil)

	assert.Contains(t, out, `macaddress: "52:54:00:00:00:01"`)
	assert.Contains(t, out, "set-name: enp0s1")
	assert.Contains(t, out, "- 10.0.2.10/24")
	assert.NotContains(t, out, "lan0")
}

func TestNetplanConfig_WithSharedLAN(t *testing.T) {
	lan := &LANConfig{ClusterIP: "10.10.0.5", MAC: "52:54:00:00:01:05"}
	out := NetplanConfig("52:54:00:00:00:01", "10.0.2.10", lan)

	assert.Contains(t, out, "lan0:")
	assert.Contains(t, out, `macaddress: "52:54:00:00:01:05"`)
	assert.Contains(t, out, "- 10.10.0.5/24")
	assert.Contains(t, out, "set-name: enp0s2")
}

func TestNetSetupScript_MgmtOnly(t *testing.T) {
	out := NetSetupScript("52:54:00:00:00:01", "10.0.2.10", nil)

	assert.Contains(t, out, `PRIMARY_MAC="52:54:00:00:00:01"`)
	assert.Contains(t, out, `ip addr add 10.0.2.10/24 dev "$MGMT_IF"`)
	assert.NotContains(t, out, "LAN_MAC=\"52")
}

func TestNetSetupScript_WithSharedLAN(t *testing.T) {
	lan := &LANConfig{ClusterIP: "10.10.0.5", MAC: "52:54:00:00:01:05"}
	out := NetSetupScript("52:54:00:00:00:01", "10.0.2.10", lan)

	assert.Contains(t, out, `LAN_MAC="52:54:00:00:01:05"`)
	assert.Contains(t, out, `ip addr add 10.10.0.5/24 dev "$LAN_IF"`)
}

func TestRenderHostsFile_AddressesKnownVMsOnly(t *testing.T) {
	names := []string{"k3s-1", "attacker", "unaddressed"}
	addrs := map[string]string{"k3s-1": "10.10.0.1", "attacker": "10.10.0.2"}

	out := RenderHostsFile(names, addrs)

	assert.Contains(t, out, "127.0.0.1 localhost")
	assert.Contains(t, out, "10.10.0.1 k3s-1.intar k3s-1 k3s-server.intar k3s-server")
	assert.Contains(t, out, "10.10.0.2 attacker.intar attacker")
	assert.NotContains(t, out, "unaddressed")
}
