package cloudinit

import (
	"fmt"
	"strings"
)

const netSetupScriptPrefix = `#!/usr/bin/env bash
set -euo pipefail

iface_for_mac() {
  local mac="$1"
  for p in /sys/class/net/*; do
    local name addr
    name="$(basename "$p")"
    addr="$(cat "$p/address" 2>/dev/null || true)"
    if [ "$addr" = "$mac" ]; then
      echo "$name"
      return 0
    fi
  done
  return 1
}

`

const netSetupScriptRenameAndFallbacks = `
# Fallbacks if names aren't ready yet.
[ -z "$MGMT_IF" ] && MGMT_IF="enp0s1"
[ -n "$LAN_MAC" ] && [ -z "$LAN_IF" ] && LAN_IF="enp0s2"

exists_if() { [ -d "/sys/class/net/$1" ]; }

# Ensure stable names for scenario scripts.
TMP_MGMT="intar-mgmt0"

if exists_if "$MGMT_IF" && [ "$MGMT_IF" != "enp0s1" ]; then
  ip link set "$MGMT_IF" down 2>/dev/null || true
  ip link set "$MGMT_IF" name "$TMP_MGMT" 2>/dev/null || true
  MGMT_IF="$TMP_MGMT"
fi

if [ -n "$LAN_IF" ] && exists_if "$LAN_IF" && [ "$LAN_IF" != "enp0s2" ]; then
  ip link set "$LAN_IF" down 2>/dev/null || true
  ip link set "$LAN_IF" name "enp0s2" 2>/dev/null || true
  LAN_IF="enp0s2"
fi
`

// LANConfig carries the shared-LAN addressing for a VM that participates in
// the L2 segment, or is nil for a VM that doesn't.
type LANConfig struct {
	ClusterIP string
	MAC       string
}

// NetplanConfig renders the network-config YAML for a VM's management
// interface (always present) and shared-LAN interface (only when lan is
// non-nil).
func NetplanConfig(primaryMAC, mgmtIP string, lan *LANConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, `network:
  version: 2
  ethernets:
    mgmt0:
      match:
        macaddress: "%s"
      set-name: enp0s1
      dhcp4: false
      dhcp6: false
      addresses:
        - %s/24
      gateway4: 10.0.2.2
      nameservers:
        addresses:
          - 10.0.2.3
      optional: true
`, primaryMAC, mgmtIP)

	if lan != nil {
		fmt.Fprintf(&b, `    lan0:
      match:
        macaddress: "%s"
      set-name: enp0s2
      dhcp4: false
      dhcp6: false
      addresses:
        - %s/24
      optional: true
`, lan.MAC, lan.ClusterIP)
	}

	return b.String()
}

// NetSetupScript renders the first-boot script that applies the management
// (and, if present, shared-LAN) interface addresses immediately, ahead of
// netplan taking effect. It finds the interfaces by MAC, renames the
// management NIC to intar-mgmt0 (unless it is already enp0s1) and the LAN NIC
// to enp0s2, applies the addresses for the current boot, and loads the
// IPv6-disable sysctl file.
func NetSetupScript(primaryMAC, mgmtIP string, lan *LANConfig) string {
	var b strings.Builder
	b.WriteString(netSetupScriptPrefix)

	fmt.Fprintf(&b, "PRIMARY_MAC=\"%s\"\nLAN_MAC=\"\"\n\nMGMT_IF=\"$(iface_for_mac \"$PRIMARY_MAC\" || true)\"\nLAN_IF=\"\"\n", primaryMAC)

	if lan != nil {
		fmt.Fprintf(&b, "LAN_MAC=\"%s\"\nLAN_IF=\"$(iface_for_mac \"$LAN_MAC\" || true)\"\n", lan.MAC)
	}

	b.WriteString(netSetupScriptRenameAndFallbacks)

	b.WriteString(`
# Configure management NIC immediately with static IPv4.
ip addr flush dev "$MGMT_IF" 2>/dev/null || true
`)
	fmt.Fprintf(&b, "ip addr add %s/24 dev \"$MGMT_IF\" 2>/dev/null || true\n", mgmtIP)
	b.WriteString(`ip link set "$MGMT_IF" up || true
ip route replace default via 10.0.2.2 dev "$MGMT_IF" 2>/dev/null || true
`)

	if lan != nil {
		b.WriteString(`
# Configure shared LAN NIC immediately with static IPv4.
ip addr flush dev "$LAN_IF" 2>/dev/null || true
`)
		fmt.Fprintf(&b, "ip addr add %s/24 dev \"$LAN_IF\" 2>/dev/null || true\n", lan.ClusterIP)
		b.WriteString(`ip link set "$LAN_IF" up || true
`)
	}

	b.WriteString(`
# Apply IPv6 disablement without blocking boot.
sysctl -p /etc/sysctl.d/99-intar-no-ipv6.conf 2>/dev/null || true
`)

	return b.String()
}

// RenderHostsFile builds the /etc/hosts.intar content for the run, mapping
// every addressed VM to its "<name>.intar" and bare "<name>" aliases. A VM
// literally named "k3s-1" additionally gets "k3s-server.intar"/"k3s-server"
// aliases, matching the convention scenarios built around a k3s control
// plane rely on.
func RenderHostsFile(vmNames []string, vmAddresses map[string]string) string {
	var b strings.Builder
	b.WriteString("127.0.0.1 localhost\n")

	for _, name := range vmNames {
		ip, ok := vmAddresses[name]
		if !ok {
			continue
		}
		aliases := []string{name + ".intar", name}
		if name == "k3s-1" {
			aliases = append(aliases, "k3s-server.intar", "k3s-server")
		}
		fmt.Fprintf(&b, "%s %s\n", ip, strings.Join(aliases, " "))
	}

	return b.String()
}
