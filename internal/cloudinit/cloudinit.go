// Package cloudinit composes the #cloud-config user-data, meta-data, and
// network-config documents for a VM, compiles its boot-time steps into
// shell scripts, and seeds them onto an ISO9660 volume QEMU attaches as a
// read-only cloud-init data source.
package cloudinit

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/intar-labs/intar/internal/scenario"
)

// defaultMaskUnits lists systemd units that are noisy or irrelevant inside a
// short-lived lab VM and are masked at boot so they never compete with the
// scenario's own steps for CPU or log space.
var defaultMaskUnits = []string{
	"apt-daily.service",
	"apt-daily.timer",
	"apt-daily-upgrade.service",
	"apt-daily-upgrade.timer",
	"unattended-upgrades.service",
	"motd-news.service",
	"motd-news.timer",
	"man-db.service",
	"man-db.timer",
	"snapd.service",
	"snapd.socket",
	"snapd.seeded.service",
	"snapd.autoimport.service",
	"e2scrub_all.timer",
	"e2scrub_all.service",
	"fstrim.timer",
	"fstrim.service",
	"ua-reboot-cmds.service",
	"esm-cache.service",
}

// Generator builds the cloud-init documents and ISO for one VM.
type Generator struct {
	SSHPublicKey string
	AgentBinary  []byte
}

// NewGenerator constructs a Generator carrying the SSH key installed into
// the guest and the guest-agent binary to embed as a write_files entry.
func NewGenerator(sshPublicKey string, agentBinary []byte) *Generator {
	return &Generator{SSHPublicKey: sshPublicKey, AgentBinary: agentBinary}
}

// GenerateUserData renders the full #cloud-config document: base packages,
// the login user, the embedded agent binary and its systemd unit, the
// intar-shell SSH command wrapper, and the scenario's own write_files/runcmd
// appended last.
func (g *Generator) GenerateUserData(def scenario.VMDefinition) (string, error) {
	config := def.CloudInit
	if config == nil {
		config = &scenario.CloudInitSpec{}
	}

	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("package_update: false\n")
	b.WriteString("package_upgrade: false\n")

	if len(config.Packages) > 0 {
		b.WriteString("packages:\n")
		for _, pkg := range config.Packages {
			fmt.Fprintf(&b, "  - %s\n", pkg)
		}
	}

	b.WriteString("users:\n")
	b.WriteString("  - name: intar\n")
	b.WriteString("    sudo: ALL=(ALL) NOPASSWD:ALL\n")
	b.WriteString("    shell: /usr/local/bin/intar-shell\n")
	b.WriteString("    ssh_authorized_keys:\n")
	fmt.Fprintf(&b, "      - %s\n", g.SSHPublicKey)

	b.WriteString("write_files:\n")
	writeEmbeddedFile(&b, "/usr/local/bin/intar-agent", base64.StdEncoding.EncodeToString(g.AgentBinary), "0755", true)
	writeInlineFile(&b, "/usr/local/bin/intar-shell", intarShellScript, "0755")
	writeInlineFile(&b, "/etc/systemd/system/intar-agent.service", intarAgentUnit, "0644")

	for _, wf := range config.WriteFiles {
		writeInlineFile(&b, wf.Path, wf.Content, orDefaultPerms(wf.Permissions))
	}

	b.WriteString("runcmd:\n")
	b.WriteString("  - systemctl daemon-reload\n")
	b.WriteString("  - grep -qxF /usr/local/bin/intar-shell /etc/shells || echo /usr/local/bin/intar-shell >> /etc/shells\n")
	b.WriteString("  - systemctl enable --now intar-agent.service\n")
	for _, unit := range defaultMaskUnits {
		fmt.Fprintf(&b, "  - systemctl mask %s || true\n", unit)
	}
	for _, line := range strings.Split(strings.TrimRight(config.Runcmd, "\n"), "\n") {
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "  - %s\n", yamlQuoteRuncmdLine(line))
	}

	return b.String(), nil
}

// GenerateMetaData renders the cloud-init meta-data document identifying
// the instance. instance-id is a fresh uuid rather than the bare VM name,
// so that cloud-init always treats a freshly created overlay disk as a new
// instance and runs its once-per-instance modules, even if a VM name is
// reused across separate runs of the same scenario.
func (g *Generator) GenerateMetaData(vmName string) string {
	return fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", uuid.New().String(), vmName)
}

// SaveToLogs writes the rendered user-data, meta-data, and network-config
// documents into the VM's logs directory for post-hoc inspection.
func (g *Generator) SaveToLogs(logsDir, userData, metaData, networkConfig string) error {
	files := map[string]string{
		"user-data.yaml":      userData,
		"meta-data.yaml":      metaData,
		"network-config.yaml": networkConfig,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(logsDir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return nil
}

// CreateISO builds a cidata-labeled ISO9660 volume at isoPath containing the
// three cloud-init documents, trying the available ISO-building tools in
// turn since their presence varies by host OS.
func (g *Generator) CreateISO(isoPath, userData, metaData, networkConfig string) error {
	dir, err := os.MkdirTemp("", "intar-cloud-init-*")
	if err != nil {
		return fmt.Errorf("create cloud-init staging dir: %w", err)
	}
	defer os.RemoveAll(dir)

	files := map[string]string{
		"user-data":      userData,
		"meta-data":      metaData,
		"network-config": networkConfig,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}

	builders := []func(dir, isoPath string) error{
		tryCloudLocalds,
		tryMkisofs,
		tryGenisoimage,
		tryXorriso,
		tryHdiutil,
	}

	var lastErr error
	for _, build := range builders {
		if err := build(dir, isoPath); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("no cloud-init ISO builder available: %w", lastErr)
}

func tryCloudLocalds(dir, isoPath string) error {
	if _, err := exec.LookPath("cloud-localds"); err != nil {
		return err
	}
	out, err := exec.Command("cloud-localds",
		"--network-config="+filepath.Join(dir, "network-config"),
		isoPath,
		filepath.Join(dir, "user-data"),
		filepath.Join(dir, "meta-data"),
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cloud-localds: %s", out)
	}
	return nil
}

func tryMkisofs(dir, isoPath string) error {
	return runISOTool("mkisofs", dir, isoPath)
}

func tryGenisoimage(dir, isoPath string) error {
	return runISOTool("genisoimage", dir, isoPath)
}

func runISOTool(tool, dir, isoPath string) error {
	if _, err := exec.LookPath(tool); err != nil {
		return err
	}
	out, err := exec.Command(tool,
		"-output", isoPath,
		"-volid", "cidata",
		"-joliet", "-rock",
		filepath.Join(dir, "user-data"),
		filepath.Join(dir, "meta-data"),
		filepath.Join(dir, "network-config"),
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", tool, out)
	}
	return nil
}

func tryXorriso(dir, isoPath string) error {
	if _, err := exec.LookPath("xorriso"); err != nil {
		return err
	}
	out, err := exec.Command("xorriso", "-as", "mkisofs",
		"-output", isoPath,
		"-volid", "cidata",
		"-joliet", "-rock",
		filepath.Join(dir, "user-data"),
		filepath.Join(dir, "meta-data"),
		filepath.Join(dir, "network-config"),
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("xorriso: %s", out)
	}
	return nil
}

func tryHdiutil(dir, isoPath string) error {
	if _, err := exec.LookPath("hdiutil"); err != nil {
		return err
	}
	out, err := exec.Command("hdiutil", "makehybrid",
		"-iso", "-joliet",
		"-default-volume-name", "cidata",
		"-o", isoPath,
		dir,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("hdiutil: %s", out)
	}
	return nil
}

func orDefaultPerms(permissions string) string {
	if permissions == "" {
		return "0644"
	}
	return permissions
}

func writeInlineFile(b *strings.Builder, path, content, permissions string) {
	fmt.Fprintf(b, "  - path: %s\n", path)
	fmt.Fprintf(b, "    permissions: '%s'\n", permissions)
	b.WriteString("    content: |\n")
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		fmt.Fprintf(b, "      %s\n", line)
	}
}

func writeEmbeddedFile(b *strings.Builder, path, base64Content, permissions string, binary bool) {
	fmt.Fprintf(b, "  - path: %s\n", path)
	fmt.Fprintf(b, "    permissions: '%s'\n", permissions)
	if binary {
		b.WriteString("    encoding: b64\n")
	}
	b.WriteString("    content: " + base64Content + "\n")
}

func yamlQuoteRuncmdLine(line string) string {
	escaped := strings.ReplaceAll(line, `"`, `\"`)
	return `"` + escaped + `"`
}

const intarShellScript = `#!/usr/bin/env bash
# Login shell for the intar user: routes "ssh host -c CMD" through
# record-command and an interactive session through record-ssh so both are
# captured on the actions stream.
if [ "$1" = "-c" ]; then
  shift
  exec /usr/local/bin/intar-agent record-command /bin/bash "$@"
fi
exec /usr/local/bin/intar-agent record-ssh
`

const intarAgentUnit = `[Unit]
Description=intar guest agent
After=network.target

[Service]
ExecStart=/usr/local/bin/intar-agent
Restart=always
RestartSec=1

[Install]
WantedBy=multi-user.target
`
