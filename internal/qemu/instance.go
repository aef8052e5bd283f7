// Package qemu manages the lifecycle of a single QEMU-backed VM instance:
// building its argument list, spawning and supervising the process, and
// exposing runtime controls (reset, pause/resume, checkpoint) through the
// qmp package.
package qemu

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/intar-labs/intar/internal/qmp"
	"github.com/intar-labs/intar/internal/scenario"
)

const (
	mainDiskNode      = qmp.MainDiskNodeName
	cloudInitDiskNode = "intar_cloud_init0"

	socketDialTimeout = 100 * time.Millisecond
	socketPollInterval = 50 * time.Millisecond
	socketWaitTimeout   = 10 * time.Second

	stopGraceTimeout = 5 * time.Second
)

// SharedLAN describes a VM's -netdev dgram endpoint on the shared L2
// segment: the local port QEMU binds, and the hub port operated by the LAN
// switch it sends to.
type SharedLAN struct {
	HubPort   uint16
	LocalPort uint16
}

// Instance is a single VM's QEMU process and its associated paths/sockets.
type Instance struct {
	Name       string
	Definition scenario.VMDefinition

	SSHPort    uint16
	MgmtIP     string
	SharedLAN  *SharedLAN
	PrimaryMAC string
	LANMAC     string

	QMPSocket     string
	SerialSocket  string
	ActionsSocket string
	PidFile       string
	DiskPath      string
	CloudInitISO  string
	LogsDir       string

	baseImage string
	qmp       *qmp.Client
	cmd       *exec.Cmd
}

// New constructs an Instance with its paths derived from workDir, matching
// the per-VM layout paths.Run produces.
func New(def scenario.VMDefinition, workDir string, sshPort uint16, mgmtIP string, sharedLAN *SharedLAN, primaryMAC, lanMAC string) *Instance {
	name := def.Name
	return &Instance{
		Name:          name,
		Definition:    def,
		SSHPort:       sshPort,
		MgmtIP:        mgmtIP,
		SharedLAN:     sharedLAN,
		PrimaryMAC:    primaryMAC,
		LANMAC:        lanMAC,
		QMPSocket:     filepath.Join(workDir, name+"-qmp.sock"),
		SerialSocket:  filepath.Join(workDir, name+"-serial.sock"),
		ActionsSocket: filepath.Join(workDir, name+"-actions.sock"),
		PidFile:       filepath.Join(workDir, name+"-qemu.pid"),
		DiskPath:      filepath.Join(workDir, name+".qcow2"),
		CloudInitISO:  filepath.Join(workDir, name+"-cloud-init.iso"),
		LogsDir:       filepath.Join(workDir, "logs", name),
	}
}

// CreateOverlayDisk creates a qcow2 overlay referencing baseImage, sized to
// the VM definition's disk field.
func (i *Instance) CreateOverlayDisk(baseImage string) error {
	i.baseImage = baseImage
	return i.createOverlay()
}

// RecreateOverlayDisk discards the current overlay and rebuilds it from the
// base image set by CreateOverlayDisk. The runner's Reset does not call it;
// Reset restores VMs with LoadCheckpoint.
func (i *Instance) RecreateOverlayDisk() error {
	if i.baseImage == "" {
		return fmt.Errorf("no base image set")
	}
	if _, err := os.Stat(i.DiskPath); err == nil {
		if err := os.Remove(i.DiskPath); err != nil {
			return fmt.Errorf("remove existing overlay: %w", err)
		}
	}
	return i.createOverlay()
}

func (i *Instance) createOverlay() error {
	out, err := exec.Command("qemu-img", "create",
		"-f", "qcow2",
		"-b", i.baseImage,
		"-F", "qcow2",
		i.DiskPath,
		fmt.Sprintf("%dG", i.Definition.DiskGB),
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create failed: %s", out)
	}
	return nil
}

// Start spawns the QEMU process for arch ("x86_64"/"amd64"/"aarch64"/"arm64")
// and waits for its QMP socket to come up.
func (i *Instance) Start(ctx context.Context, arch string) error {
	if err := os.MkdirAll(i.LogsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	binary, err := binaryForArch(arch)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binary, i.buildArgs(arch)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := os.Create(filepath.Join(i.LogsDir, "qemu.log"))
	if err != nil {
		return fmt.Errorf("create qemu.log: %w", err)
	}
	defer logFile.Close()
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start qemu: %w", err)
	}
	pid := cmd.Process.Pid

	cu := cleanup.Make(func() {
		syscall.Kill(pid, syscall.SIGKILL)
	})
	defer cu.Clean()

	if err := os.WriteFile(i.PidFile, fmt.Appendf(nil, "%d", pid), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}

	if err := waitForSocket(i.QMPSocket, socketWaitTimeout); err != nil {
		if logData, readErr := os.ReadFile(filepath.Join(i.LogsDir, "qemu.log")); readErr == nil && len(logData) > 0 {
			return fmt.Errorf("%w; qemu.log: %s", err, logData)
		}
		return err
	}

	i.cmd = cmd
	i.qmp = qmp.New(i.QMPSocket)
	cu.Release()
	return nil
}

func (i *Instance) buildArgs(arch string) []string {
	var args []string

	args = append(args, "-name", i.Name)
	args = append(args, machineArgs(arch)...)
	args = append(args, "-m", fmt.Sprintf("%dM", i.Definition.MemoryMB))
	args = append(args, "-smp", fmt.Sprintf("%d", i.Definition.CPU))

	args = append(args,
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio,node-name=%s", i.DiskPath, mainDiskNode),
		"-drive", fmt.Sprintf("file=%s,format=raw,if=virtio,readonly=on,node-name=%s", i.CloudInitISO, cloudInitDiskNode),
	)

	if runtime.GOOS != "windows" {
		args = append(args,
			"-object", "rng-random,id=rng0,filename=/dev/urandom",
			"-device", "virtio-rng-pci,rng=rng0",
		)
	}

	args = append(args, i.networkArgs()...)

	args = append(args,
		"-device", "virtio-serial-pci,id=virtio-serial0",
		"-chardev", fmt.Sprintf("socket,id=agent,path=%s,server=on,wait=off", i.SerialSocket),
		"-device", "virtserialport,chardev=agent,name=intar.agent",
		"-chardev", fmt.Sprintf("socket,id=actions,path=%s,server=on,wait=off", i.ActionsSocket),
		"-device", "virtserialport,chardev=actions,name=intar.actions",
	)

	args = append(args,
		"-chardev", fmt.Sprintf("file,id=console,path=%s", filepath.Join(i.LogsDir, "console.log")),
		"-serial", "chardev:console",
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", i.QMPSocket),
		"-display", "none",
	)

	switch runtime.GOOS {
	case "darwin":
		args = append(args, "-accel", "hvf")
	case "linux":
		args = append(args, "-enable-kvm")
	}

	return args
}

func machineArgs(arch string) []string {
	switch arch {
	case "aarch64", "arm64":
		args := []string{"-machine", "virt,highmem=on", "-cpu", "host"}
		for _, efi := range []string{
			"/opt/homebrew/share/qemu/edk2-aarch64-code.fd",
			"/usr/share/qemu/edk2-aarch64-code.fd",
			"/usr/share/AAVMF/AAVMF_CODE.fd",
		} {
			if _, err := os.Stat(efi); err == nil {
				args = append(args, "-bios", efi)
				break
			}
		}
		return args
	default:
		return []string{"-machine", "q35", "-cpu", "host"}
	}
}

func (i *Instance) networkArgs() []string {
	args := []string{
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-%s:22", i.SSHPort, i.MgmtIP),
		"-device", "virtio-net-pci,netdev=net0,mac=" + i.PrimaryMAC,
	}

	if i.SharedLAN != nil {
		args = append(args,
			"-netdev", fmt.Sprintf(
				"dgram,id=net1,local.type=inet,local.host=127.0.0.1,local.port=%d,remote.type=inet,remote.host=127.0.0.1,remote.port=%d",
				i.SharedLAN.LocalPort, i.SharedLAN.HubPort),
			"-device", "virtio-net-pci,netdev=net1,mac="+i.LANMAC,
		)
	}

	return args
}

func binaryForArch(arch string) (string, error) {
	switch arch {
	case "x86_64", "amd64":
		return "qemu-system-x86_64", nil
	case "aarch64", "arm64":
		return "qemu-system-aarch64", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", arch)
	}
}

func waitForSocket(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", socketPath, socketDialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(socketPollInterval)
	}
	return fmt.Errorf("timeout waiting for socket %s", socketPath)
}

// QMP returns the control client for this instance. It is only valid after
// Start has succeeded.
func (i *Instance) QMP() *qmp.Client { return i.qmp }

// SaveCheckpoint pauses-independent snapshot-save; callers are expected to
// have already paused the guest via QMP Pause across every VM in the run.
func (i *Instance) SaveCheckpoint(ctx context.Context, tag string) error {
	return i.qmp.SnapshotSave(ctx, i.Name, tag)
}

// LoadCheckpoint restores a named snapshot.
func (i *Instance) LoadCheckpoint(ctx context.Context, tag string) error {
	return i.qmp.SnapshotLoad(ctx, i.Name, tag)
}

// Pause stops guest CPU execution.
func (i *Instance) Pause(ctx context.Context) error { return i.qmp.Pause(ctx) }

// Resume continues guest CPU execution.
func (i *Instance) Resume(ctx context.Context) error { return i.qmp.Resume(ctx) }

// SystemReset reboots the guest.
func (i *Instance) SystemReset(ctx context.Context) error { return i.qmp.SystemReset(ctx) }

// Stop issues a QMP quit, waits briefly for the process to exit, kills it if
// it doesn't, then removes the instance's sockets and pidfile.
func (i *Instance) Stop(ctx context.Context) error {
	if i.qmp != nil {
		_, _ = i.qmp.Command(ctx, "quit", nil)
	}

	if i.cmd != nil && i.cmd.Process != nil {
		waitDone := make(chan error, 1)
		go func() { waitDone <- i.cmd.Wait() }()

		select {
		case <-waitDone:
		case <-time.After(stopGraceTimeout):
			_ = i.cmd.Process.Kill()
			<-waitDone
		}
	}

	for _, path := range []string{i.QMPSocket, i.SerialSocket, i.ActionsSocket, i.PidFile} {
		_ = os.Remove(path)
	}
	return nil
}
