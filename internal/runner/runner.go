// Package runner orchestrates every other component across the VMs of one
// scenario: it allocates addresses, composes cloud-init, spawns QEMU
// instances, drives them to readiness, evaluates probes, and coordinates
// checkpoint/reset and teardown.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/samber/lo"

	"github.com/intar-labs/intar/internal/actions"
	"github.com/intar-labs/intar/internal/agentclient"
	"github.com/intar-labs/intar/internal/cloudinit"
	"github.com/intar-labs/intar/internal/imagecache"
	"github.com/intar-labs/intar/internal/lanswitch"
	"github.com/intar-labs/intar/internal/netalloc"
	"github.com/intar-labs/intar/internal/paths"
	"github.com/intar-labs/intar/internal/probes"
	"github.com/intar-labs/intar/internal/qemu"
	"github.com/intar-labs/intar/internal/scenario"
)

const (
	agentConnectRetries  = 120
	agentConnectDelay    = 5 * time.Second
	bootProbeRetries     = 60
	bootProbeInterval    = 5 * time.Second
	cleanupRetries       = 5
	cleanupRetryDelay    = 200 * time.Millisecond
	initCheckpointTag    = "init"
)

// vmRecord is everything the runner tracks for one VM beyond the qemu
// instance itself.
type vmRecord struct {
	instance     *qemu.Instance
	state        VMState
	probeNames   []string
	recorder     *actions.Recorder
	cancelRecord context.CancelFunc
}

// ScenarioRunner owns every live resource for one scenario run: the VM map,
// the probe-result map, the L2 switch, and the run directory.
type ScenarioRunner struct {
	sc     scenario.Scenario
	run    *paths.Run
	images *imagecache.Cache
	arch   string
	log    *slog.Logger

	vmIndex   map[string]int
	vmOrder   []string
	vms       map[string]*vmRecord
	lanIPs    map[string]string

	lan     *lanswitch.Switch
	hubPort uint16

	probeResults map[string]map[string]probes.Result

	state        ScenarioState
	sshPublicKey string
}

// NewWithDirs creates a fresh run directory under runs, generates an ed25519
// SSH keypair, and prepares (but does not yet create) the per-VM addressing
// for sc.
func NewWithDirs(sc scenario.Scenario, runs *paths.Runs, images *imagecache.Cache, arch string, log *slog.Logger) (*ScenarioRunner, error) {
	runDirPath, err := runs.NewRunDir()
	if err != nil {
		return nil, fmt.Errorf("allocate run directory: %w", err)
	}
	if err := os.MkdirAll(runDirPath, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	run := paths.NewRun(runDirPath)

	if err := generateSSHKeypair(run.SSHPrivateKey()); err != nil {
		return nil, err
	}
	pubKey, err := os.ReadFile(run.SSHPublicKey())
	if err != nil {
		return nil, fmt.Errorf("read generated ssh public key: %w", err)
	}

	names := make([]string, len(sc.VMs))
	vmIndex := make(map[string]int, len(sc.VMs))
	for i, def := range sc.VMs {
		names[i] = def.Name
		vmIndex[def.Name] = i
	}

	lanIPs, err := netalloc.AssignSharedLANIPs(names)
	if err != nil {
		return nil, fmt.Errorf("assign shared LAN addresses: %w", err)
	}

	var hubPort uint16
	if len(sc.VMs) >= 2 {
		hubPort, err = netalloc.FindFreeUDPPort()
		if err != nil {
			return nil, fmt.Errorf("allocate L2 switch hub port: %w", err)
		}
	}

	return &ScenarioRunner{
		sc:           sc,
		run:          run,
		images:       images,
		arch:         arch,
		log:          log,
		vmIndex:      vmIndex,
		vms:          make(map[string]*vmRecord, len(sc.VMs)),
		lanIPs:       lanIPs,
		hubPort:      hubPort,
		probeResults: make(map[string]map[string]probes.Result, len(sc.VMs)),
		state:        ScenarioInitializing,
		sshPublicKey: string(pubKey),
	}, nil
}

func generateSSHKeypair(privateKeyPath string) error {
	out, err := exec.Command("ssh-keygen", "-t", "ed25519", "-N", "", "-q", "-f", privateKeyPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("generate ssh keypair: %s", out)
	}
	return nil
}

// RunDir returns the run's working directory.
func (r *ScenarioRunner) RunDir() string { return r.run.Dir() }

// State returns the scenario's current lifecycle state.
func (r *ScenarioRunner) State() ScenarioState { return r.state }

// CreateVM allocates addressing and host sockets for def, creates its
// overlay disk from the cached base image, composes its cloud-init seed,
// and constructs (without starting) its QEMU instance.
func (r *ScenarioRunner) CreateVM(ctx context.Context, def scenario.VMDefinition) error {
	idx, ok := r.vmIndex[def.Name]
	if !ok {
		return fmt.Errorf("vm %q is not part of this scenario", def.Name)
	}

	sshPort, err := netalloc.FindFreePort()
	if err != nil {
		return fmt.Errorf("allocate ssh port for vm %q: %w", def.Name, err)
	}
	mgmtIP, err := netalloc.MgmtIP(idx)
	if err != nil {
		return fmt.Errorf("assign management ip for vm %q: %w", def.Name, err)
	}
	macs, err := netalloc.GenerateMACs(idx)
	if err != nil {
		return fmt.Errorf("assign mac addresses for vm %q: %w", def.Name, err)
	}

	var sharedLAN *qemu.SharedLAN
	var lanCfg *cloudinit.LANConfig
	if len(r.sc.VMs) >= 2 {
		localPort, err := netalloc.FindFreeUDPPort()
		if err != nil {
			return fmt.Errorf("allocate lan port for vm %q: %w", def.Name, err)
		}
		sharedLAN = &qemu.SharedLAN{HubPort: r.hubPort, LocalPort: localPort}
		lanCfg = &cloudinit.LANConfig{ClusterIP: r.lanIPs[def.Name], MAC: macs.LAN}
	}

	imageSpec, ok := r.sc.Images[def.Image]
	if !ok {
		return fmt.Errorf("vm %q references unknown image %q", def.Name, def.Image)
	}
	source, ok := imageSpec.SourceForArch(r.arch)
	if !ok {
		return fmt.Errorf("image %q has no source for arch %q", def.Image, r.arch)
	}
	basePath, err := r.images.EnsureImage(ctx, source)
	if err != nil {
		return fmt.Errorf("prepare base image for vm %q: %w", def.Name, err)
	}

	inst := qemu.New(def, r.run.Dir(), sshPort, mgmtIP, sharedLAN, macs.Primary, macs.LAN)
	if err := inst.CreateOverlayDisk(basePath); err != nil {
		return fmt.Errorf("create overlay disk for vm %q: %w", def.Name, err)
	}

	if err := r.composeCloudInit(def, inst, mgmtIP, lanCfg); err != nil {
		return fmt.Errorf("compose cloud-init for vm %q: %w", def.Name, err)
	}

	r.vmOrder = append(r.vmOrder, def.Name)
	r.vms[def.Name] = &vmRecord{instance: inst, state: VMStarting, probeNames: def.Probes}
	r.probeResults[def.Name] = make(map[string]probes.Result, len(def.Probes))
	return nil
}

func (r *ScenarioRunner) composeCloudInit(def scenario.VMDefinition, inst *qemu.Instance, mgmtIP string, lanCfg *cloudinit.LANConfig) error {
	config := def.CloudInit
	if config == nil {
		config = &scenario.CloudInitSpec{}
	} else {
		clone := *config
		config = &clone
	}

	if err := cloudinit.ApplyVMSteps(def.Name, def.Steps, config); err != nil {
		return fmt.Errorf("compile steps: %w", err)
	}

	hostsContent := cloudinit.RenderHostsFile(r.allScenarioVMNames(def.Name), r.lanIPs)
	config.WriteFiles = append(config.WriteFiles, scenario.WriteFile{
		Path:    "/etc/hosts.intar",
		Content: hostsContent,
	})
	config.WriteFiles = append(config.WriteFiles, scenario.WriteFile{
		Path: "/etc/sysctl.d/99-intar-no-ipv6.conf",
		Content: "net.ipv6.conf.all.disable_ipv6 = 1\n" +
			"net.ipv6.conf.default.disable_ipv6 = 1\n" +
			"net.ipv6.conf.lo.disable_ipv6 = 1\n",
	})

	config.NetworkConfig = cloudinit.NetplanConfig(inst.PrimaryMAC, mgmtIP, lanCfg)
	netSetup := cloudinit.NetSetupScript(inst.PrimaryMAC, mgmtIP, lanCfg)

	netSetupPath := "/usr/local/bin/intar-net-setup.sh"
	config.WriteFiles = append(config.WriteFiles, scenario.WriteFile{
		Path:        netSetupPath,
		Content:     netSetup,
		Permissions: "0755",
	})

	runcmd := fmt.Sprintf("%s\ncat /etc/hosts.intar >> /etc/hosts\n", netSetupPath)
	config.Runcmd = runcmd + config.Runcmd

	def.CloudInit = config

	generator := cloudinit.NewGenerator(r.sshPublicKey, agentBinary())
	userData, err := generator.GenerateUserData(def)
	if err != nil {
		return fmt.Errorf("render user-data: %w", err)
	}
	metaData := generator.GenerateMetaData(def.Name)

	if err := os.MkdirAll(inst.LogsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	if err := generator.SaveToLogs(inst.LogsDir, userData, metaData, config.NetworkConfig); err != nil {
		return fmt.Errorf("save cloud-init documents: %w", err)
	}

	if err := generator.CreateISO(inst.CloudInitISO, userData, metaData, config.NetworkConfig); err != nil {
		return fmt.Errorf("create cloud-init iso: %w", err)
	}

	return nil
}

// allScenarioVMNames returns the full declared VM name list from the scenario (not
// just VMs created so far), since the hosts file must resolve every VM in
// the scenario regardless of creation order.
func (r *ScenarioRunner) allScenarioVMNames(_ string) []string {
	return lo.Map(r.sc.VMs, func(def scenario.VMDefinition, _ int) string { return def.Name })
}

// agentBinary returns the guest-agent binary embedded into cloud-init's
// user-data. Supplying it is an operational concern of the composition
// root; tests and library callers inject an empty placeholder.
var agentBinaryBytes []byte

func agentBinary() []byte { return agentBinaryBytes }

// SetAgentBinary installs the guest-agent binary contents that will be
// base64-embedded into every VM's cloud-init user-data.
func SetAgentBinary(data []byte) { agentBinaryBytes = data }

// StartVMs starts the L2 switch (if the scenario has at least two VMs) and
// every QEMU instance in scenario-declaration order, then persists RunState.
func (r *ScenarioRunner) StartVMs(ctx context.Context) error {
	if len(r.sc.VMs) >= 2 {
		lan, err := lanswitch.Spawn(r.hubPort, r.lanPeerAddrs(), r.log)
		if err != nil {
			return fmt.Errorf("start l2 switch: %w", err)
		}
		r.lan = lan
	}

	var state RunState
	state.ScenarioName = r.sc.Name

	for _, def := range r.sc.VMs {
		rec, ok := r.vms[def.Name]
		if !ok {
			continue
		}
		rec.state = VMBooting
		if err := rec.instance.Start(ctx, r.arch); err != nil {
			return fmt.Errorf("start vm %q: %w", def.Name, err)
		}
		rec.state = VMCloudInit
		state.VMs = append(state.VMs, VMInfo{Name: def.Name, SSHPort: rec.instance.SSHPort, Image: def.Image})
	}

	if err := state.Save(r.run.StateFile()); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}
	return nil
}

func (r *ScenarioRunner) lanPeerAddrs() []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, 0, len(r.vms))
	for _, name := range r.vmOrder {
		rec := r.vms[name]
		if rec.instance.SharedLAN == nil {
			continue
		}
		addrs = append(addrs, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(rec.instance.SharedLAN.LocalPort)})
	}
	return addrs
}

// WaitForAgents connects to every VM's guest agent in scenario order and
// waits for a successful ping, up to 600 seconds per VM.
func (r *ScenarioRunner) WaitForAgents(ctx context.Context) error {
	for _, name := range r.vmOrder {
		rec := r.vms[name]
		conn, err := agentclient.TryConnect(ctx, rec.instance.SerialSocket, agentConnectRetries, agentConnectDelay)
		if err != nil {
			rec.state = VMError
			return fmt.Errorf("vm %q: agent never became ready: %w", name, err)
		}
		_, err = conn.Ping(ctx)
		conn.Close()
		if err != nil {
			rec.state = VMError
			return fmt.Errorf("vm %q: agent ping failed: %w", name, err)
		}
		rec.state = VMReady
	}
	return nil
}

// EstablishInitCheckpoint waits for boot probes to pass and then takes the
// scenario's initial checkpoint, so that a later Reset can always return
// every VM to a known-good post-boot state rather than to cold boot.
func (r *ScenarioRunner) EstablishInitCheckpoint(ctx context.Context) error {
	if err := r.WaitForBootProbes(ctx); err != nil {
		return fmt.Errorf("boot probes did not pass before init checkpoint: %w", err)
	}
	if err := r.SaveCheckpoint(ctx, initCheckpointTag); err != nil {
		return fmt.Errorf("save init checkpoint: %w", err)
	}
	r.state = ScenarioRunning
	return nil
}

// StartActionRecording starts (or restarts) the action-stream recorder for
// vmName, forwarding derived line events onto lines.
func (r *ScenarioRunner) StartActionRecording(ctx context.Context, vmName string, lines chan<- actions.LineEvent) error {
	rec, ok := r.vms[vmName]
	if !ok {
		return fmt.Errorf("unknown vm %q", vmName)
	}

	logPath := r.run.LogsDir(vmName) + "/ssh-actions.ndjson"
	recCtx, cancel := context.WithCancel(ctx)
	recorder := actions.NewRecorder(vmName, rec.instance.ActionsSocket, logPath, r.run.LogsDir(vmName), r.log)
	rec.recorder = recorder
	rec.cancelRecord = cancel

	go recorder.Run(recCtx)
	go func() {
		for line := range recorder.Lines {
			lines <- line
		}
	}()

	return nil
}

// GetSSHCommand returns the ssh invocation an operator would use to reach
// vmName.
func (r *ScenarioRunner) GetSSHCommand(vmName string) (string, error) {
	rec, ok := r.vms[vmName]
	if !ok {
		return "", fmt.Errorf("unknown vm %q", vmName)
	}
	return fmt.Sprintf("ssh -i %s -p %d -o StrictHostKeyChecking=no intar@127.0.0.1",
		r.run.SSHPrivateKey(), rec.instance.SSHPort), nil
}

// Stop aborts action-stream recorders, stops every VM, and stops the L2
// switch.
func (r *ScenarioRunner) Stop(ctx context.Context) error {
	for _, rec := range r.vms {
		if rec.cancelRecord != nil {
			rec.cancelRecord()
		}
	}

	var firstErr error
	for _, name := range r.vmOrder {
		if err := r.vms[name].instance.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop vm %q: %w", name, err)
		}
	}

	if r.lan != nil {
		r.lan.Stop()
	}

	return firstErr
}

// Cleanup removes the entire run directory, retrying on transient
// filesystem-busy errors.
func (r *ScenarioRunner) Cleanup() error {
	var lastErr error
	for i := 0; i < cleanupRetries; i++ {
		if err := os.RemoveAll(r.run.Dir()); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(cleanupRetryDelay)
	}
	return fmt.Errorf("remove run directory after %d attempts: %w", cleanupRetries, lastErr)
}
