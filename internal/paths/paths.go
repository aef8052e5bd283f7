// Package paths provides centralized path construction for a run's working
// directory and the shared image cache. Locating platform-specific base
// directories is out of scope here; callers pass the base directories in
// explicitly.
//
// Directory structure:
//
//	{runsDir}/
//	  {run-name}/
//	    id_ed25519, id_ed25519.pub
//	    state.json
//	    {vm}-qmp.sock
//	    {vm}-serial.sock
//	    {vm}-actions.sock
//	    {vm}-qemu.pid
//	    {vm}.qcow2
//	    {vm}-cloud-init.iso
//	    logs/{vm}/console.log
//	    logs/{vm}/qemu.log
//	    snapshots/{vm}/{tag}/
//
//	{imagesDir}/
//	  {sha256}.img
package paths

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// vmJoin joins a VM-name-derived filename under dir, refusing to let a
// scenario-supplied VM name escape dir via "../" components.
func vmJoin(dir, name string) string {
	joined, err := securejoin.SecureJoin(dir, name)
	if err != nil {
		return filepath.Join(dir, filepath.Base(name))
	}
	return joined
}

// Run provides typed path construction for a single run's working directory.
type Run struct {
	dir string
}

// NewRun returns a Run rooted at dir. Callers are responsible for creating
// dir (see Runs.NewRunDir).
func NewRun(dir string) *Run {
	return &Run{dir: dir}
}

// Dir returns the run's root directory.
func (r *Run) Dir() string { return r.dir }

// SSHPrivateKey returns the path to the run's ed25519 private key.
func (r *Run) SSHPrivateKey() string { return filepath.Join(r.dir, "id_ed25519") }

// SSHPublicKey returns the path to the run's ed25519 public key.
func (r *Run) SSHPublicKey() string { return filepath.Join(r.dir, "id_ed25519.pub") }

// StateFile returns the path to the run's persisted state.
func (r *Run) StateFile() string { return filepath.Join(r.dir, "state.json") }

// QMPSocket returns the path to a VM's QMP control socket.
func (r *Run) QMPSocket(vm string) string { return vmJoin(r.dir, vm+"-qmp.sock") }

// SerialSocket returns the path to a VM's guest agent virtio-serial socket.
func (r *Run) SerialSocket(vm string) string { return vmJoin(r.dir, vm+"-serial.sock") }

// ActionsSocket returns the path to a VM's action stream virtio-serial socket.
func (r *Run) ActionsSocket(vm string) string { return vmJoin(r.dir, vm+"-actions.sock") }

// PidFile returns the path to a VM's QEMU process pidfile.
func (r *Run) PidFile(vm string) string { return vmJoin(r.dir, vm+"-qemu.pid") }

// OverlayDisk returns the path to a VM's qcow2 overlay disk.
func (r *Run) OverlayDisk(vm string) string { return vmJoin(r.dir, vm+".qcow2") }

// CloudInitISO returns the path to a VM's cloud-init seed ISO.
func (r *Run) CloudInitISO(vm string) string {
	return vmJoin(r.dir, vm+"-cloud-init.iso")
}

// LogsDir returns the directory holding a VM's console/qemu logs.
func (r *Run) LogsDir(vm string) string { return vmJoin(filepath.Join(r.dir, "logs"), vm) }

// ConsoleLog returns the path to a VM's console log.
func (r *Run) ConsoleLog(vm string) string { return filepath.Join(r.LogsDir(vm), "console.log") }

// QEMULog returns the path to a VM's QEMU stdout/stderr log.
func (r *Run) QEMULog(vm string) string { return filepath.Join(r.LogsDir(vm), "qemu.log") }

// SnapshotDir returns the directory holding one named checkpoint for a VM.
func (r *Run) SnapshotDir(vm, tag string) string {
	return vmJoin(vmJoin(filepath.Join(r.dir, "snapshots"), vm), tag)
}

// Images provides typed path construction for the shared base-image cache.
type Images struct {
	dir string
}

// NewImages returns an Images cache rooted at dir.
func NewImages(dir string) *Images {
	return &Images{dir: dir}
}

// Dir returns the cache's root directory.
func (i *Images) Dir() string { return i.dir }

// CachedPath returns the path a downloaded image with the given checksum
// would be stored at. checksum is the source's declared sha256, used
// verbatim as the cache key so that two scenarios referencing the same
// checksum share a single download.
func (i *Images) CachedPath(checksum string) string {
	return filepath.Join(i.dir, checksum+".img")
}

// DownloadTmpPath returns a scratch path for an in-progress download of the
// given checksum, renamed into place atomically on success.
func (i *Images) DownloadTmpPath(checksum string) string {
	return filepath.Join(i.dir, checksum+".img.tmp")
}

// Runs provides typed path construction for the collection of runs under a
// single base directory.
type Runs struct {
	dir string
}

// NewRuns returns a Runs collection rooted at dir.
func NewRuns(dir string) *Runs {
	return &Runs{dir: dir}
}

// Dir returns the root runs directory.
func (r *Runs) Dir() string { return r.dir }

// RunDir returns the directory for a named run.
func (r *Runs) RunDir(name string) string { return filepath.Join(r.dir, name) }

// NewRunDir returns a fresh, unique run directory path under this
// collection. The directory itself is not created; callers create it with
// os.MkdirAll.
func (r *Runs) NewRunDir() (string, error) {
	name, err := generateRunName()
	if err != nil {
		return "", fmt.Errorf("generate run name: %w", err)
	}
	return r.RunDir(name), nil
}

// generateRunName produces a two-word-petname-plus-suffix run name, e.g.
// "quiet-otter-4821". There is no petname library in the dependency set
// this module draws from, so the word lists are embedded directly; the
// format matches the run directories this component replaces.
func generateRunName() (string, error) {
	adjective, err := randomWord(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := randomWord(nouns)
	if err != nil {
		return "", err
	}
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%d", adjective, noun, suffix), nil
}

func randomWord(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[n.Int64()], nil
}

// randomSuffix returns a 4-digit suffix in [1000, 9999].
func randomSuffix() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return 0, err
	}
	return 1000 + int(n.Int64()), nil
}

var adjectives = []string{
	"quiet", "brave", "calm", "eager", "fuzzy", "gentle", "happy", "icy",
	"jolly", "keen", "lively", "mellow", "nimble", "orange", "plucky",
	"quick", "rustic", "sunny", "tidy", "upbeat", "vivid", "witty",
	"zealous", "amber", "bold", "crisp", "dusty", "earnest", "frosty",
	"golden",
}

var nouns = []string{
	"otter", "falcon", "badger", "heron", "marten", "lynx", "sparrow",
	"raven", "gecko", "beetle", "cobra", "jackal", "mantis", "newt",
	"osprey", "puffin", "quokka", "robin", "serval", "tapir", "urchin",
	"viper", "walrus", "yak", "zebra", "ibis", "koala", "lemur", "moth",
	"wren",
}
