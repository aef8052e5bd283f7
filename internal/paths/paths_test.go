package paths

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_PathsAreRootedUnderDir(t *testing.T) {
	run := NewRun("/runs/quiet-otter-4821")

	assert.Equal(t, "/runs/quiet-otter-4821/id_ed25519", run.SSHPrivateKey())
	assert.Equal(t, "/runs/quiet-otter-4821/state.json", run.StateFile())
	assert.Equal(t, "/runs/quiet-otter-4821/victim-qmp.sock", run.QMPSocket("victim"))
	assert.Equal(t, "/runs/quiet-otter-4821/logs/victim", run.LogsDir("victim"))
	assert.Equal(t, "/runs/quiet-otter-4821/logs/victim/console.log", run.ConsoleLog("victim"))
	assert.Equal(t, "/runs/quiet-otter-4821/snapshots/victim/init", run.SnapshotDir("victim", "init"))
}

func TestRun_VMJoinRejectsPathTraversal(t *testing.T) {
	run := NewRun("/runs/quiet-otter-4821")

	path := run.QMPSocket("../../etc/passwd")

	assert.True(t, strings.HasPrefix(path, "/runs/quiet-otter-4821"),
		"a malicious VM name must not escape the run directory, got %q", path)
	assert.NotContains(t, path, "..")
}

func TestRun_VMJoinRejectsAbsoluteName(t *testing.T) {
	run := NewRun("/runs/quiet-otter-4821")

	path := run.OverlayDisk("/etc/passwd.qcow2")

	assert.True(t, strings.HasPrefix(path, "/runs/quiet-otter-4821"),
		"an absolute VM name must not escape the run directory, got %q", path)
}

func TestImages_CachedPath(t *testing.T) {
	images := NewImages("/var/cache/intar-images")
	assert.Equal(t, filepath.Join("/var/cache/intar-images", "abc123.img"), images.CachedPath("abc123"))
}

func TestRuns_NewRunDir_IsUniqueAndWellFormed(t *testing.T) {
	runs := NewRuns("/runs")

	first, err := runs.NewRunDir()
	assert.NoError(t, err)
	second, err := runs.NewRunDir()
	assert.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "/runs/"))

	name := filepath.Base(first)
	parts := strings.Split(name, "-")
	if assert.Len(t, parts, 3) {
		assert.Len(t, parts[2], 4, "suffix should be a 4-digit number")
	}
}
