package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/intar-labs/intar/internal/probes"
	"github.com/intar-labs/intar/internal/scenario"
)

func newTestRunner(probeDefs map[string]scenario.ProbeDefinition, vmProbeNames map[string][]string) *ScenarioRunner {
	vmOrder := make([]string, 0, len(vmProbeNames))
	vms := make(map[string]*vmRecord, len(vmProbeNames))
	probeResults := make(map[string]map[string]probes.Result, len(vmProbeNames))

	for name, names := range vmProbeNames {
		vmOrder = append(vmOrder, name)
		vms[name] = &vmRecord{probeNames: names}
		probeResults[name] = make(map[string]probes.Result)
	}

	return &ScenarioRunner{
		sc:           scenario.Scenario{Probes: probeDefs},
		vmOrder:      vmOrder,
		vms:          vms,
		probeResults: probeResults,
	}
}

func TestAllProbesOfPhasePassing_TrueWhenNoneReferenced(t *testing.T) {
	r := newTestRunner(nil, map[string][]string{"victim": nil})
	assert.True(t, r.AllBootProbesPassing())
	assert.True(t, r.AllScenarioProbesPassing())
}

func TestAllProbesOfPhasePassing_FalseUntilRecorded(t *testing.T) {
	defs := map[string]scenario.ProbeDefinition{
		"ssh-up": {Type: "port", Phase: scenario.ProbePhaseBoot},
	}
	r := newTestRunner(defs, map[string][]string{"victim": {"ssh-up"}})

	assert.False(t, r.AllBootProbesPassing())

	r.probeResults["victim"]["ssh-up"] = probes.Pass("ssh-up", "ok")
	assert.True(t, r.AllBootProbesPassing())
}

func TestAllProbesOfPhasePassing_DefaultsToScenarioPhase(t *testing.T) {
	defs := map[string]scenario.ProbeDefinition{
		"web-healthy": {Type: "http"}, // no Phase set
	}
	r := newTestRunner(defs, map[string][]string{"victim": {"web-healthy"}})

	// An unset phase defaults to scenario, so it must not count toward boot readiness.
	assert.True(t, r.AllBootProbesPassing())
	assert.False(t, r.AllScenarioProbesPassing())

	r.probeResults["victim"]["web-healthy"] = probes.Pass("web-healthy", "ok")
	assert.True(t, r.AllScenarioProbesPassing())
}

func TestProbeCounts(t *testing.T) {
	defs := map[string]scenario.ProbeDefinition{
		"a": {Type: "port", Phase: scenario.ProbePhaseBoot},
		"b": {Type: "port", Phase: scenario.ProbePhaseBoot},
	}
	r := newTestRunner(defs, map[string][]string{"victim": {"a", "b"}})

	passing, total := r.ProbeCounts()
	assert.Equal(t, 0, passing)
	assert.Equal(t, 2, total)

	r.probeResults["victim"]["a"] = probes.Pass("a", "ok")
	passing, total = r.ProbeCounts()
	assert.Equal(t, 1, passing)
	assert.Equal(t, 2, total)
}

func TestClearProbeResults(t *testing.T) {
	r := newTestRunner(nil, map[string][]string{"victim": {"a"}})
	r.probeResults["victim"]["a"] = probes.Pass("a", "ok")

	r.ClearProbeResults()

	_, ok := r.probeResults["victim"]["a"]
	assert.False(t, ok)
}

func TestNamedSpecsForPhase_FiltersByPhaseAndBuildsSpecs(t *testing.T) {
	defs := map[string]scenario.ProbeDefinition{
		"ssh-up":  {Type: "port", Phase: scenario.ProbePhaseBoot, Config: map[string]any{"port": float64(22), "port_state": "listening"}},
		"app-up":  {Type: "http", Phase: scenario.ProbePhaseScenario, Config: map[string]any{"url": "http://x", "status": float64(200)}},
	}
	r := newTestRunner(defs, map[string][]string{"victim": {"ssh-up", "app-up"}})

	named, err := r.namedSpecsForPhase("victim", []string{"ssh-up", "app-up"}, scenario.ProbePhaseBoot)
	assert.NoError(t, err)
	if assert.Len(t, named, 1) {
		assert.Equal(t, "ssh-up", named[0].ID)
		assert.Equal(t, probes.KindPort, named[0].Spec.Kind)
	}
}

func TestNamedSpecsForPhase_UnknownProbeErrors(t *testing.T) {
	r := newTestRunner(nil, map[string][]string{"victim": {"ghost"}})

	_, err := r.namedSpecsForPhase("victim", []string{"ghost"}, scenario.ProbePhaseBoot)
	assert.Error(t, err)
}

func TestCheckProbes_SkipsVMsWithNoMatchingPhaseProbes(t *testing.T) {
	defs := map[string]scenario.ProbeDefinition{
		"app-up": {Type: "http", Phase: scenario.ProbePhaseScenario},
	}
	r := newTestRunner(defs, map[string][]string{"victim": {"app-up"}})

	err := r.CheckProbes(context.Background(), scenario.ProbePhaseBoot)
	assert.NoError(t, err)
	assert.Empty(t, r.probeResults["victim"])
}

func TestCheckProbes_UnknownVMErrors(t *testing.T) {
	r := newTestRunner(nil, map[string][]string{"victim": nil})
	r.vmOrder = append(r.vmOrder, "ghost")

	err := r.CheckProbes(context.Background(), scenario.ProbePhaseBoot)
	assert.Error(t, err)
}
