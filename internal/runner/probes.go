package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/intar-labs/intar/internal/agentclient"
	"github.com/intar-labs/intar/internal/probes"
	"github.com/intar-labs/intar/internal/scenario"
)

const (
	probeConnectRetries = 3
	probeConnectDelay   = 500 * time.Millisecond
)

// CheckProbes evaluates every probe of the given phase, VM by VM in
// scenario-declaration order, and upserts the results into the runner's
// probe-result map. A VM whose agent cannot be reached has every one of its
// probes for this phase recorded as failed; CheckProbes itself never
// returns an error for per-VM failures, only for a VM name that isn't part
// of this run or a probe reference that cannot be resolved or built.
func (r *ScenarioRunner) CheckProbes(ctx context.Context, phase scenario.ProbePhase) error {
	for _, vmName := range r.vmOrder {
		rec, ok := r.vms[vmName]
		if !ok {
			return fmt.Errorf("unknown vm %q", vmName)
		}

		named, err := r.namedSpecsForPhase(vmName, rec.probeNames, phase)
		if err != nil {
			return err
		}
		if len(named) == 0 {
			continue
		}

		results, err := r.checkAllOnVM(ctx, rec.instance.SerialSocket, named)
		if err != nil {
			for _, spec := range named {
				r.probeResults[vmName][spec.ID] = probes.Fail(spec.ID, err.Error())
			}
			continue
		}
		for _, result := range results {
			r.probeResults[vmName][result.ID] = result
		}
	}

	return nil
}

func (r *ScenarioRunner) namedSpecsForPhase(vmName string, probeNames []string, phase scenario.ProbePhase) ([]probes.NamedSpec, error) {
	var named []probes.NamedSpec
	for _, probeName := range probeNames {
		def, ok := r.sc.Probes[probeName]
		if !ok {
			return nil, fmt.Errorf("vm %q references unknown probe %q", vmName, probeName)
		}
		effectivePhase := def.Phase
		if effectivePhase == "" {
			effectivePhase = scenario.ProbePhaseScenario
		}
		if effectivePhase != phase {
			continue
		}

		spec, err := probes.FromDefinition(def.Type, def.Config)
		if err != nil {
			return nil, fmt.Errorf("build probe %q: %w", probeName, err)
		}
		named = append(named, probes.NamedSpec{ID: probeName, Spec: spec})
	}
	return named, nil
}

func (r *ScenarioRunner) checkAllOnVM(ctx context.Context, socketPath string, named []probes.NamedSpec) ([]probes.Result, error) {
	conn, err := agentclient.TryConnect(ctx, socketPath, probeConnectRetries, probeConnectDelay)
	if err != nil {
		return nil, fmt.Errorf("connect to agent: %w", err)
	}
	defer conn.Close()

	return conn.CheckAll(ctx, named)
}

// WaitForBootProbes polls boot-phase probes every 5 seconds for up to 60
// iterations, returning once every boot probe in the scenario passes.
func (r *ScenarioRunner) WaitForBootProbes(ctx context.Context) error {
	for i := 0; i < bootProbeRetries; i++ {
		if err := r.CheckProbes(ctx, scenario.ProbePhaseBoot); err != nil {
			return err
		}
		if r.AllBootProbesPassing() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bootProbeInterval):
		}
	}
	return fmt.Errorf("boot probes did not all pass within %d attempts", bootProbeRetries)
}

// AllBootProbesPassing reports whether every boot-phase probe referenced by
// any VM currently has a passing result.
func (r *ScenarioRunner) AllBootProbesPassing() bool {
	return r.allProbesOfPhasePassing(scenario.ProbePhaseBoot)
}

// AllScenarioProbesPassing reports whether every scenario-phase probe
// referenced by any VM currently has a passing result.
func (r *ScenarioRunner) AllScenarioProbesPassing() bool {
	return r.allProbesOfPhasePassing(scenario.ProbePhaseScenario)
}

func (r *ScenarioRunner) allProbesOfPhasePassing(phase scenario.ProbePhase) bool {
	for _, vmName := range r.vmOrder {
		rec := r.vms[vmName]
		for _, probeName := range rec.probeNames {
			def, ok := r.sc.Probes[probeName]
			if !ok {
				return false
			}
			effectivePhase := def.Phase
			if effectivePhase == "" {
				effectivePhase = scenario.ProbePhaseScenario
			}
			if effectivePhase != phase {
				continue
			}
			result, ok := r.probeResults[vmName][probeName]
			if !ok || !result.Passed {
				return false
			}
		}
	}
	return true
}

// ProbeCounts returns the number of currently-passing probes and the total
// number of probes referenced across the scenario.
func (r *ScenarioRunner) ProbeCounts() (passing, total int) {
	for _, vmName := range r.vmOrder {
		rec := r.vms[vmName]
		total += len(rec.probeNames)
		for _, probeName := range rec.probeNames {
			if result, ok := r.probeResults[vmName][probeName]; ok && result.Passed {
				passing++
			}
		}
	}
	return passing, total
}

// ClearProbeResults discards every recorded probe result, used before
// re-waiting on agents and boot probes after a reset.
func (r *ScenarioRunner) ClearProbeResults() {
	for vmName := range r.probeResults {
		r.probeResults[vmName] = make(map[string]probes.Result)
	}
}
