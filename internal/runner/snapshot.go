package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SaveCheckpoint pauses every VM, saves a named snapshot on each
// concurrently, and resumes every VM regardless of whether the snapshot
// succeeded. A checkpoint tag is only meaningful once it has been taken on
// every VM in the scenario; partial failures are reported but every VM is
// still resumed.
func (r *ScenarioRunner) SaveCheckpoint(ctx context.Context, tag string) error {
	if err := r.pauseAll(ctx); err != nil {
		_ = r.resumeAll(ctx)
		return err
	}

	var g errgroup.Group
	for _, name := range r.vmOrder {
		rec := r.vms[name]
		g.Go(func() error {
			if err := rec.instance.SaveCheckpoint(ctx, tag); err != nil {
				return fmt.Errorf("vm %q: %w", name, err)
			}
			return nil
		})
	}
	saveErr := g.Wait()

	if err := r.resumeAll(ctx); err != nil && saveErr == nil {
		saveErr = err
	}

	return saveErr
}

// Reset pauses every VM, loads the named snapshot on each concurrently, and
// resumes every VM regardless of outcome, then clears stale probe results
// and re-confirms agent reachability and boot-probe health against the
// restored state.
func (r *ScenarioRunner) Reset(ctx context.Context, tag string) error {
	if err := r.pauseAll(ctx); err != nil {
		_ = r.resumeAll(ctx)
		return err
	}

	var g errgroup.Group
	for _, name := range r.vmOrder {
		rec := r.vms[name]
		g.Go(func() error {
			if err := rec.instance.LoadCheckpoint(ctx, tag); err != nil {
				return fmt.Errorf("vm %q: %w", name, err)
			}
			return nil
		})
	}
	loadErr := g.Wait()

	if err := r.resumeAll(ctx); err != nil {
		if loadErr == nil {
			loadErr = err
		}
		return loadErr
	}
	if loadErr != nil {
		return loadErr
	}

	r.ClearProbeResults()

	if err := r.WaitForAgents(ctx); err != nil {
		return fmt.Errorf("agents unresponsive after reset: %w", err)
	}
	if err := r.WaitForBootProbes(ctx); err != nil {
		return fmt.Errorf("boot probes failing after reset: %w", err)
	}

	return nil
}

func (r *ScenarioRunner) pauseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range r.vmOrder {
		rec := r.vms[name]
		g.Go(func() error {
			if err := rec.instance.Pause(ctx); err != nil {
				return fmt.Errorf("pause vm %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *ScenarioRunner) resumeAll(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range r.vmOrder {
		rec := r.vms[name]
		g.Go(func() error {
			if err := rec.instance.Resume(ctx); err != nil {
				return fmt.Errorf("resume vm %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
