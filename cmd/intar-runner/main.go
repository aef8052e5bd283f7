package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/intar-labs/intar/internal/config"
	"github.com/intar-labs/intar/internal/imagecache"
	"github.com/intar-labs/intar/internal/logger"
	"github.com/intar-labs/intar/internal/paths"
	"github.com/intar-labs/intar/internal/runner"
	"github.com/intar-labs/intar/internal/scenario"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: %s <scenario.json>", os.Args[0])
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logger.NewConfig()
	log := logger.NewSubsystemLogger(logger.SubsystemRunner, logCfg)
	slog.SetDefault(logger.NewLogger(logCfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := loadScenario(os.Args[1])
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("validate scenario: %w", err)
	}

	runs := paths.NewRuns(cfg.RunsDir)
	images := imagecache.NewWithLimit(cfg.ImagesDir, cfg.MaxImageCacheSize)

	r, err := runner.NewWithDirs(sc, runs, images, cfg.Arch, log)
	if err != nil {
		return fmt.Errorf("create scenario runner: %w", err)
	}

	log.Info("run directory created", "dir", r.RunDir())

	for _, def := range sc.VMs {
		if err := r.CreateVM(ctx, def); err != nil {
			return fmt.Errorf("create vm %q: %w", def.Name, err)
		}
	}

	if err := r.StartVMs(ctx); err != nil {
		return fmt.Errorf("start vms: %w", err)
	}

	defer func() {
		stopCtx := context.Background()
		if err := r.Stop(stopCtx); err != nil {
			log.Error("stop scenario", "error", err)
		}
		if err := r.Cleanup(); err != nil {
			log.Error("cleanup run directory", "error", err)
		}
	}()

	if err := r.WaitForAgents(ctx); err != nil {
		return fmt.Errorf("wait for agents: %w", err)
	}

	if err := r.EstablishInitCheckpoint(ctx); err != nil {
		return fmt.Errorf("establish init checkpoint: %w", err)
	}

	for _, def := range sc.VMs {
		cmd, err := r.GetSSHCommand(def.Name)
		if err != nil {
			return fmt.Errorf("get ssh command for %q: %w", def.Name, err)
		}
		log.Info("vm ready", "vm", def.Name, "ssh", cmd)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	return nil
}

func loadScenario(path string) (scenario.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scenario.Scenario{}, fmt.Errorf("read scenario file: %w", err)
	}
	var sc scenario.Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return scenario.Scenario{}, fmt.Errorf("decode scenario file: %w", err)
	}
	return sc, nil
}
