package main

import (
	"fmt"
	"log/slog"

	"empi/internal/api"
	"empi/internal/commit"
	"empi/internal/config"
	"empi/internal/daemon"
	"empi/internal/importer"
	"empi/internal/objstore"
	"empi/internal/orchestrator"
	"empi/internal/runner"
	"empi/internal/store"
)

// buildDaemon wires the store, services, and job runner into a daemon.
// configPath is forwarded to locally spawned match jobs so they read the
// same configuration as the daemon.
func buildDaemon(cfg *config.Config, configPath string, logger *slog.Logger) (*daemon.Daemon, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	imp := importer.New(st, objstore.NewLocal(), logger)
	commits := commit.New(st, logger)
	svc := api.NewService(st, imp, commits, logger)

	backend, err := runner.New(cfg, configPath, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build job runner: %w", err)
	}
	orch := orchestrator.New(cfg, st, backend, logger)

	d, err := daemon.New(cfg, st, svc, orch, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}
