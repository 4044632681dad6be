// Package runner abstracts where matching jobs execute. The orchestrator
// starts a job through a backend, polls it to completion, and tears it down;
// backends cover a local subprocess and a remote cluster workload.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"empi/internal/config"
	"empi/internal/store"
)

// ErrRunner wraps every backend execution failure.
var ErrRunner = errors.New("runner error")

// Handle identifies one started workload to its backend.
type Handle string

// Phase is the observed lifecycle state of a workload.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Terminal reports whether the phase will not change again.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Result is one poll observation of a workload.
type Result struct {
	Phase  Phase
	Reason string
}

// Runner executes matching jobs on some backend.
type Runner interface {
	// Start launches the workload for a claimed job and returns an opaque
	// handle for later polls.
	Start(ctx context.Context, job *store.Job) (Handle, error)
	// Poll reports the workload's current phase.
	Poll(ctx context.Context, handle Handle) (Result, error)
	// Teardown releases backend resources for a workload. It is safe to
	// call after a terminal poll and on abandon.
	Teardown(ctx context.Context, handle Handle) error
}

// New selects the backend named by the configuration.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (Runner, error) {
	switch cfg.Matching.Runner {
	case config.RunnerLocal:
		return NewLocal(cfg, configPath, logger), nil
	case config.RunnerCluster:
		return NewCluster(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown runner backend %q", ErrRunner, cfg.Matching.Runner)
	}
}
