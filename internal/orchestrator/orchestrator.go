// Package orchestrator drives matching jobs from pending to terminal. It
// claims at most one job at a time, hands it to the configured runner
// backend, and polls until the workload finishes or times out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"empi/internal/config"
	"empi/internal/logging"
	"empi/internal/runner"
	"empi/internal/store"
)

// Orchestrator owns the job polling loop.
type Orchestrator struct {
	cfg     *config.Config
	store   *store.Store
	backend runner.Runner
	logger  *slog.Logger

	pollInterval       time.Duration
	errorRetryInterval time.Duration
	jobTimeout         time.Duration
	runnerPollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New constructs an orchestrator over the given store and runner backend.
func New(cfg *config.Config, st *store.Store, backend runner.Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:                cfg,
		store:              st,
		backend:            backend,
		logger:             logging.WithComponent(logger, "orchestrator"),
		pollInterval:       time.Duration(cfg.Matching.PollInterval) * time.Second,
		errorRetryInterval: time.Duration(cfg.Matching.ErrorRetryInterval) * time.Second,
		jobTimeout:         time.Duration(cfg.Matching.JobTimeout) * time.Second,
		runnerPollInterval: time.Duration(cfg.Matching.RunnerPollInterval) * time.Second,
	}
}

// Start begins background job processing. Jobs left running by a previous
// daemon are failed before the loop claims anything new.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.wg.Add(1)
	o.mu.Unlock()

	reset, err := o.store.ResetOrphanedRunningJobs(ctx)
	if err != nil {
		o.logger.Error("orphaned job reset failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "orphan_reset_failed"),
			logging.String(logging.FieldErrorHint, "check database access"))
	} else if reset > 0 {
		o.logger.Warn("failed jobs left running by previous daemon",
			logging.Int64("reset_jobs", reset))
	}

	go o.run(runCtx)
	return nil
}

// Stop terminates background processing and waits for completion.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
}

// LastError reports the most recent loop failure for health reporting.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := o.store.ClaimNextPendingJob(ctx)
		if err != nil {
			o.setLastError(err)
			o.logger.Error("failed to claim next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_claim_failed"),
				logging.String(logging.FieldErrorHint, "check database access"))
			o.sleep(ctx, o.errorRetryInterval)
			continue
		}
		if job == nil {
			o.sleep(ctx, o.pollInterval)
			continue
		}

		if err := o.executeJob(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			o.setLastError(err)
		}
	}
}

// executeJob runs one claimed job through the backend and records the
// terminal status. The workload is always torn down, even on timeout or
// shutdown.
func (o *Orchestrator) executeJob(ctx context.Context, job *store.Job) error {
	logger := o.logger.With(logging.Int64(logging.FieldJobID, job.ID))
	logger.Info("job claimed", logging.String("kind", string(job.Kind)))

	handle, err := o.backend.Start(ctx, job)
	if err != nil {
		logger.Error("runner start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "runner_start_failed"),
			logging.String(logging.FieldErrorHint, "check runner backend availability"))
		return o.finish(ctx, job, store.JobFailed, fmt.Sprintf("runner start: %v", err))
	}
	if err := o.store.SetJobRunnerHandle(ctx, job.ID, string(handle)); err != nil {
		logger.Error("persisting runner handle failed", logging.Error(err))
	}

	deadline := time.Now().Add(o.jobTimeout)
	for {
		select {
		case <-ctx.Done():
			o.teardown(logger, handle)
			return o.finish(context.Background(), job, store.JobFailed, "daemon shutdown")
		case <-time.After(o.runnerPollInterval):
		}

		if o.jobTimeout > 0 && time.Now().After(deadline) {
			logger.Warn("job timed out", logging.Duration("timeout", o.jobTimeout))
			o.teardown(logger, handle)
			return o.finish(ctx, job, store.JobFailed, fmt.Sprintf("timed out after %s", o.jobTimeout))
		}

		result, err := o.backend.Poll(ctx, handle)
		if err != nil {
			logger.Error("runner poll failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "runner_poll_failed"),
				logging.String(logging.FieldErrorHint, "check runner backend availability"))
			o.teardown(logger, handle)
			return o.finish(ctx, job, store.JobFailed, fmt.Sprintf("runner poll: %v", err))
		}
		if !result.Phase.Terminal() {
			continue
		}

		o.teardown(logger, handle)
		if result.Phase == runner.PhaseSucceeded {
			logger.Info("job succeeded")
			return o.finish(ctx, job, store.JobSucceeded, "")
		}
		logger.Warn("job failed", logging.String("reason", result.Reason))
		return o.finish(ctx, job, store.JobFailed, result.Reason)
	}
}

func (o *Orchestrator) teardown(logger *slog.Logger, handle runner.Handle) {
	teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.backend.Teardown(teardownCtx, handle); err != nil {
		logger.Error("runner teardown failed", logging.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, job *store.Job, status store.JobStatus, reason string) error {
	if err := o.store.FinishJob(ctx, job.ID, status, reason); err != nil {
		return fmt.Errorf("finish job %d: %w", job.ID, err)
	}
	return nil
}

func (o *Orchestrator) sleep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}
