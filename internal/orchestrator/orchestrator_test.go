package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"empi/internal/orchestrator"
	"empi/internal/runner"
	"empi/internal/store"
	"empi/internal/testsupport"
)

type scriptedRunner struct {
	mu       sync.Mutex
	started  []int64
	active   map[runner.Handle]bool
	outcomes map[int64]runner.Result
	maxLive  int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		active:   make(map[runner.Handle]bool),
		outcomes: make(map[int64]runner.Result),
	}
}

func (r *scriptedRunner) Start(ctx context.Context, job *store.Job) (runner.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, job.ID)
	handle := runner.Handle(fmt.Sprintf("job-%d", job.ID))
	r.active[handle] = true
	if live := len(r.active); live > r.maxLive {
		r.maxLive = live
	}
	return handle, nil
}

func (r *scriptedRunner) Poll(ctx context.Context, handle runner.Handle) (runner.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobID int64
	fmt.Sscanf(string(handle), "job-%d", &jobID)
	if result, ok := r.outcomes[jobID]; ok {
		return result, nil
	}
	return runner.Result{Phase: runner.PhaseRunning}, nil
}

func (r *scriptedRunner) Teardown(ctx context.Context, handle runner.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, handle)
	return nil
}

func (r *scriptedRunner) startedJobs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.started...)
}

func (r *scriptedRunner) maxConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLive
}

func waitForStatus(t *testing.T, st *store.Store, jobID int64, want store.JobStatus) *store.Job {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %d never reached status %s", jobID, want)
	return nil
}

func TestOrchestratorRunsJobsSerially(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Matching.PollInterval = 1
	cfg.Matching.RunnerPollInterval = 0
	st := testsupport.MustOpenStore(t, cfg)

	matchCfg := testsupport.SeedMatchConfig(t, st)
	first := testsupport.SeedJob(t, st, matchCfg.ID)
	second := testsupport.SeedJob(t, st, matchCfg.ID)

	backend := newScriptedRunner()
	backend.outcomes[first.ID] = runner.Result{Phase: runner.PhaseSucceeded}
	backend.outcomes[second.ID] = runner.Result{Phase: runner.PhaseFailed, Reason: "comparator unreachable"}

	orch := orchestrator.New(cfg, st, backend, nil)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop()

	waitForStatus(t, st, first.ID, store.JobSucceeded)
	failed := waitForStatus(t, st, second.ID, store.JobFailed)
	if failed.Reason != "comparator unreachable" {
		t.Fatalf("expected runner reason recorded, got %q", failed.Reason)
	}

	if got := backend.startedJobs(); len(got) != 2 || got[0] != first.ID || got[1] != second.ID {
		t.Fatalf("expected jobs started in order, got %v", got)
	}
	if backend.maxConcurrent() != 1 {
		t.Fatalf("expected at most one live workload, saw %d", backend.maxConcurrent())
	}
}

func TestOrchestratorTimesOutStuckJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Matching.PollInterval = 1
	cfg.Matching.RunnerPollInterval = 0
	cfg.Matching.JobTimeout = 1
	st := testsupport.MustOpenStore(t, cfg)

	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)

	backend := newScriptedRunner()
	orch := orchestrator.New(cfg, st, backend, nil)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop()

	failed := waitForStatus(t, st, job.ID, store.JobFailed)
	if failed.Reason == "" {
		t.Fatal("expected timeout reason on failed job")
	}
	if backend.maxConcurrent() != 1 {
		t.Fatalf("expected workload started once, saw %d", backend.maxConcurrent())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		backend.mu.Lock()
		live := len(backend.active)
		backend.mu.Unlock()
		if live == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected workload torn down after timeout")
}

func TestOrchestratorFailsOrphanedJobsOnStart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Matching.PollInterval = 1
	cfg.Matching.RunnerPollInterval = 0
	st := testsupport.MustOpenStore(t, cfg)

	matchCfg := testsupport.SeedMatchConfig(t, st)
	testsupport.SeedJob(t, st, matchCfg.ID)
	orphan, err := st.ClaimNextPendingJob(context.Background())
	if err != nil || orphan == nil {
		t.Fatalf("claim failed: %v %#v", err, orphan)
	}

	backend := newScriptedRunner()
	orch := orchestrator.New(cfg, st, backend, nil)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop()

	failed := waitForStatus(t, st, orphan.ID, store.JobFailed)
	if failed.Reason == "" {
		t.Fatal("expected restart reason on orphaned job")
	}
}
