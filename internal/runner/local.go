package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"empi/internal/config"
	"empi/internal/logging"
	"empi/internal/store"
)

// Local runs matching jobs as child processes of the daemon, re-executing the
// daemon binary in job mode. Each child gets its own process group so a
// teardown kills the whole tree.
type Local struct {
	configPath string
	logger     *slog.Logger

	mu   sync.Mutex
	jobs map[Handle]*localJob
}

type localJob struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
	err    error
}

// NewLocal builds the subprocess backend.
func NewLocal(cfg *config.Config, configPath string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Local{
		configPath: configPath,
		logger:     logging.WithComponent(logger, "runner.local"),
		jobs:       make(map[Handle]*localJob),
	}
}

// Start launches `empid match-job` for the claimed job.
func (l *Local) Start(ctx context.Context, job *store.Job) (Handle, error) {
	executable, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: resolve executable: %v", ErrRunner, err)
	}

	args := []string{"match-job", "--job-id", strconv.FormatInt(job.ID, 10)}
	if l.configPath != "" {
		args = append(args, "--config", l.configPath)
	}
	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := &tailBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: start match-job: %v", ErrRunner, err)
	}

	entry := &localJob{cmd: cmd, stderr: stderr, done: make(chan struct{})}
	go func() {
		entry.err = cmd.Wait()
		close(entry.done)
	}()

	handle := Handle(strconv.Itoa(cmd.Process.Pid))
	l.mu.Lock()
	l.jobs[handle] = entry
	l.mu.Unlock()

	l.logger.Info("match-job started",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("pid", string(handle)))
	return handle, nil
}

// Poll reports whether the child has exited, with its stderr tail as the
// failure reason.
func (l *Local) Poll(ctx context.Context, handle Handle) (Result, error) {
	l.mu.Lock()
	entry := l.jobs[handle]
	l.mu.Unlock()
	if entry == nil {
		return Result{}, fmt.Errorf("%w: unknown workload %s", ErrRunner, handle)
	}

	select {
	case <-entry.done:
	default:
		return Result{Phase: PhaseRunning}, nil
	}

	if entry.err != nil {
		reason := strings.TrimSpace(entry.stderr.String())
		if reason == "" {
			reason = entry.err.Error()
		}
		return Result{Phase: PhaseFailed, Reason: reason}, nil
	}
	return Result{Phase: PhaseSucceeded}, nil
}

// Teardown kills the child's process group if it still runs and forgets the
// handle.
func (l *Local) Teardown(ctx context.Context, handle Handle) error {
	l.mu.Lock()
	entry := l.jobs[handle]
	delete(l.jobs, handle)
	l.mu.Unlock()
	if entry == nil {
		return nil
	}

	select {
	case <-entry.done:
		return nil
	default:
	}

	pid, err := strconv.Atoi(string(handle))
	if err != nil {
		return fmt.Errorf("%w: bad handle %s", ErrRunner, handle)
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("%w: kill process group %d: %v", ErrRunner, pid, err)
	}
	<-entry.done
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.buf.Len() > t.limit {
		trimmed := t.buf.Bytes()[t.buf.Len()-t.limit:]
		remainder := make([]byte, len(trimmed))
		copy(remainder, trimmed)
		t.buf.Reset()
		t.buf.Write(remainder)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
