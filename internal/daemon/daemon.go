// Package daemon ties the long-running pieces together: single-instance
// locking, the matching orchestrator, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"empi/internal/api"
	"empi/internal/config"
	"empi/internal/logging"
	"empi/internal/orchestrator"
	"empi/internal/store"
)

// Daemon coordinates background processing and enforces single-instance
// execution via a lock file in the data directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	orch   *orchestrator.Orchestrator
	api    *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, svc *api.Service, orch *orchestrator.Orchestrator, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil || svc == nil || orch == nil {
		return nil, errors.New("daemon requires config, store, service, and orchestrator")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockFilePath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		store:    st,
		orch:     orch,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, svc, st, logger)
	return d, nil
}

// Start acquires the instance lock and launches the orchestrator and API
// server. It returns once both are running.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another empi daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	d.cancel = cancel
	d.group = group

	if err := d.orch.Start(groupCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := d.api.start(groupCtx, group); err != nil {
		d.orch.Stop()
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start api server: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.addr()))
	return nil
}

// Stop terminates background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.orch.Stop()
	d.api.stop()
	if d.group != nil {
		_ = d.group.Wait()
		d.group = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and closes the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// APIAddr reports the bound API address, for tests using port 0.
func (d *Daemon) APIAddr() string {
	return d.api.addr()
}
