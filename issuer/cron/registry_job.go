// cron/registry_job.go
package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackcert/hackcert-node/issuer/registry"
)

// RegistryReconciler reconciles every active event against the ledger.
type RegistryReconciler interface {
	ReconcileAll(ctx context.Context) (registry.Summary, error)
}

type RegistryJob struct {
	reconciler     RegistryReconciler
	interval       time.Duration
	perSyncTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	forceCh chan struct{}
	wg      sync.WaitGroup

	lastMu  sync.RWMutex
	last    registry.Summary
	lastAt  time.Time
	lastErr error
}

func NewRegistryJob(r RegistryReconciler, interval, perSyncTimeout time.Duration, logger zerolog.Logger) *RegistryJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if perSyncTimeout <= 0 {
		perSyncTimeout = 2 * time.Minute
	}
	return &RegistryJob{
		reconciler:     r,
		interval:       interval,
		perSyncTimeout: perSyncTimeout,
		logger:         logger.With().Str("component", "registry_cron").Logger(),
	}
}

// Start launches the background loop and returns immediately (non-blocking).
// A first pass runs right away. Safe to call multiple times; subsequent calls are no-ops.
func (j *RegistryJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if j.reconciler == nil {
		return errors.New("cron: registry reconciler must be non-nil")
	}

	j.stopCh = make(chan struct{})
	j.forceCh = make(chan struct{}, 1) // buffered so ForceSync won't block
	j.forceCh <- struct{}{}
	j.running = true
	j.wg.Add(1)

	go j.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
// Safe to call multiple times.
func (j *RegistryJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	close(j.stopCh)
	j.running = false
	j.mu.Unlock()
	j.wg.Wait()
}

// ForceSync schedules an immediate pass. Requests coalesce while one is queued.
func (j *RegistryJob) ForceSync() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	select {
	case j.forceCh <- struct{}{}:
	default:
	}
}

// LastRun returns the most recent pass result and when it finished.
func (j *RegistryJob) LastRun() (registry.Summary, time.Time, error) {
	j.lastMu.RLock()
	defer j.lastMu.RUnlock()
	return j.last, j.lastAt, j.lastErr
}

func (j *RegistryJob) run(parent context.Context) {
	defer j.wg.Done()

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-parent.Done():
			j.logger.Info().Msg("registry cron: context canceled; stopping")
			return
		case <-j.stopCh:
			j.logger.Info().Msg("registry cron: stop requested; stopping")
			return
		case <-t.C:
			if err := j.syncOnce(parent); err != nil {
				j.logger.Warn().Err(err).Msg("periodic registry reconcile failed")
			}
		case <-j.forceCh:
			if err := j.syncOnce(parent); err != nil {
				j.logger.Warn().Err(err).Msg("forced registry reconcile failed")
			}
		}
	}
}

func (j *RegistryJob) syncOnce(parent context.Context) error {
	timeout := j.perSyncTimeout
	if dl, ok := parent.Deadline(); ok {
		if remain := time.Until(dl); remain > 0 && remain < timeout {
			timeout = remain
		}
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	summary, err := j.reconciler.ReconcileAll(ctx)

	j.lastMu.Lock()
	j.last, j.lastAt, j.lastErr = summary, time.Now(), err
	j.lastMu.Unlock()

	if err != nil {
		return err
	}
	for id, reason := range summary.Failed {
		j.logger.Warn().Uint64("event_id", id).Str("reason", reason).Msg("event registration not reconciled")
	}
	j.logger.Info().
		Int("created", len(summary.Created)).
		Int("consistent", len(summary.AlreadyConsistent)).
		Int("failed", len(summary.Failed)).
		Msg("registry reconcile pass finished")
	return nil
}
