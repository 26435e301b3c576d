package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/untoldecay/dts/internal/metrics"
	"github.com/untoldecay/dts/internal/types"
)

// Config holds the scheduler's runtime knobs. Zero values for
// RecoveryIntervalMS and ClaimBatchSize fall back to defaults; the rest are
// validated by New.
type Config struct {
	MaxConcurrent      int
	TickMS             int64
	LeaseMS            int64
	MaxAttempts        int
	RecoveryIntervalMS int64
	ClaimBatchSize     int
}

const (
	defaultRecoveryIntervalMS = 5_000
	defaultClaimBatchSize     = 50
)

// Scheduler periodically recovers stale leases, computes free capacity from
// database truth (RUNNING rows with a live lease), claims runnable tasks up
// to that capacity, and hands them to a bounded worker pool.
type Scheduler struct {
	store  Store
	cfg    Config
	worker *Worker
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	tokens  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

func New(store Store, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max_concurrent must be > 0 (got %d)", cfg.MaxConcurrent)
	}
	if cfg.TickMS <= 0 {
		return nil, fmt.Errorf("sched_tick_ms must be > 0 (got %d)", cfg.TickMS)
	}
	if cfg.LeaseMS <= 0 {
		return nil, fmt.Errorf("lease_ms must be > 0 (got %d)", cfg.LeaseMS)
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max_attempts must be > 0 (got %d)", cfg.MaxAttempts)
	}
	if cfg.RecoveryIntervalMS <= 0 {
		cfg.RecoveryIntervalMS = defaultRecoveryIntervalMS
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = defaultClaimBatchSize
	}

	return &Scheduler{
		store:  store,
		cfg:    cfg,
		worker: NewWorker(store, logger),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		tokens: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Start runs one synchronous recovery pass, then launches the loop. Safe to
// call once.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("starting scheduler",
		"max_concurrent", s.cfg.MaxConcurrent,
		"tick_ms", s.cfg.TickMS,
		"lease_ms", s.cfg.LeaseMS)

	// Recover leftovers from a previous process before scheduling new work.
	s.runRecovery()

	go s.run(nowMS())
}

// Stop halts the loop and waits for in-flight tasks to finish. Tasks are
// not cancelled; they run to completion and commit their transitions.
func (s *Scheduler) Stop() {
	if !s.started.Load() || !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("stopping scheduler")
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler loop did not exit promptly")
	}

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(lastRecovery int64) {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Duration(s.cfg.TickMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			tickStart := time.Now()
			t0 := nowMS()

			// Periodic recovery covers tasks outliving their lease while
			// the process stays up.
			if t0-lastRecovery >= s.cfg.RecoveryIntervalMS {
				s.runRecovery()
				lastRecovery = t0
			}

			if err := s.claimAndDispatch(t0); err != nil {
				s.logger.Error("scheduler iteration failed", "error", err)
			}

			s.refreshTaskGauges()
			metrics.SchedulerTickDuration.Observe(time.Since(tickStart).Seconds())
		}
	}
}

func (s *Scheduler) claimAndDispatch(now int64) error {
	// Capacity is derived from database truth, not in-process state, so a
	// restart with stale RUNNING rows never over-schedules.
	running, err := s.store.CountRunningLeased(context.Background(), now)
	if err != nil {
		return err
	}
	slots := s.cfg.MaxConcurrent - running
	if slots <= 0 {
		return nil
	}

	limit := slots
	if limit > s.cfg.ClaimBatchSize {
		limit = s.cfg.ClaimBatchSize
	}
	claims, err := s.store.ClaimRunnableTasks(context.Background(), now, s.cfg.LeaseMS, limit)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		return nil
	}

	metrics.TasksClaimed.Add(float64(len(claims)))
	for _, claim := range claims {
		s.dispatch(claim)
	}
	s.logger.Info("claimed tasks", "count", len(claims), "running", running, "slots", slots)
	return nil
}

// dispatch blocks on a pool token when all workers are busy. The DB capacity
// check keeps that window small: it only happens between a worker's terminal
// write and its token release.
func (s *Scheduler) dispatch(claim types.Claim) {
	s.tokens <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.tokens
			s.wg.Done()
		}()
		if err := s.worker.Run(context.Background(), claim); err != nil {
			s.logger.Error("task execution failed", "task", claim.ID, "error", err)
		}
	}()
}

func (s *Scheduler) runRecovery() {
	transitioned, err := s.store.RecoverStaleRunning(context.Background(), nowMS(), s.cfg.MaxAttempts)
	if err != nil {
		s.logger.Error("recovery pass failed", "error", err)
		return
	}
	if transitioned > 0 {
		metrics.TasksRecovered.Add(float64(transitioned))
		s.logger.Info("recovery transitioned stale tasks", "count", transitioned)
	}
}

var allStatuses = []types.TaskStatus{
	types.StatusQueued,
	types.StatusRunning,
	types.StatusCompleted,
	types.StatusFailed,
	types.StatusBlocked,
}

func (s *Scheduler) refreshTaskGauges() {
	counts, err := s.store.CountByStatus(context.Background())
	if err != nil {
		s.logger.Debug("task gauge refresh failed", "error", err)
		return
	}
	for _, status := range allStatuses {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
