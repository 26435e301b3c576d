// Package engine runs the scheduling loop and the bounded worker pool that
// executes claimed tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/untoldecay/dts/internal/types"
)

// Store is the slice of the repository the engine needs.
type Store interface {
	ClaimRunnableTasks(ctx context.Context, nowMS, leaseMS int64, limit int) ([]types.Claim, error)
	MarkCompleted(ctx context.Context, taskID string, nowMS int64) error
	MarkFailed(ctx context.Context, taskID string, nowMS int64, errMsg string) error
	RecoverStaleRunning(ctx context.Context, nowMS int64, maxAttempts int) (int, error)
	CountRunningLeased(ctx context.Context, nowMS int64) (int, error)
	CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error)
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// Worker executes a single claimed task: it simulates the work by sleeping
// for the task's duration, then commits the terminal transition.
type Worker struct {
	store  Store
	logger *slog.Logger
}

func NewWorker(store Store, logger *slog.Logger) *Worker {
	return &Worker{store: store, logger: logger}
}

// Run sleeps for the claim's duration and marks the task COMPLETED. If ctx
// is cancelled mid-sleep the task is marked FAILED instead and the cause
// returned. A Conflict on the terminal write means the lease expired and
// recovery already moved the task on; that is logged and swallowed.
func (w *Worker) Run(ctx context.Context, claim types.Claim) error {
	start := time.Now()
	w.logger.Info("running task", "task", claim.ID, "duration_ms", claim.DurationMS)

	timer := time.NewTimer(time.Duration(claim.DurationMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		w.markFailed(claim.ID, fmt.Sprintf("Execution interrupted: %v", ctx.Err()))
		return ctx.Err()
	case <-timer.C:
	}

	if err := w.markCompleted(claim.ID); err != nil {
		return err
	}
	w.logger.Info("completed task", "task", claim.ID, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func (w *Worker) markCompleted(taskID string) error {
	// Background context: the terminal write must land even when the run
	// context is already cancelled.
	err := w.store.MarkCompleted(context.Background(), taskID, nowMS())
	if errors.Is(err, types.ErrConflict) {
		w.logger.Info("task no longer RUNNING on completion; lease likely expired",
			"task", taskID, "error", err)
		return nil
	}
	return err
}

func (w *Worker) markFailed(taskID, msg string) {
	err := w.store.MarkFailed(context.Background(), taskID, nowMS(), msg)
	if errors.Is(err, types.ErrConflict) {
		w.logger.Info("task no longer RUNNING on failure; lease likely expired",
			"task", taskID, "error", err)
		return
	}
	if err != nil {
		w.logger.Error("failed to mark task FAILED", "task", taskID, "error", err)
	}
}
