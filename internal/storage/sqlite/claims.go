package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/untoldecay/dts/internal/types"
)

// ClaimRunnableTasks atomically claims up to limit runnable tasks and marks
// them RUNNING with a lease of leaseMS. Runnable means status QUEUED with
// remaining_deps zero; candidates are taken oldest first. Each claim bumps
// attempts and keeps the original started_at across retries.
func (s *Store) ClaimRunnableTasks(ctx context.Context, nowMS, leaseMS int64, limit int) ([]types.Claim, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claims []types.Claim
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, duration_ms
			FROM tasks
			WHERE status = ? AND remaining_deps = 0
			ORDER BY created_at ASC
			LIMIT ?`,
			types.StatusQueued, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c types.Claim
			if err := rows.Scan(&c.ID, &c.DurationMS); err != nil {
				return err
			}
			claims = append(claims, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claims) == 0 {
			return nil
		}

		ids := make([]string, len(claims))
		for i, c := range claims {
			ids[i] = c.ID
		}

		// Mark RUNNING; the WHERE re-asserts the runnable predicate.
		query := fmt.Sprintf(`
			UPDATE tasks
			SET status = ?,
			    started_at = COALESCE(started_at, ?),
			    updated_at = ?,
			    attempts = attempts + 1,
			    lease_expires_at = ?
			WHERE id IN (%s) AND status = ? AND remaining_deps = 0`,
			placeholders(len(ids)))
		args := make([]any, 0, len(ids)+5)
		args = append(args, types.StatusRunning, nowMS, nowMS, nowMS+leaseMS)
		for _, id := range ids {
			args = append(args, id)
		}
		args = append(args, types.StatusQueued)

		_, err = conn.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, wrapDBError("claim runnable tasks", err)
	}
	return claims, nil
}

// MarkCompleted transitions a RUNNING task to COMPLETED and decrements
// remaining_deps on its QUEUED dependents, clamped at zero. Returns
// NotFound for unknown ids and Conflict when the task is not RUNNING.
func (s *Store) MarkCompleted(ctx context.Context, taskID string, nowMS int64) error {
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    updated_at = ?,
			    finished_at = ?,
			    lease_expires_at = NULL,
			    last_error = NULL
			WHERE id = ? AND status = ?`,
			types.StatusCompleted, nowMS, nowMS, taskID, types.StatusRunning)
		if err != nil {
			return err
		}
		if err := requireTransitioned(ctx, conn, res, taskID, "cannot mark completed"); err != nil {
			return err
		}

		_, err = conn.ExecContext(ctx, `
			UPDATE tasks
			SET remaining_deps = CASE WHEN remaining_deps > 0 THEN remaining_deps - 1 ELSE 0 END,
			    updated_at = ?
			WHERE id IN (SELECT task_id FROM deps WHERE depends_on_id = ?)
			  AND status = ?`,
			nowMS, taskID, types.StatusQueued)
		return err
	})
	return wrapDBError("mark completed", err)
}

// MarkFailed transitions a RUNNING task to FAILED, recording errMsg. It
// does not touch dependents; they stay QUEUED behind a dependency that will
// never complete.
func (s *Store) MarkFailed(ctx context.Context, taskID string, nowMS int64, errMsg string) error {
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    updated_at = ?,
			    finished_at = ?,
			    lease_expires_at = NULL,
			    last_error = ?
			WHERE id = ? AND status = ?`,
			types.StatusFailed, nowMS, nowMS, errMsg, taskID, types.StatusRunning)
		if err != nil {
			return err
		}
		return requireTransitioned(ctx, conn, res, taskID, "cannot mark failed")
	})
	return wrapDBError("mark failed", err)
}

// requireTransitioned turns a zero-row guarded terminal UPDATE into the
// right domain error: NotFound when the id is unknown, Conflict carrying
// the observed status otherwise.
func requireTransitioned(ctx context.Context, conn *sql.Conn, res sql.Result, taskID, action string) error {
	updated, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}

	var status string
	err = conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewNotFound(
			fmt.Sprintf("Task not found: %s", taskID),
			map[string]any{"id": taskID})
	}
	if err != nil {
		return err
	}
	return types.NewConflict(
		fmt.Sprintf("Task is not RUNNING; %s", action),
		map[string]any{"id": taskID, "status": status})
}
