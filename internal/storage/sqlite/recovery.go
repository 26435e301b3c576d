package sqlite

import (
	"context"
	"database/sql"

	"github.com/untoldecay/dts/internal/types"
)

// RecoverStaleRunning requeues or fails RUNNING tasks whose lease has
// expired. Tasks with attempts below maxAttempts go back to QUEUED and will
// be claimed again; the rest are FAILED for good. Returns the number of
// tasks transitioned.
func (s *Store) RecoverStaleRunning(ctx context.Context, nowMS int64, maxAttempts int) (int, error) {
	var transitioned int64
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    updated_at = ?,
			    lease_expires_at = NULL,
			    last_error = 'Recovered: lease expired; re-queued'
			WHERE status = ?
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at <= ?
			  AND attempts < ?`,
			types.StatusQueued, nowMS, types.StatusRunning, nowMS, maxAttempts)
		if err != nil {
			return err
		}
		requeued, err := res.RowsAffected()
		if err != nil {
			return err
		}

		res, err = conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    updated_at = ?,
			    finished_at = COALESCE(finished_at, ?),
			    lease_expires_at = NULL,
			    last_error = 'Recovered: lease expired; max attempts reached'
			WHERE status = ?
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at <= ?
			  AND attempts >= ?`,
			types.StatusFailed, nowMS, nowMS, types.StatusRunning, nowMS, maxAttempts)
		if err != nil {
			return err
		}
		failed, err := res.RowsAffected()
		if err != nil {
			return err
		}

		transitioned = requeued + failed
		return nil
	})
	if err != nil {
		return 0, wrapDBError("recover stale running", err)
	}
	return int(transitioned), nil
}

// CountRunningLeased counts RUNNING tasks holding an unexpired lease. A
// lease expiring exactly now is already stale and not counted.
func (s *Store) CountRunningLeased(ctx context.Context, nowMS int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM tasks
		WHERE status = ?
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at > ?`,
		types.StatusRunning, nowMS).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count running leased", err)
	}
	return count, nil
}
