package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/untoldecay/dts/internal/types"
)

const taskColumns = `id, type, duration_ms, status, remaining_deps, attempts, max_attempts,
	created_at, updated_at, started_at, finished_at, lease_expires_at, last_error`

// GetTask returns the task with its dependency ids sorted ascending.
func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewNotFound(
			fmt.Sprintf("Task not found: %s", taskID),
			map[string]any{"id": taskID})
	}
	if err != nil {
		return nil, wrapDBError("get task", err)
	}

	deps, err := s.taskDependencies(ctx, taskID)
	if err != nil {
		return nil, wrapDBError("get task", err)
	}
	task.Dependencies = deps
	return task, nil
}

// ListTasks returns a page of tasks ordered by creation time, plus the
// total number of tasks in the store.
func (s *Store) ListTasks(ctx context.Context, limit, offset int) ([]*types.Task, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return nil, 0, wrapDBError("list tasks", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, wrapDBError("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]*types.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, wrapDBError("list tasks", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapDBError("list tasks", err)
	}

	for _, task := range tasks {
		deps, err := s.taskDependencies(ctx, task.ID)
		if err != nil {
			return nil, 0, wrapDBError("list tasks", err)
		}
		task.Dependencies = deps
	}
	return tasks, total, nil
}

// CountByStatus returns the number of tasks per status. Statuses with no
// tasks are absent from the map.
func (s *Store) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("count by status", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status types.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDBError("count by status", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("count by status", err)
	}
	return counts, nil
}

func (s *Store) taskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on_id FROM deps WHERE task_id = ? ORDER BY depends_on_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*types.Task, error) {
	var task types.Task
	var startedAt, finishedAt, leaseExpiresAt sql.NullInt64
	var lastError sql.NullString

	err := row.Scan(
		&task.ID, &task.Type, &task.DurationMS, &task.Status, &task.RemainingDeps,
		&task.Attempts, &task.MaxAttempts, &task.CreatedAt, &task.UpdatedAt,
		&startedAt, &finishedAt, &leaseExpiresAt, &lastError,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		task.StartedAt = &startedAt.Int64
	}
	if finishedAt.Valid {
		task.FinishedAt = &finishedAt.Int64
	}
	if leaseExpiresAt.Valid {
		task.LeaseExpiresAt = &leaseExpiresAt.Int64
	}
	if lastError.Valid {
		task.LastError = &lastError.String
	}
	task.Dependencies = []string{}
	return &task, nil
}
