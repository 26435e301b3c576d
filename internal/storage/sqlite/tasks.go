package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/untoldecay/dts/internal/types"
)

// CreateTask inserts a task and its dependency edges in one transaction.
// The id must be new, every dependency must already exist, and the new edges
// must not close a cycle. remaining_deps counts dependencies that are not
// yet COMPLETED; status starts as QUEUED always, readiness is derived from
// remaining_deps reaching zero.
func (s *Store) CreateTask(ctx context.Context, task *types.TaskCreate, nowMS int64, defaultMaxAttempts int) error {
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var one int
		err := conn.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, task.ID).Scan(&one)
		if err == nil {
			return types.NewConflict(
				fmt.Sprintf("Task already exists: %s", task.ID),
				map[string]any{"id": task.ID})
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if len(task.Dependencies) > 0 {
			missing, err := s.missingDependencyIDs(ctx, conn, task.Dependencies)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return types.NewDependency(
					"One or more dependencies do not exist",
					map[string]any{"missing": missing})
			}

			// Adding edges task -> dep creates a cycle iff the new id is
			// already reachable from any dep in the existing graph.
			cyclic, err := s.wouldCreateCycle(ctx, conn, task.ID, task.Dependencies)
			if err != nil {
				return err
			}
			if cyclic {
				return types.NewCycle(
					fmt.Sprintf("Adding dependencies would create a cycle for task %s", task.ID),
					map[string]any{"id": task.ID, "dependencies": task.Dependencies})
			}
		}

		remaining, err := s.countIncompleteDependencies(ctx, conn, task.Dependencies)
		if err != nil {
			return err
		}

		if _, err := conn.ExecContext(ctx, `
			INSERT INTO tasks (id, type, duration_ms, status, remaining_deps, attempts, max_attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			task.ID, task.Type, task.DurationMS, types.StatusQueued, remaining,
			defaultMaxAttempts, nowMS, nowMS,
		); err != nil {
			return err
		}

		for _, dep := range task.Dependencies {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO deps (task_id, depends_on_id) VALUES (?, ?)`,
				task.ID, dep,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapDBError("create task", err)
}

// CreateTasksBatch atomically inserts a batch of tasks and their edges.
// Every id must be new; dependencies must exist either in the database or
// within the batch itself; cycles among batch members are rejected before
// any insert. Returns the created ids in input order.
func (s *Store) CreateTasksBatch(ctx context.Context, tasks []types.TaskCreate, nowMS int64, defaultMaxAttempts int) ([]string, error) {
	if len(tasks) == 0 {
		return nil, types.NewValidation("tasks batch must not be empty")
	}

	batchIDs := make([]string, len(tasks))
	batchIDSet := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		batchIDs[i] = tasks[i].ID
		batchIDSet[tasks[i].ID] = struct{}{}
	}
	if len(batchIDSet) != len(batchIDs) {
		return nil, types.NewValidation("batch contains duplicate task ids")
	}

	depSet := make(map[string]struct{})
	for i := range tasks {
		for _, dep := range tasks[i].Dependencies {
			depSet[dep] = struct{}{}
		}
	}
	externalDeps := make([]string, 0, len(depSet))
	for dep := range depSet {
		if _, inBatch := batchIDSet[dep]; !inBatch {
			externalDeps = append(externalDeps, dep)
		}
	}
	sort.Strings(externalDeps)

	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		existing, err := s.existingTaskIDs(ctx, conn, batchIDs)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			sort.Strings(existing)
			return types.NewConflict(
				"One or more task ids already exist",
				map[string]any{"existing": existing})
		}

		missing, err := s.missingDependencyIDs(ctx, conn, externalDeps)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return types.NewDependency(
				"One or more dependencies do not exist",
				map[string]any{"missing": missing})
		}

		if err := batchAcyclic(tasks); err != nil {
			return err
		}

		// One query for the completion state of all external deps; in-batch
		// deps always count as incomplete since they are created QUEUED here.
		incomplete, err := s.incompleteDependencySet(ctx, conn, externalDeps)
		if err != nil {
			return err
		}

		for i := range tasks {
			t := &tasks[i]
			remaining := 0
			for _, dep := range t.Dependencies {
				if _, inBatch := batchIDSet[dep]; inBatch {
					remaining++
				} else if _, ok := incomplete[dep]; ok {
					remaining++
				}
			}

			if _, err := conn.ExecContext(ctx, `
				INSERT INTO tasks (id, type, duration_ms, status, remaining_deps, attempts, max_attempts, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
				t.ID, t.Type, t.DurationMS, types.StatusQueued, remaining,
				defaultMaxAttempts, nowMS, nowMS,
			); err != nil {
				return err
			}
		}

		for i := range tasks {
			for _, dep := range tasks[i].Dependencies {
				if _, err := conn.ExecContext(ctx,
					`INSERT INTO deps (task_id, depends_on_id) VALUES (?, ?)`,
					tasks[i].ID, dep,
				); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapDBError("create tasks batch", err)
	}
	return batchIDs, nil
}

// batchAcyclic runs Kahn's algorithm over edges between batch members.
// Edges to tasks outside the batch cannot form a cycle because those tasks
// already exist and existing edges never point at unseen ids.
func batchAcyclic(tasks []types.TaskCreate) error {
	ids := make([]string, len(tasks))
	idSet := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
		idSet[tasks[i].ID] = struct{}{}
	}

	dependents := make(map[string][]string)
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for i := range tasks {
		for _, dep := range tasks[i].Dependencies {
			if _, inBatch := idSet[dep]; inBatch {
				dependents[dep] = append(dependents[dep], tasks[i].ID)
				indegree[tasks[i].ID]++
			}
		}
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range dependents[node] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(ids) {
		return types.NewCycle(
			"Batch contains a dependency cycle",
			map[string]any{"batch_ids": ids})
	}
	return nil
}

// existingTaskIDs returns the subset of ids already present in tasks.
func (s *Store) existingTaskIDs(ctx context.Context, conn *sql.Conn, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id FROM tasks WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := conn.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found = append(found, id)
	}
	return found, rows.Err()
}

// missingDependencyIDs returns the dep ids that do not exist, sorted.
func (s *Store) missingDependencyIDs(ctx context.Context, conn *sql.Conn, depIDs []string) ([]string, error) {
	if len(depIDs) == 0 {
		return nil, nil
	}
	found, err := s.existingTaskIDs(ctx, conn, depIDs)
	if err != nil {
		return nil, err
	}
	foundSet := make(map[string]struct{}, len(found))
	for _, id := range found {
		foundSet[id] = struct{}{}
	}

	missingSet := make(map[string]struct{})
	for _, dep := range depIDs {
		if _, ok := foundSet[dep]; !ok {
			missingSet[dep] = struct{}{}
		}
	}
	missing := make([]string, 0, len(missingSet))
	for dep := range missingSet {
		missing = append(missing, dep)
	}
	sort.Strings(missing)
	return missing, nil
}

// countIncompleteDependencies counts deps whose status is not COMPLETED.
func (s *Store) countIncompleteDependencies(ctx context.Context, conn *sql.Conn, depIDs []string) (int, error) {
	if len(depIDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM tasks
		WHERE id IN (%s) AND status != ?`, placeholders(len(depIDs)))
	var count int
	err := conn.QueryRowContext(ctx, query, stringArgs(depIDs, types.StatusCompleted)...).Scan(&count)
	return count, err
}

// incompleteDependencySet returns the subset of depIDs that exist and are
// not COMPLETED.
func (s *Store) incompleteDependencySet(ctx context.Context, conn *sql.Conn, depIDs []string) (map[string]struct{}, error) {
	if len(depIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id FROM tasks
		WHERE id IN (%s) AND status != ?`, placeholders(len(depIDs)))
	rows, err := conn.QueryContext(ctx, query, stringArgs(depIDs, types.StatusCompleted)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	incomplete := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		incomplete[id] = struct{}{}
	}
	return incomplete, rows.Err()
}

// wouldCreateCycle reports whether newTaskID is reachable from any of
// depIDs by walking task_id -> depends_on_id edges.
func (s *Store) wouldCreateCycle(ctx context.Context, conn *sql.Conn, newTaskID string, depIDs []string) (bool, error) {
	if len(depIDs) == 0 {
		return false, nil
	}
	query := fmt.Sprintf(`
		WITH RECURSIVE walk(node) AS (
		  SELECT depends_on_id FROM deps WHERE task_id IN (%s)
		  UNION
		  SELECT d.depends_on_id FROM deps d JOIN walk w ON d.task_id = w.node
		)
		SELECT 1 FROM walk WHERE node = ? LIMIT 1`, placeholders(len(depIDs)))

	var one int
	err := conn.QueryRowContext(ctx, query, stringArgs(depIDs, newTaskID)...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// placeholders returns n comma-separated SQL parameter markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// stringArgs converts ids to query args, appending any trailing extras.
func stringArgs(ids []string, extra ...any) []any {
	args := make([]any, 0, len(ids)+len(extra))
	for _, id := range ids {
		args = append(args, id)
	}
	return append(args, extra...)
}
