package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"

	"github.com/untoldecay/dts/internal/types"
)

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.Create("t1")

	task := env.Get("t1")
	if task.Status != types.StatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}
	if task.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", task.Attempts)
	}
	if task.MaxAttempts != testMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", task.MaxAttempts, testMaxAttempts)
	}
	if task.RemainingDeps != 0 {
		t.Errorf("remaining_deps = %d, want 0", task.RemainingDeps)
	}
	if task.CreatedAt != task.UpdatedAt {
		t.Errorf("created_at %d != updated_at %d on fresh task", task.CreatedAt, task.UpdatedAt)
	}
	if task.StartedAt != nil || task.FinishedAt != nil || task.LeaseExpiresAt != nil || task.LastError != nil {
		t.Error("fresh task should have null started_at, finished_at, lease_expires_at, last_error")
	}
	if len(task.Dependencies) != 0 {
		t.Errorf("dependencies = %v, want empty", task.Dependencies)
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	env.Create("t1")

	task := &types.TaskCreate{ID: "t1", Type: "test", DurationMS: 1000}
	err := env.Store.CreateTask(env.Ctx, task, env.next(), testMaxAttempts)
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var derr *types.Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *types.Error, got %T", err)
	}
	if derr.Message != "Task already exists: t1" {
		t.Errorf("message = %q", derr.Message)
	}
	if derr.Details["id"] != "t1" {
		t.Errorf("details = %v", derr.Details)
	}
}

func TestCreateTaskMissingDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.Create("a")

	task := &types.TaskCreate{ID: "t1", Type: "test", DurationMS: 1000, Dependencies: []string{"z", "a", "m"}}
	err := env.Store.CreateTask(env.Ctx, task, env.next(), testMaxAttempts)
	if !errors.Is(err, types.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	var derr *types.Error
	errors.As(err, &derr)
	if derr.Message != "One or more dependencies do not exist" {
		t.Errorf("message = %q", derr.Message)
	}
	missing, ok := derr.Details["missing"].([]string)
	if !ok || !reflect.DeepEqual(missing, []string{"m", "z"}) {
		t.Errorf("missing = %v, want sorted [m z]", derr.Details["missing"])
	}

	// Nothing was inserted.
	if _, err := env.Store.GetTask(env.Ctx, "t1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("rejected task should not exist, got %v", err)
	}
}

func TestCreateTaskRemainingDeps(t *testing.T) {
	env := newTestEnv(t)
	env.Create("a")
	env.Create("b")

	// Complete a so it no longer counts toward remaining_deps.
	if got := env.Claim(10); len(got) != 2 {
		t.Fatalf("claimed %d, want 2", len(got))
	}
	env.Complete("a")

	env.Create("c", "a", "b")
	env.AssertRemaining("c", 1)

	deps := env.Get("c").Dependencies
	if !reflect.DeepEqual(deps, []string{"a", "b"}) {
		t.Errorf("dependencies = %v, want sorted [a b]", deps)
	}
}

func TestWouldCreateCycle(t *testing.T) {
	env := newTestEnv(t)
	env.Create("a")
	env.Create("b", "a")
	env.Create("c", "b")

	// Edges are b->a and c->b. Re-introducing "a" with a dependency on "c"
	// would close the loop; depending on "a" from a fresh id would not.
	err := env.Store.withImmediateTx(env.Ctx, func(ctx context.Context, conn *sql.Conn) error {
		cyclic, err := env.Store.wouldCreateCycle(ctx, conn, "a", []string{"c"})
		if err != nil {
			return err
		}
		if !cyclic {
			t.Error("a <- c should be reported cyclic")
		}

		cyclic, err = env.Store.wouldCreateCycle(ctx, conn, "d", []string{"c"})
		if err != nil {
			return err
		}
		if cyclic {
			t.Error("d <- c should not be cyclic")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("cycle check failed: %v", err)
	}
}

func TestCreateTasksBatchOrderAndChain(t *testing.T) {
	env := newTestEnv(t)

	ids := env.CreateBatch([]types.TaskCreate{
		{ID: "c", Type: "test", DurationMS: 100, Dependencies: []string{"b"}},
		{ID: "a", Type: "test", DurationMS: 100},
		{ID: "b", Type: "test", DurationMS: 100, Dependencies: []string{"a"}},
	})
	if !reflect.DeepEqual(ids, []string{"c", "a", "b"}) {
		t.Errorf("created ids = %v, want input order [c a b]", ids)
	}

	env.AssertRemaining("a", 0)
	env.AssertRemaining("b", 1)
	env.AssertRemaining("c", 1)
}

func TestCreateTasksBatchValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Store.CreateTasksBatch(env.Ctx, nil, env.next(), testMaxAttempts)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("empty batch: expected validation error, got %v", err)
	}
	var derr *types.Error
	errors.As(err, &derr)
	if derr.Message != "tasks batch must not be empty" {
		t.Errorf("message = %q", derr.Message)
	}

	_, err = env.Store.CreateTasksBatch(env.Ctx, []types.TaskCreate{
		{ID: "x", Type: "test", DurationMS: 100},
		{ID: "x", Type: "test", DurationMS: 100},
	}, env.next(), testMaxAttempts)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("duplicate ids: expected validation error, got %v", err)
	}
	errors.As(err, &derr)
	if derr.Message != "batch contains duplicate task ids" {
		t.Errorf("message = %q", derr.Message)
	}
}

func TestCreateTasksBatchExistingIDs(t *testing.T) {
	env := newTestEnv(t)
	env.Create("a")
	env.Create("b")

	_, err := env.Store.CreateTasksBatch(env.Ctx, []types.TaskCreate{
		{ID: "b", Type: "test", DurationMS: 100},
		{ID: "new", Type: "test", DurationMS: 100},
		{ID: "a", Type: "test", DurationMS: 100},
	}, env.next(), testMaxAttempts)
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var derr *types.Error
	errors.As(err, &derr)
	existing, _ := derr.Details["existing"].([]string)
	if !reflect.DeepEqual(existing, []string{"a", "b"}) {
		t.Errorf("existing = %v, want sorted [a b]", derr.Details["existing"])
	}

	// Whole batch rolled back, including the new id.
	if _, err := env.Store.GetTask(env.Ctx, "new"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("batch should be atomic, got %v", err)
	}
}

func TestCreateTasksBatchMissingExternalDep(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Store.CreateTasksBatch(env.Ctx, []types.TaskCreate{
		{ID: "a", Type: "test", DurationMS: 100, Dependencies: []string{"ghost"}},
	}, env.next(), testMaxAttempts)
	if !errors.Is(err, types.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	var derr *types.Error
	errors.As(err, &derr)
	missing, _ := derr.Details["missing"].([]string)
	if !reflect.DeepEqual(missing, []string{"ghost"}) {
		t.Errorf("missing = %v", derr.Details["missing"])
	}
}

func TestCreateTasksBatchCycle(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Store.CreateTasksBatch(env.Ctx, []types.TaskCreate{
		{ID: "a", Type: "test", DurationMS: 100, Dependencies: []string{"c"}},
		{ID: "b", Type: "test", DurationMS: 100, Dependencies: []string{"a"}},
		{ID: "c", Type: "test", DurationMS: 100, Dependencies: []string{"b"}},
	}, env.next(), testMaxAttempts)
	if !errors.Is(err, types.ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var derr *types.Error
	errors.As(err, &derr)
	if derr.Message != "Batch contains a dependency cycle" {
		t.Errorf("message = %q", derr.Message)
	}
	batchIDs, _ := derr.Details["batch_ids"].([]string)
	if !reflect.DeepEqual(batchIDs, []string{"a", "b", "c"}) {
		t.Errorf("batch_ids = %v, want input order", derr.Details["batch_ids"])
	}
}

func TestCreateTasksBatchCompletedExternalDep(t *testing.T) {
	env := newTestEnv(t)
	env.Create("done")
	env.Claim(1)
	env.Complete("done")

	env.CreateBatch([]types.TaskCreate{
		{ID: "x", Type: "test", DurationMS: 100, Dependencies: []string{"done"}},
	})
	env.AssertRemaining("x", 0)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Store.GetTask(env.Ctx, "nope")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var derr *types.Error
	errors.As(err, &derr)
	if derr.Message != "Task not found: nope" {
		t.Errorf("message = %q", derr.Message)
	}
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t)
	env.Create("a")
	env.Create("b")
	env.Create("c")

	tasks, total, err := env.Store.ListTasks(env.Ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Errorf("page = %v, want [a b] by created_at", taskIDs(tasks))
	}

	tasks, _, err = env.Store.ListTasks(env.Ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListTasks offset failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "c" {
		t.Errorf("page = %v, want [c]", taskIDs(tasks))
	}
}

func taskIDs(tasks []*types.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}
