package sqlite

import (
	"context"
	"testing"

	"github.com/untoldecay/dts/internal/types"
)

const (
	testLeaseMS     = 60_000
	testMaxAttempts = 3
)

// testEnv bundles a migrated store with a deterministic millisecond clock
// so created_at ordering is stable across test runs.
type testEnv struct {
	t     *testing.T
	Store *Store
	Ctx   context.Context
	now   int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		t:     t,
		Store: newTestStore(t, ""),
		Ctx:   context.Background(),
		now:   1_000_000,
	}
}

// newTestStore creates a migrated store. File-backed by default: in-memory
// databases are shared process-wide under cache=shared, so a temp file per
// test gives real isolation.
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()

	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}

	ctx := context.Background()
	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	if _, err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return store
}

// next advances the test clock by one millisecond.
func (e *testEnv) next() int64 {
	e.now++
	return e.now
}

// Create inserts a QUEUED task with the given dependencies and defaults.
func (e *testEnv) Create(id string, deps ...string) {
	e.t.Helper()
	task := &types.TaskCreate{ID: id, Type: "test", DurationMS: 1000, Dependencies: deps}
	if err := e.Store.CreateTask(e.Ctx, task, e.next(), testMaxAttempts); err != nil {
		e.t.Fatalf("CreateTask(%q) failed: %v", id, err)
	}
}

// CreateBatch inserts a batch and returns the created ids.
func (e *testEnv) CreateBatch(tasks []types.TaskCreate) []string {
	e.t.Helper()
	ids, err := e.Store.CreateTasksBatch(e.Ctx, tasks, e.next(), testMaxAttempts)
	if err != nil {
		e.t.Fatalf("CreateTasksBatch failed: %v", err)
	}
	return ids
}

// Claim claims up to limit runnable tasks with the default lease.
func (e *testEnv) Claim(limit int) []types.Claim {
	e.t.Helper()
	claims, err := e.Store.ClaimRunnableTasks(e.Ctx, e.next(), testLeaseMS, limit)
	if err != nil {
		e.t.Fatalf("ClaimRunnableTasks failed: %v", err)
	}
	return claims
}

// Complete marks a RUNNING task COMPLETED.
func (e *testEnv) Complete(id string) {
	e.t.Helper()
	if err := e.Store.MarkCompleted(e.Ctx, id, e.next()); err != nil {
		e.t.Fatalf("MarkCompleted(%q) failed: %v", id, err)
	}
}

// Fail marks a RUNNING task FAILED with the given message.
func (e *testEnv) Fail(id, msg string) {
	e.t.Helper()
	if err := e.Store.MarkFailed(e.Ctx, id, e.next(), msg); err != nil {
		e.t.Fatalf("MarkFailed(%q) failed: %v", id, err)
	}
}

// Get fetches a task, failing the test if it does not exist.
func (e *testEnv) Get(id string) *types.Task {
	e.t.Helper()
	task, err := e.Store.GetTask(e.Ctx, id)
	if err != nil {
		e.t.Fatalf("GetTask(%q) failed: %v", id, err)
	}
	return task
}

// AssertStatus checks the stored status of a task.
func (e *testEnv) AssertStatus(id string, want types.TaskStatus) {
	e.t.Helper()
	if got := e.Get(id).Status; got != want {
		e.t.Errorf("task %s status = %s, want %s", id, got, want)
	}
}

// AssertRemaining checks the stored remaining_deps of a task.
func (e *testEnv) AssertRemaining(id string, want int) {
	e.t.Helper()
	if got := e.Get(id).RemainingDeps; got != want {
		e.t.Errorf("task %s remaining_deps = %d, want %d", id, got, want)
	}
}

// ExpireLease rewinds a task's lease so it is already stale at the current
// test clock.
func (e *testEnv) ExpireLease(id string) {
	e.t.Helper()
	_, err := e.Store.UnderlyingDB().ExecContext(e.Ctx,
		`UPDATE tasks SET lease_expires_at = ? WHERE id = ?`, e.now-1, id)
	if err != nil {
		e.t.Fatalf("Failed to expire lease for %q: %v", id, err)
	}
}
