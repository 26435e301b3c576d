package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/dts/internal/storage/sqlite"
	"github.com/untoldecay/dts/internal/types"
)

const testMaxAttempts = 3

// newTestStore creates a migrated on-disk store under a per-test temp dir.
func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close test database: %v", err)
		}
	})

	if _, err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor repeatedly evaluates pred until it returns true or timeout expires.
// Use this instead of bare time.Sleep when waiting on the scheduler loop.
func waitFor(t *testing.T, timeout, poll time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(poll)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func seedTask(t *testing.T, store *sqlite.Store, id string, durationMS int64, deps ...string) {
	t.Helper()
	task := &types.TaskCreate{
		ID:           id,
		Type:         "test",
		DurationMS:   durationMS,
		Dependencies: deps,
	}
	if err := store.CreateTask(context.Background(), task, time.Now().UnixMilli(), testMaxAttempts); err != nil {
		t.Fatalf("Failed to create task %s: %v", id, err)
	}
}

func getTask(t *testing.T, store *sqlite.Store, id string) *types.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get task %s: %v", id, err)
	}
	return task
}

// claimOne claims a single runnable task and fails the test unless exactly
// one was claimed.
func claimOne(t *testing.T, store *sqlite.Store, leaseMS int64) types.Claim {
	t.Helper()
	claims, err := store.ClaimRunnableTasks(context.Background(), time.Now().UnixMilli(), leaseMS, 1)
	if err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("expected to claim 1 task, got %d", len(claims))
	}
	return claims[0]
}

// expireLease backdates a task's lease so it reads as stale.
func expireLease(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	_, err := store.UnderlyingDB().ExecContext(context.Background(),
		`UPDATE tasks SET lease_expires_at = ? WHERE id = ?`,
		time.Now().UnixMilli()-1, id)
	if err != nil {
		t.Fatalf("Failed to expire lease for %s: %v", id, err)
	}
}
