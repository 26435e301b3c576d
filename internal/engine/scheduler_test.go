package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/dts/internal/types"
)

func testConfig() Config {
	return Config{
		MaxConcurrent: 2,
		TickMS:        20,
		LeaseMS:       60_000,
		MaxAttempts:   testMaxAttempts,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	store := newTestStore(t)

	bad := []struct {
		mutate func(*Config)
		want   string
	}{
		{func(c *Config) { c.MaxConcurrent = 0 }, "max_concurrent"},
		{func(c *Config) { c.TickMS = 0 }, "sched_tick_ms"},
		{func(c *Config) { c.LeaseMS = -1 }, "lease_ms"},
		{func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
	}
	for _, tc := range bad {
		cfg := testConfig()
		tc.mutate(&cfg)
		if _, err := New(store, cfg, testLogger()); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("expected error mentioning %q, got %v", tc.want, err)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	store := newTestStore(t)

	s, err := New(store, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.cfg.RecoveryIntervalMS != defaultRecoveryIntervalMS {
		t.Errorf("expected recovery interval %d, got %d", defaultRecoveryIntervalMS, s.cfg.RecoveryIntervalMS)
	}
	if s.cfg.ClaimBatchSize != defaultClaimBatchSize {
		t.Errorf("expected claim batch size %d, got %d", defaultClaimBatchSize, s.cfg.ClaimBatchSize)
	}
}

func TestSchedulerRunsTasksToCompletion(t *testing.T) {
	store := newTestStore(t)
	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, id := range ids {
		seedTask(t, store, id, 30)
	}

	s, err := New(store, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	// Track the most RUNNING rows ever observed while waiting: the pool
	// must never exceed max_concurrent.
	maxRunning := 0
	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		counts, err := store.CountByStatus(context.Background())
		if err != nil {
			return false
		}
		if counts[types.StatusRunning] > maxRunning {
			maxRunning = counts[types.StatusRunning]
		}
		return counts[types.StatusCompleted] == len(ids)
	})

	if maxRunning > 2 {
		t.Errorf("observed %d RUNNING tasks, want at most 2", maxRunning)
	}
	for _, id := range ids {
		task := getTask(t, store, id)
		if task.Attempts != 1 {
			t.Errorf("task %s: expected 1 attempt, got %d", id, task.Attempts)
		}
	}
}

func TestSchedulerRespectsDependencyOrder(t *testing.T) {
	store := newTestStore(t)
	seedTask(t, store, "a", 30)
	seedTask(t, store, "b", 30, "a")

	s, err := New(store, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		return getTask(t, store, "b").Status == types.StatusCompleted
	})

	a := getTask(t, store, "a")
	b := getTask(t, store, "b")
	if a.Status != types.StatusCompleted {
		t.Fatalf("expected dependency a COMPLETED, got %s", a.Status)
	}
	if b.StartedAt == nil || a.FinishedAt == nil {
		t.Fatal("expected started_at and finished_at to be set")
	}
	if *b.StartedAt < *a.FinishedAt {
		t.Errorf("b started at %d before a finished at %d", *b.StartedAt, *a.FinishedAt)
	}
}

func TestSchedulerRecoversStaleTaskOnStart(t *testing.T) {
	store := newTestStore(t)
	seedTask(t, store, "t1", 20)

	// Simulate a crashed predecessor: the row is RUNNING with an expired
	// lease and no worker attached.
	claimOne(t, store, 60_000)
	expireLease(t, store, "t1")

	s, err := New(store, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		return getTask(t, store, "t1").Status == types.StatusCompleted
	})

	task := getTask(t, store, "t1")
	if task.Attempts != 2 {
		t.Errorf("expected 2 attempts (stale claim plus retry), got %d", task.Attempts)
	}
}

func TestSchedulerFailsTaskAfterMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	// Duration outlives the lease, so every attempt goes stale before the
	// worker can commit.
	seedTask(t, store, "t1", 400)

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.LeaseMS = 50
	cfg.MaxAttempts = 1
	cfg.RecoveryIntervalMS = 1
	s, err := New(store, cfg, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		return getTask(t, store, "t1").Status == types.StatusFailed
	})

	task := getTask(t, store, "t1")
	if task.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", task.Attempts)
	}
	if task.LastError == nil || *task.LastError != "Recovered: lease expired; max attempts reached" {
		t.Errorf("unexpected last_error: %v", task.LastError)
	}
}

func TestSchedulerStop(t *testing.T) {
	store := newTestStore(t)

	s, err := New(store, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Start()
	s.Stop()
	s.Stop() // second call is a no-op

	// Nothing claims after Stop: a fresh task stays QUEUED across several
	// tick intervals.
	seedTask(t, store, "t1", 10)
	time.Sleep(150 * time.Millisecond)
	if got := getTask(t, store, "t1").Status; got != types.StatusQueued {
		t.Errorf("expected QUEUED after Stop, got %s", got)
	}
}

func TestSchedulerStopWaitsForInFlight(t *testing.T) {
	store := newTestStore(t)
	seedTask(t, store, "t1", 100)

	s, err := New(store, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Start()

	waitFor(t, 5*time.Second, 5*time.Millisecond, func() bool {
		return getTask(t, store, "t1").Status == types.StatusRunning
	})

	// Stop returns only after the worker commits its terminal write.
	s.Stop()
	if got := getTask(t, store, "t1").Status; got != types.StatusCompleted {
		t.Errorf("expected COMPLETED after Stop, got %s", got)
	}
}
