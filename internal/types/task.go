// Package types defines the core task model shared by the storage,
// engine, and API layers.
package types

import "fmt"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "QUEUED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	// StatusBlocked is reserved for future use. Tasks waiting on
	// dependencies stay QUEUED with remaining_deps > 0.
	StatusBlocked TaskStatus = "BLOCKED"
)

// IsValid returns true if the status is a known status value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// IsTerminal returns true if the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	// MaxIDLength bounds task id and type strings.
	MaxIDLength = 256
	// MaxDurationMS caps simulated work at 24 hours.
	MaxDurationMS = 86_400_000
)

// Task is the full task record as stored and as served by the API.
// Millisecond timestamps are Unix epoch; nullable columns map to pointers
// so JSON output carries explicit nulls.
type Task struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Status         TaskStatus `json:"status"`
	DurationMS     int64      `json:"duration_ms"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	RemainingDeps  int        `json:"remaining_deps"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
	StartedAt      *int64     `json:"started_at"`
	FinishedAt     *int64     `json:"finished_at"`
	LeaseExpiresAt *int64     `json:"lease_expires_at"`
	LastError      *string    `json:"last_error"`
	Dependencies   []string   `json:"dependencies"`
}

// Claim identifies a task handed to a worker, with the simulated
// duration the worker should run for.
type Claim struct {
	ID         string
	DurationMS int64
}

// TaskCreate is the payload for submitting a single task.
type TaskCreate struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	DurationMS   int64    `json:"duration_ms"`
	Dependencies []string `json:"dependencies"`
}

// Validate checks field bounds and dependency sanity. Violations here are
// schema errors, reported before the request touches storage.
func (t *TaskCreate) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(t.ID) > MaxIDLength {
		return fmt.Errorf("id must be at most %d characters (got %d)", MaxIDLength, len(t.ID))
	}
	if t.Type == "" {
		return fmt.Errorf("type is required")
	}
	if len(t.Type) > MaxIDLength {
		return fmt.Errorf("type must be at most %d characters (got %d)", MaxIDLength, len(t.Type))
	}
	if t.DurationMS < 1 || t.DurationMS > MaxDurationMS {
		return fmt.Errorf("duration_ms must be between 1 and %d (got %d)", MaxDurationMS, t.DurationMS)
	}
	seen := make(map[string]struct{}, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task %s must not depend on itself", t.ID)
		}
		if _, ok := seen[dep]; ok {
			return fmt.Errorf("dependencies contain duplicate id %s", dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// ValidateBatch checks a batch payload as a whole: every task must pass
// Validate, the batch must be non-empty, and ids must be unique within it.
func ValidateBatch(tasks []TaskCreate) error {
	if len(tasks) == 0 {
		return fmt.Errorf("tasks batch must not be empty")
	}
	seen := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if _, ok := seen[tasks[i].ID]; ok {
			return fmt.Errorf("batch contains duplicate task ids")
		}
		seen[tasks[i].ID] = struct{}{}
	}
	return nil
}
