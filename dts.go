// Package dts provides a minimal public API for embedding the scheduler's
// storage layer in other Go programs.
//
// Most integrations should talk to the REST API instead (internal/client
// shows the client side of that contract). This package exports only the
// types and the store constructor needed to drive the task store directly,
// e.g. from a custom orchestrator or a test harness.
package dts

import (
	"context"

	"github.com/untoldecay/dts/internal/storage/sqlite"
	"github.com/untoldecay/dts/internal/types"
)

// Task is the full task record as stored and as served by the API.
type Task = types.Task

// TaskCreate is the payload for submitting a task.
type TaskCreate = types.TaskCreate

// TaskStatus is a task lifecycle state.
type TaskStatus = types.TaskStatus

// Task lifecycle states.
const (
	StatusQueued    = types.StatusQueued
	StatusRunning   = types.StatusRunning
	StatusCompleted = types.StatusCompleted
	StatusFailed    = types.StatusFailed
	StatusBlocked   = types.StatusBlocked
)

// Claim identifies a task handed to a worker, with the simulated duration
// the worker should run for.
type Claim = types.Claim

// Error is the domain error shared by the storage, engine, and API layers.
type Error = types.Error

// ErrorCode classifies a scheduler error.
type ErrorCode = types.ErrorCode

// Error codes, stable across the API and this package.
const (
	CodeValidation = types.CodeValidation
	CodeNotFound   = types.CodeNotFound
	CodeConflict   = types.CodeConflict
	CodeDependency = types.CodeDependency
	CodeCycle      = types.CodeCycle
)

// Sentinels for errors.Is checks.
var (
	ErrValidation = types.ErrValidation
	ErrNotFound   = types.ErrNotFound
	ErrConflict   = types.ErrConflict
	ErrDependency = types.ErrDependency
	ErrCycle      = types.ErrCycle
)

// Store is the SQLite-backed task store.
type Store = sqlite.Store

// Open opens (creating if necessary) a task store at dbPath. Call
// (*Store).Migrate before first use to apply the embedded schema.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	return sqlite.New(ctx, dbPath)
}
