package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
)

// withImmediateTx executes fn inside a BEGIN IMMEDIATE transaction on a
// dedicated connection, acquiring the write lock up front so concurrent
// writers queue instead of deadlocking at upgrade time.
//
// Lifecycle: acquire connection, BEGIN IMMEDIATE with retry on SQLITE_BUSY,
// run fn, COMMIT on success, ROLLBACK on error or panic (panic re-raised).
// All statements inside fn must go through the passed connection.
func (s *Store) withImmediateTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// database/sql has no transaction mode on BeginTx, so the statement is
	// issued directly.
	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback still runs when ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			// Rollback happens via the committed check above.
			panic(r)
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry issues BEGIN IMMEDIATE, retrying with doubling
// backoff while SQLite reports the database busy. maxRetries counts total
// attempts; the first retry waits initialDelay.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxRetries int, initialDelay time.Duration) error {
	delay := initialDelay
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// isBusyError reports whether err is SQLITE_BUSY, in either typed or
// stringly form depending on which layer surfaced it.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.BUSY) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
