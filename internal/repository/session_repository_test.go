package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nabilat/liveness-check/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &SessionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "s-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &SessionRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "s-2", func() error {
		attempts++
		return gorm.ErrRecordNotFound
	})

	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" || opErr.SessionID != "s-2" {
		t.Fatalf("unexpected error metadata: %+v", opErr)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected wrapped gorm.ErrRecordNotFound, got %v", err)
	}
}

type capturedStatement struct {
	sql  string
	vars []interface{}
}

// newDryRunRepository builds SQL against the postgres dialect without a
// server and records every statement gorm would have executed.
func newDryRunRepository(t *testing.T) (*SessionRepository, *[]capturedStatement) {
	t.Helper()

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=liveness dbname=liveness sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("failed to open dry-run db: %v", err)
	}

	var captured []capturedStatement
	capture := func(tx *gorm.DB) {
		captured = append(captured, capturedStatement{sql: tx.Statement.SQL.String(), vars: tx.Statement.Vars})
	}
	if err := db.Callback().Create().After("gorm:create").Register("test:capture_create", capture); err != nil {
		t.Fatalf("failed to register create callback: %v", err)
	}
	if err := db.Callback().Update().After("gorm:update").Register("test:capture_update", capture); err != nil {
		t.Fatalf("failed to register update callback: %v", err)
	}

	return NewSessionRepository(db, zap.NewNop()), &captured
}

func TestUpdateOutcomeWritesTerminalColumns(t *testing.T) {
	repo, captured := newDryRunRepository(t)

	completedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := repo.UpdateOutcome(context.Background(), "s-1", OutcomeUpdate{
		Status:      "FAILED",
		Outcome:     "system-error:engine-error",
		ResultID:    "r-1",
		SystemError: true,
		CompletedAt: completedAt,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected one statement, got %d", len(*captured))
	}
	stmt := (*captured)[0]
	if !strings.HasPrefix(stmt.sql, `UPDATE "liveness_sessions" SET`) {
		t.Fatalf("unexpected statement %q", stmt.sql)
	}
	for _, column := range []string{`"status"`, `"outcome"`, `"result_id"`, `"system_error"`, `"completed_at"`, "WHERE session_id ="} {
		if !strings.Contains(stmt.sql, column) {
			t.Fatalf("expected %s in %q", column, stmt.sql)
		}
	}
	if len(stmt.vars) != 6 {
		t.Fatalf("expected 5 assignments and the session filter, got %d vars: %v", len(stmt.vars), stmt.vars)
	}
	if stmt.vars[len(stmt.vars)-1] != "s-1" {
		t.Fatalf("expected session filter last, got %v", stmt.vars)
	}
}

func TestCreateTargetsSessionTable(t *testing.T) {
	repo, captured := newDryRunRepository(t)

	err := repo.Create(context.Background(), &LivenessSession{
		HandleID:  "h-1",
		SessionID: "s-1",
		UserID:    "user-1",
		Status:    "STARTING",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if len(*captured) != 1 || !strings.HasPrefix((*captured)[0].sql, `INSERT INTO "liveness_sessions"`) {
		t.Fatalf("unexpected statements %+v", *captured)
	}
	if strings.Contains((*captured)[0].sql, "token") {
		t.Fatalf("session insert must not carry the token: %q", (*captured)[0].sql)
	}
}
