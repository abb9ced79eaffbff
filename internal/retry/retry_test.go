package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nabilat/liveness-check/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

var fastPolicy = Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, zap.NewNop(), "test.operation", "s-1", func() error {
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

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, zap.NewNop(), "test.operation", "s-2", func() error {
		attempts++
		return errors.New("boom")
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
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, zap.NewNop(), "test.operation", "", func() error {
		attempts++
		return transientTestError{}
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != fastPolicy.Attempts {
		t.Fatalf("expected %d attempts, got %d", fastPolicy.Attempts, attempts)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{Attempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Second}, zap.NewNop(), "test.operation", "", func() error {
		return transientTestError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil must not be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded must be transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Fatal("plain error must not be transient")
	}
}
