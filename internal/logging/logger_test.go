package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	WithOperation(logger, "liveness.start", "s-1").Info("session starting")
	WithOperation(logger, "usecase.shutdown", "").Info("shutting down")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	first := entries[0].ContextMap()
	if first["operation"] != "liveness.start" || first["session_id"] != "s-1" {
		t.Fatalf("unexpected fields %v", first)
	}
	second := entries[1].ContextMap()
	if _, ok := second["session_id"]; ok {
		t.Fatalf("expected no session_id for empty id, got %v", second)
	}
}

func TestNewLoggerHonoursLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	logger, err := NewLogger()
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("expected warn to be enabled")
	}
}
