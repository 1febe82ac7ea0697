package logging

import (
	"log/slog"
	"testing"
)

func TestInitReturnsNonNilLoggerAndSetsDefault(t *testing.T) {
	logger := Init("queenhive-test")
	if logger == nil {
		t.Fatalf("expected a non-nil logger")
	}
	if slog.Default() != logger {
		t.Fatalf("expected Init to install the logger as the slog default")
	}
}

func TestLevelFromEnvDefaultsToInfo(t *testing.T) {
	t.Setenv("QUEENHIVE_LOG_LEVEL", "")
	if lvl := levelFromEnv(); lvl.Level() != slog.LevelInfo {
		t.Fatalf("expected info by default, got %v", lvl.Level())
	}
}

func TestLevelFromEnvHonorsDebug(t *testing.T) {
	t.Setenv("QUEENHIVE_LOG_LEVEL", "debug")
	if lvl := levelFromEnv(); lvl.Level() != slog.LevelDebug {
		t.Fatalf("expected debug, got %v", lvl.Level())
	}
}

func TestLevelFromEnvHonorsWarnAndError(t *testing.T) {
	t.Setenv("QUEENHIVE_LOG_LEVEL", "warn")
	if lvl := levelFromEnv(); lvl.Level() != slog.LevelWarn {
		t.Fatalf("expected warn, got %v", lvl.Level())
	}
	t.Setenv("QUEENHIVE_LOG_LEVEL", "error")
	if lvl := levelFromEnv(); lvl.Level() != slog.LevelError {
		t.Fatalf("expected error, got %v", lvl.Level())
	}
}
