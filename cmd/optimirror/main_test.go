package main

import (
	"os"
	"testing"
	"time"

	"github.com/agentworkforce/optimirror/internal/optimirror"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("OPTIMIRROR_TEST_INT", "42")
	got := intEnv("OPTIMIRROR_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("OPTIMIRROR_TEST_INT_BAD", "not-a-number")
	got := intEnv("OPTIMIRROR_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("OPTIMIRROR_TEST_DURATION", "150ms")
	got := durationEnv("OPTIMIRROR_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("OPTIMIRROR_TEST_DURATION_BAD", "soon")
	got := durationEnv("OPTIMIRROR_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("OPTIMIRROR_TEST_INT_UNSET")
	_ = os.Unsetenv("OPTIMIRROR_TEST_DURATION_UNSET")

	if got := intEnv("OPTIMIRROR_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("OPTIMIRROR_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	t.Setenv("OPTIMIRROR_DATA_DIR", "/var/lib/optimirror")

	t.Setenv("OPTIMIRROR_BACKEND_PROFILE", "memory")
	dsn, err := storageProfileDefaultFromEnv()
	if err != nil || dsn != "memory://" {
		t.Fatalf("memory profile: got %q, %v", dsn, err)
	}

	t.Setenv("OPTIMIRROR_BACKEND_PROFILE", "durable-local")
	dsn, err = storageProfileDefaultFromEnv()
	if err != nil || dsn != "file:///var/lib/optimirror/state.json" {
		t.Fatalf("durable-local profile: got %q, %v", dsn, err)
	}

	t.Setenv("OPTIMIRROR_BACKEND_PROFILE", "production")
	if _, err := storageProfileDefaultFromEnv(); err == nil {
		t.Fatalf("production profile without DSN must error")
	}
	t.Setenv("OPTIMIRROR_POSTGRES_DSN", "postgres://db/optimirror")
	dsn, err = storageProfileDefaultFromEnv()
	if err != nil || dsn != "postgres://db/optimirror" {
		t.Fatalf("production profile: got %q, %v", dsn, err)
	}

	t.Setenv("OPTIMIRROR_BACKEND_PROFILE", "floppy")
	if _, err := storageProfileDefaultFromEnv(); err == nil {
		t.Fatalf("unknown profile must error")
	}
}

func TestBuildStateBackendFromEnvPrecedence(t *testing.T) {
	t.Setenv("OPTIMIRROR_BACKEND_PROFILE", "memory")
	t.Setenv("OPTIMIRROR_STATE_BACKEND_DSN", "file://"+t.TempDir()+"/state.json")

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := backend.(*optimirror.JSONFileStateBackend); !ok {
		t.Fatalf("explicit DSN must win over profile, got %T", backend)
	}
}
