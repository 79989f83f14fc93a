package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("POSTERFLEET_CONFIG")
	defer os.Setenv("POSTERFLEET_CONFIG", originalEnv)

	os.Setenv("POSTERFLEET_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_CleanStartupAndShutdown runs the full service against a temp
// database with external connections disabled, then cancels the context.
func TestRun_CleanStartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
fleet:
  id: test-fleet
  offline_after: 90

database:
  path: ` + filepath.Join(tmpDir, "fleet.db") + `
  wal_mode: true
  busy_timeout: 5

api:
  host: 127.0.0.1
  port: 18099

mqtt:
  enabled: false

telemetry:
  enabled: false

security:
  jwt:
    secret: test-secret-that-is-long-enough-for-validation

logging:
  level: error
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("POSTERFLEET_CONFIG")
	defer os.Setenv("POSTERFLEET_CONFIG", originalEnv)
	os.Setenv("POSTERFLEET_CONFIG", configPath)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- run(ctx)
	}()

	// Give startup a moment, then signal shutdown.
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() returned error on clean shutdown: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not shut down within 15s")
	}
}

func TestGetConfigPath(t *testing.T) {
	originalEnv := os.Getenv("POSTERFLEET_CONFIG")
	defer os.Setenv("POSTERFLEET_CONFIG", originalEnv)

	os.Unsetenv("POSTERFLEET_CONFIG")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	os.Setenv("POSTERFLEET_CONFIG", "/custom/config.yaml")
	if got := getConfigPath(); got != "/custom/config.yaml" {
		t.Errorf("getConfigPath() = %q, want /custom/config.yaml", got)
	}
}
