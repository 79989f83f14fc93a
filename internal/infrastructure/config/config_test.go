package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum requirement.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
fleet:
  id: "test-fleet"
  name: "Test Fleet"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
api:
  host: "0.0.0.0"
  port: 8080
dispatch:
  ack_timeout: 2000
  reload_delay: 250
security:
  jwt:
    secret: "` + validJWTSecret + `"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Fleet.ID != "test-fleet" {
		t.Errorf("Fleet.ID = %q, want %q", cfg.Fleet.ID, "test-fleet")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if got := cfg.Dispatch.AckTimeoutDuration(); got != 2*time.Second {
		t.Errorf("AckTimeoutDuration() = %v, want %v", got, 2*time.Second)
	}
	if got := cfg.Dispatch.ReloadDelayDuration(); got != 250*time.Millisecond {
		t.Errorf("ReloadDelayDuration() = %v, want %v", got, 250*time.Millisecond)
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
security:
  jwt:
    secret: "` + validJWTSecret + `"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pairing.DefaultTTL != 300 {
		t.Errorf("Pairing.DefaultTTL = %d, want 300", cfg.Pairing.DefaultTTL)
	}
	if cfg.Dispatch.AckTimeout != 3000 {
		t.Errorf("Dispatch.AckTimeout = %d, want 3000", cfg.Dispatch.AckTimeout)
	}
	if cfg.Dispatch.ReloadDelay != 500 {
		t.Errorf("Dispatch.ReloadDelay = %d, want 500", cfg.Dispatch.ReloadDelay)
	}
	if cfg.Fleet.OfflineAfter != 90 {
		t.Errorf("Fleet.OfflineAfter = %d, want 90", cfg.Fleet.OfflineAfter)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/from-file.db"
security:
  jwt:
    secret: "` + validJWTSecret + `"
`
	t.Setenv("POSTERFLEET_DATABASE_PATH", "/tmp/from-env.db")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config with secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = validJWTSecret },
			wantErr: false,
		},
		{
			name: "empty fleet id",
			mutate: func(c *Config) {
				c.Security.JWT.Secret = validJWTSecret
				c.Fleet.ID = ""
			},
			wantErr: true,
		},
		{
			name: "empty database path",
			mutate: func(c *Config) {
				c.Security.JWT.Secret = validJWTSecret
				c.Database.Path = ""
			},
			wantErr: true,
		},
		{
			name: "port out of range",
			mutate: func(c *Config) {
				c.Security.JWT.Secret = validJWTSecret
				c.API.Port = 70000
			},
			wantErr: true,
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) {},
			wantErr: true,
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "too-short" },
			wantErr: true,
		},
		{
			name: "zero ack timeout",
			mutate: func(c *Config) {
				c.Security.JWT.Secret = validJWTSecret
				c.Dispatch.AckTimeout = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
