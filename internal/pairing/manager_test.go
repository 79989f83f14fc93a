package pairing

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/motionposters/fleet-core/internal/device"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func setupManager(t *testing.T) (*Manager, *device.Registry, string) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE devices (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			location          TEXT NOT NULL DEFAULT '',
			install_id        TEXT NOT NULL UNIQUE,
			hardware_id       TEXT,
			secret_hash       TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'offline',
			reload            INTEGER NOT NULL DEFAULT 0,
			profile_id        TEXT,
			settings_override TEXT NOT NULL DEFAULT '{}',
			current_state     TEXT NOT NULL DEFAULT '{}',
			command_queue     TEXT NOT NULL DEFAULT '[]',
			created_at        TEXT NOT NULL,
			last_seen_at      TEXT
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create test schema: %v", err)
	}

	registry := device.NewRegistry(device.NewSQLiteStore(db), time.Minute)
	dev, _, err := registry.Register(context.Background(), device.RegisterParams{
		Name: "Pairing Target", InstallID: "install-pair"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	manager := NewManager(registry, noopLogger{})
	t.Cleanup(manager.Close)

	return manager, registry, dev.ID
}

func TestManager_Generate(t *testing.T) {
	manager, _, deviceID := setupManager(t)
	ctx := context.Background()

	t.Run("issues six digit code with expiry", func(t *testing.T) {
		p, err := manager.Generate(ctx, deviceID, 5*time.Minute, false)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if !regexp.MustCompile(`^\d{6}$`).MatchString(p.Code) {
			t.Errorf("code %q is not six digits", p.Code)
		}
		if p.DeviceID != deviceID {
			t.Errorf("DeviceID = %q, want %q", p.DeviceID, deviceID)
		}
		if p.Token != "" {
			t.Errorf("Token = %q, want empty without requireToken", p.Token)
		}
		if !p.ExpiresAt.After(time.Now()) {
			t.Error("ExpiresAt is not in the future")
		}
	})

	t.Run("token issued on request", func(t *testing.T) {
		p, err := manager.Generate(ctx, deviceID, 5*time.Minute, true)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if p.Token == "" {
			t.Error("Token is empty with requireToken")
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if _, err := manager.Generate(ctx, "ghost", time.Minute, false); !errors.Is(err, device.ErrNotFound) {
			t.Errorf("Generate() error = %v, want device.ErrNotFound", err)
		}
	})

	t.Run("non-positive ttl", func(t *testing.T) {
		if _, err := manager.Generate(ctx, deviceID, 0, false); !errors.Is(err, ErrInvalidTTL) {
			t.Errorf("Generate() error = %v, want ErrInvalidTTL", err)
		}
	})
}

func TestManager_ListActive(t *testing.T) {
	manager, _, deviceID := setupManager(t)
	ctx := context.Background()

	tokenised, err := manager.Generate(ctx, deviceID, 5*time.Minute, true)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	active := manager.ListActive()
	if len(active) != 1 {
		t.Fatalf("ListActive() = %d codes, want 1", len(active))
	}
	if active[0].Token != "" {
		t.Error("ListActive() leaks the claim token")
	}
	if active[0].Code != tokenised.Code {
		t.Errorf("Code = %q, want %q", active[0].Code, tokenised.Code)
	}

	t.Run("expired codes omitted", func(t *testing.T) {
		now := time.Now()
		manager.now = func() time.Time { return now.Add(10 * time.Minute) }
		defer func() { manager.now = time.Now }()

		if got := manager.ListActive(); len(got) != 0 {
			t.Errorf("ListActive() = %d codes after expiry, want 0", len(got))
		}
	})
}

func TestManager_Revoke(t *testing.T) {
	manager, _, deviceID := setupManager(t)
	ctx := context.Background()

	p, err := manager.Generate(ctx, deviceID, 5*time.Minute, false)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if !manager.Revoke(p.Code) {
		t.Fatal("Revoke() = false for an active code, want true")
	}
	if _, err := manager.Claim(ctx, p.Code, "", nil, nil); !errors.Is(err, ErrCodeNotFoundOrExpired) {
		t.Errorf("Claim() after revoke error = %v, want ErrCodeNotFoundOrExpired", err)
	}
	if manager.Revoke(p.Code) {
		t.Error("Revoke() = true for an already-revoked code, want false")
	}
}

func TestManager_Claim(t *testing.T) {
	ctx := context.Background()

	t.Run("claim rotates secret and applies details", func(t *testing.T) {
		manager, registry, deviceID := setupManager(t)

		p, err := manager.Generate(ctx, deviceID, 5*time.Minute, false)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}

		name := "Claimed Screen"
		location := "Screen 3 corridor"
		result, err := manager.Claim(ctx, p.Code, "", &name, &location)
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if result.Device.ID != deviceID {
			t.Errorf("Device.ID = %q, want %q", result.Device.ID, deviceID)
		}
		if result.Device.Name != name || result.Device.Location != location {
			t.Errorf("details not applied: %q/%q", result.Device.Name, result.Device.Location)
		}
		if result.Secret == "" {
			t.Fatal("Secret is empty")
		}

		ok, err := registry.Verify(ctx, deviceID, result.Secret)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if !ok {
			t.Error("claimed secret does not verify")
		}
	})

	t.Run("second claim fails even before ttl", func(t *testing.T) {
		manager, _, deviceID := setupManager(t)

		p, err := manager.Generate(ctx, deviceID, 5*time.Minute, false)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if _, err := manager.Claim(ctx, p.Code, "", nil, nil); err != nil {
			t.Fatalf("first Claim() error = %v", err)
		}
		if _, err := manager.Claim(ctx, p.Code, "", nil, nil); !errors.Is(err, ErrCodeNotFoundOrExpired) {
			t.Errorf("second Claim() error = %v, want ErrCodeNotFoundOrExpired", err)
		}
	})

	t.Run("token mismatch", func(t *testing.T) {
		manager, _, deviceID := setupManager(t)

		p, err := manager.Generate(ctx, deviceID, 5*time.Minute, true)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if _, err := manager.Claim(ctx, p.Code, "wrong-token", nil, nil); !errors.Is(err, ErrClaimFailed) {
			t.Errorf("Claim() error = %v, want ErrClaimFailed", err)
		}

		// Still claimable with the right token: a failed claim does not
		// consume the code.
		if _, err := manager.Claim(ctx, p.Code, p.Token, nil, nil); err != nil {
			t.Errorf("Claim() with correct token error = %v", err)
		}
	})

	t.Run("expired code", func(t *testing.T) {
		manager, _, deviceID := setupManager(t)

		p, err := manager.Generate(ctx, deviceID, 5*time.Minute, false)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}

		now := time.Now()
		manager.now = func() time.Time { return now.Add(10 * time.Minute) }

		if _, err := manager.Claim(ctx, p.Code, "", nil, nil); !errors.Is(err, ErrCodeNotFoundOrExpired) {
			t.Errorf("Claim() error = %v, want ErrCodeNotFoundOrExpired", err)
		}
	})

	t.Run("malformed code", func(t *testing.T) {
		manager, _, _ := setupManager(t)
		if _, err := manager.Claim(ctx, "12ab56", "", nil, nil); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("Claim() error = %v, want ErrInvalidCode", err)
		}
	})
}

func TestManager_ConcurrentClaims(t *testing.T) {
	manager, _, deviceID := setupManager(t)
	ctx := context.Background()

	p, err := manager.Generate(ctx, deviceID, 5*time.Minute, false)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := manager.Claim(ctx, p.Code, "", nil, nil)
			if err != nil {
				if !errors.Is(err, ErrCodeNotFoundOrExpired) {
					t.Errorf("losing Claim() error = %v, want ErrCodeNotFoundOrExpired", err)
				}
				return
			}
			if result.Secret == "" {
				t.Error("winning Claim() returned empty secret")
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", succeeded)
	}
}
