package heartbeat

import (
	"context"
	"database/sql"
	"errors"
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

func setup(t *testing.T) (*Reconciler, *device.Registry, string, string) {
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
	dev, secret, err := registry.Register(context.Background(), device.RegisterParams{
		Name: "Heartbeat Target", InstallID: "install-hb"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	return NewReconciler(registry, noopLogger{}, nil, nil), registry, dev.ID, secret
}

func TestReconciler_AuthFailures(t *testing.T) {
	reconciler, _, deviceID, secret := setup(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"missing device id", Request{Secret: secret}, ErrMissingCredentials},
		{"missing secret", Request{DeviceID: deviceID}, ErrMissingCredentials},
		{"unknown device", Request{DeviceID: "ghost", Secret: secret}, ErrDeviceNotFound},
		{"wrong secret", Request{DeviceID: deviceID, Secret: "wrong"}, ErrInvalidSecret},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reconciler.Reconcile(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("Reconcile() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReconciler_WrongSecretRegardlessOfQueue(t *testing.T) {
	reconciler, registry, deviceID, _ := setup(t)
	ctx := context.Background()

	// Even a device with pending commands gets a clean 401; the queue is
	// untouched.
	if err := registry.QueueCommand(ctx, deviceID, device.NewReload("")); err != nil {
		t.Fatalf("QueueCommand() error = %v", err)
	}

	if _, err := reconciler.Reconcile(ctx, Request{DeviceID: deviceID, Secret: "wrong"}); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("Reconcile() error = %v, want ErrInvalidSecret", err)
	}

	dev, err := registry.Get(ctx, deviceID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(dev.CommandQueue) != 1 {
		t.Errorf("queue = %d commands after failed auth, want 1", len(dev.CommandQueue))
	}
}

func TestReconciler_Success(t *testing.T) {
	reconciler, registry, deviceID, secret := setup(t)
	ctx := context.Background()

	if err := registry.QueueCommand(ctx, deviceID, device.NewClearCache()); err != nil {
		t.Fatalf("QueueCommand() error = %v", err)
	}
	if err := registry.SetReload(ctx, deviceID, true); err != nil {
		t.Fatalf("SetReload() error = %v", err)
	}

	resp, err := reconciler.Reconcile(ctx, Request{
		DeviceID: deviceID,
		Secret:   secret,
		Status:   map[string]any{"playing": "poster-7"},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if !resp.OK {
		t.Error("OK = false")
	}
	if !resp.Reload {
		t.Error("Reload = false, want pre-clear true")
	}
	if len(resp.QueuedCommands) != 1 || resp.QueuedCommands[0].Type != device.CommandClearCache {
		t.Errorf("QueuedCommands = %v, want one clearCache", resp.QueuedCommands)
	}

	dev, err := registry.Get(ctx, deviceID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dev.Status != device.StatusOnline {
		t.Errorf("Status = %q, want online", dev.Status)
	}
	if dev.Reload {
		t.Error("reload flag not cleared")
	}
	if dev.CurrentState["playing"] != "poster-7" {
		t.Errorf("CurrentState = %v, want reported snapshot", dev.CurrentState)
	}

	t.Run("second heartbeat sees neither flag nor commands", func(t *testing.T) {
		resp, err := reconciler.Reconcile(ctx, Request{DeviceID: deviceID, Secret: secret})
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if resp.Reload {
			t.Error("Reload = true on second heartbeat")
		}
		if len(resp.QueuedCommands) != 0 {
			t.Errorf("QueuedCommands = %v, want empty", resp.QueuedCommands)
		}
		if resp.QueuedCommands == nil {
			t.Error("QueuedCommands is nil, want empty slice for stable JSON shape")
		}
	})
}

func TestReconciler_RunSweeper(t *testing.T) {
	reconciler, registry, deviceID, secret := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := reconciler.Reconcile(ctx, Request{DeviceID: deviceID, Secret: secret}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		reconciler.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	// The device was just seen, so it stays online while the sweeper runs.
	time.Sleep(50 * time.Millisecond)
	dev, err := registry.Get(ctx, deviceID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dev.Status != device.StatusOnline {
		t.Errorf("Status = %q, want online while fresh", dev.Status)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
