package device

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the devices table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Queue read-modify-writes rely on single-writer serialisation.
	db.SetMaxOpenConns(1)

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
		CREATE INDEX idx_devices_status ON devices(status);
		CREATE INDEX idx_devices_last_seen_at ON devices(last_seen_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testDevice creates a device for testing.
func testDevice(id, installID string) *Device {
	return &Device{
		ID:         id,
		Name:       "Test Screen " + id,
		Location:   "Lobby",
		InstallID:  installID,
		SecretHash: "$argon2id$v=19$m=65536,t=3,p=1$c2FsdHNhbHRzYWx0c2Fs$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		Status:     StatusOffline,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	t.Run("creates and retrieves device", func(t *testing.T) {
		hw := "hw-abc"
		profile := "profile-1"
		dev := testDevice("dev-001", "install-001")
		dev.HardwareID = &hw
		dev.ProfileID = &profile
		dev.SettingsOverride = map[string]any{"cinema": map[string]any{"enabled": true}}

		if err := store.Create(ctx, dev); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		got, err := store.GetByID(ctx, "dev-001")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.Name != dev.Name {
			t.Errorf("Name = %q, want %q", got.Name, dev.Name)
		}
		if got.InstallID != "install-001" {
			t.Errorf("InstallID = %q, want %q", got.InstallID, "install-001")
		}
		if got.HardwareID == nil || *got.HardwareID != hw {
			t.Errorf("HardwareID = %v, want %q", got.HardwareID, hw)
		}
		if got.ProfileID == nil || *got.ProfileID != profile {
			t.Errorf("ProfileID = %v, want %q", got.ProfileID, profile)
		}
		if got.Status != StatusOffline {
			t.Errorf("Status = %q, want %q", got.Status, StatusOffline)
		}
		if len(got.SettingsOverride) != 1 {
			t.Errorf("SettingsOverride = %v, want one key", got.SettingsOverride)
		}
		if len(got.CommandQueue) != 0 {
			t.Errorf("CommandQueue = %v, want empty", got.CommandQueue)
		}
	})

	t.Run("retrieves by install id", func(t *testing.T) {
		got, err := store.GetByInstallID(ctx, "install-001")
		if err != nil {
			t.Fatalf("GetByInstallID() error = %v", err)
		}
		if got.ID != "dev-001" {
			t.Errorf("ID = %q, want %q", got.ID, "dev-001")
		}
	})

	t.Run("returns ErrNotFound for unknown device", func(t *testing.T) {
		if _, err := store.GetByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByID() error = %v, want ErrNotFound", err)
		}
		if _, err := store.GetByInstallID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByInstallID() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rejects duplicate install id", func(t *testing.T) {
		dup := testDevice("dev-002", "install-001")
		if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicateInstall) {
			t.Errorf("Create() error = %v, want ErrDuplicateInstall", err)
		}
	})
}

func TestSQLiteStore_Update(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	dev := testDevice("dev-upd", "install-upd")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dev.Name = "Renamed"
	dev.Location = "Mezzanine"
	profile := "profile-9"
	dev.ProfileID = &profile
	if err := store.Update(ctx, dev); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.GetByID(ctx, "dev-upd")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "Renamed" || got.Location != "Mezzanine" {
		t.Errorf("got %q/%q, want Renamed/Mezzanine", got.Name, got.Location)
	}
	if got.ProfileID == nil || *got.ProfileID != "profile-9" {
		t.Errorf("ProfileID = %v, want profile-9", got.ProfileID)
	}

	missing := testDevice("ghost", "install-ghost")
	if err := store.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

// Update writes identity and configuration columns only, so a write built
// from an earlier read must not clobber liveness, secret or queue state
// changed in between.
func TestSQLiteStore_UpdatePreservesConcurrentState(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	dev := testDevice("dev-stale", "install-stale")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	snapshot, err := store.GetByID(ctx, "dev-stale")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	// Everything below happens after the snapshot was taken.
	cmd := NewClearCache()
	if err := store.AppendCommands(ctx, "dev-stale", cmd); err != nil {
		t.Fatalf("AppendCommands() error = %v", err)
	}
	if err := store.SetStatus(ctx, "dev-stale", StatusOnline, time.Now()); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := store.UpdateSecretHash(ctx, "dev-stale", "rotated-hash"); err != nil {
		t.Fatalf("UpdateSecretHash() error = %v", err)
	}

	snapshot.Name = "Renamed From Stale Read"
	if err := store.Update(ctx, snapshot); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.GetByID(ctx, "dev-stale")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "Renamed From Stale Read" {
		t.Errorf("Name = %q, want the updated name", got.Name)
	}
	if got.SecretHash != "rotated-hash" {
		t.Errorf("SecretHash = %q, want the rotated hash to survive", got.SecretHash)
	}
	if got.Status != StatusOnline {
		t.Errorf("Status = %q, want online to survive", got.Status)
	}

	drained, err := store.DrainCommands(ctx, "dev-stale")
	if err != nil {
		t.Fatalf("DrainCommands() error = %v", err)
	}
	if len(drained) != 1 || drained[0].ID != cmd.ID {
		t.Errorf("drained %d commands, want the one appended after the snapshot", len(drained))
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	dev := testDevice("dev-del", "install-del")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Delete(ctx, "dev-del"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.GetByID(ctx, "dev-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "dev-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_CommandQueue(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	dev := testDevice("dev-q", "install-q")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Run("append preserves order", func(t *testing.T) {
		first := NewClearCache()
		second := NewReload("test")
		if err := store.AppendCommands(ctx, "dev-q", first); err != nil {
			t.Fatalf("AppendCommands() error = %v", err)
		}
		if err := store.AppendCommands(ctx, "dev-q", second); err != nil {
			t.Fatalf("AppendCommands() error = %v", err)
		}

		got, err := store.GetByID(ctx, "dev-q")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if len(got.CommandQueue) != 2 {
			t.Fatalf("queue length = %d, want 2", len(got.CommandQueue))
		}
		if got.CommandQueue[0].Type != CommandClearCache || got.CommandQueue[1].Type != CommandReload {
			t.Errorf("queue order = %q, %q; want clearCache then reload",
				got.CommandQueue[0].Type, got.CommandQueue[1].Type)
		}
	})

	t.Run("drain returns all once then empty", func(t *testing.T) {
		drained, err := store.DrainCommands(ctx, "dev-q")
		if err != nil {
			t.Fatalf("DrainCommands() error = %v", err)
		}
		if len(drained) != 2 {
			t.Fatalf("drained = %d commands, want 2", len(drained))
		}

		again, err := store.DrainCommands(ctx, "dev-q")
		if err != nil {
			t.Fatalf("second DrainCommands() error = %v", err)
		}
		if len(again) != 0 {
			t.Errorf("second drain = %d commands, want 0", len(again))
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if err := store.AppendCommands(ctx, "ghost", NewReload("")); !errors.Is(err, ErrNotFound) {
			t.Errorf("AppendCommands() error = %v, want ErrNotFound", err)
		}
		if _, err := store.DrainCommands(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DrainCommands() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteStore_ConcurrentDrains(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	dev := testDevice("dev-race", "install-race")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const queued = 20
	for i := 0; i < queued; i++ {
		if err := store.AppendCommands(ctx, "dev-race", NewReload("")); err != nil {
			t.Fatalf("AppendCommands() error = %v", err)
		}
	}

	const drainers = 8
	var wg sync.WaitGroup
	results := make([][]Command, drainers)
	for i := 0; i < drainers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			cmds, err := store.DrainCommands(ctx, "dev-race")
			if err != nil {
				t.Errorf("DrainCommands() error = %v", err)
				return
			}
			results[slot] = cmds
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	total := 0
	for _, cmds := range results {
		total += len(cmds)
		for _, cmd := range cmds {
			seen[cmd.ID]++
		}
	}
	if total != queued {
		t.Errorf("total drained = %d, want %d", total, queued)
	}
	for id, count := range seen {
		if count > 1 {
			t.Errorf("command %s drained %d times", id, count)
		}
	}
}

func TestSQLiteStore_RecordHeartbeat(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	dev := testDevice("dev-hb", "install-hb")
	dev.Reload = true
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.AppendCommands(ctx, "dev-hb", NewClearCache()); err != nil {
		t.Fatalf("AppendCommands() error = %v", err)
	}

	seenAt := time.Now().UTC().Truncate(time.Second)
	result, err := store.RecordHeartbeat(ctx, "dev-hb",
		map[string]any{"playing": "poster-42"}, seenAt)
	if err != nil {
		t.Fatalf("RecordHeartbeat() error = %v", err)
	}

	if !result.Reload {
		t.Error("Reload = false, want true (pre-clear value)")
	}
	if len(result.Commands) != 1 || result.Commands[0].Type != CommandClearCache {
		t.Errorf("Commands = %v, want one clearCache", result.Commands)
	}

	got, err := store.GetByID(ctx, "dev-hb")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Reload {
		t.Error("stored reload flag not cleared")
	}
	if len(got.CommandQueue) != 0 {
		t.Errorf("stored queue = %v, want empty", got.CommandQueue)
	}
	if got.Status != StatusOnline {
		t.Errorf("Status = %q, want online", got.Status)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seenAt) {
		t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, seenAt)
	}
	if got.CurrentState["playing"] != "poster-42" {
		t.Errorf("CurrentState = %v, want playing=poster-42", got.CurrentState)
	}

	t.Run("second heartbeat reports no reload and empty queue", func(t *testing.T) {
		result, err := store.RecordHeartbeat(ctx, "dev-hb", nil, seenAt.Add(time.Second))
		if err != nil {
			t.Fatalf("RecordHeartbeat() error = %v", err)
		}
		if result.Reload {
			t.Error("Reload = true, want false after clear")
		}
		if len(result.Commands) != 0 {
			t.Errorf("Commands = %v, want empty", result.Commands)
		}

		// nil state keeps the previous snapshot
		got, err := store.GetByID(ctx, "dev-hb")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.CurrentState["playing"] != "poster-42" {
			t.Errorf("CurrentState = %v, want previous snapshot kept", got.CurrentState)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if _, err := store.RecordHeartbeat(ctx, "ghost", nil, seenAt); !errors.Is(err, ErrNotFound) {
			t.Errorf("RecordHeartbeat() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteStore_MarkStale(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	fresh := testDevice("dev-fresh", "install-fresh")
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.SetStatus(ctx, "dev-fresh", StatusOnline, now); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	stale := testDevice("dev-stale", "install-stale")
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.SetStatus(ctx, "dev-stale", StatusOnline, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	flipped, err := store.MarkStale(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("MarkStale() error = %v", err)
	}
	if len(flipped) != 1 || flipped[0] != "dev-stale" {
		t.Errorf("MarkStale() = %v, want [dev-stale]", flipped)
	}

	got, err := store.GetByID(ctx, "dev-stale")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusOffline {
		t.Errorf("stale device status = %q, want offline", got.Status)
	}

	got, err = store.GetByID(ctx, "dev-fresh")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusOnline {
		t.Errorf("fresh device status = %q, want online", got.Status)
	}
}

func TestSQLiteStore_UpdateSecretHash(t *testing.T) {
	db := setupTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	dev := testDevice("dev-rot", "install-rot")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	newHash := "$argon2id$v=19$m=65536,t=3,p=1$bmV3c2FsdG5ld3NhbHQ$bmV3aGFzaG5ld2hhc2huZXdoYXNobmV3aGFzaG5ld2g"
	if err := store.UpdateSecretHash(ctx, "dev-rot", newHash); err != nil {
		t.Fatalf("UpdateSecretHash() error = %v", err)
	}

	got, err := store.GetByID(ctx, "dev-rot")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.SecretHash != newHash {
		t.Errorf("SecretHash not updated")
	}

	if err := store.UpdateSecretHash(ctx, "ghost", newHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSecretHash() error = %v, want ErrNotFound", err)
	}
}
