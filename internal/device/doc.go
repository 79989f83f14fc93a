// Package device provides the Device Registry for Poster Fleet Core.
//
// The Device Registry is the central catalogue of every poster display in
// the fleet. It owns device identity (registration keyed by install ID),
// secret issuance and verification, liveness bookkeeping, and the
// per-device offline command queue.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                             │
//	│                                                                      │
//	│  ┌──────────────────┐    ┌──────────────────┐   ┌────────────────┐   │
//	│  │     Registry     │    │      Store       │   │    Secrets     │   │
//	│  │   (registry.go)  │───▶│    (store.go)    │   │  (secret.go)   │   │
//	│  │                  │    │                  │   │                │   │
//	│  │ • Register/patch │    │ • SQLite queries │   │ • Argon2id PHC │   │
//	│  │ • Merge/rotate   │    │ • Queue drains   │   │ • Generation   │   │
//	│  │ • Liveness       │    │ • Transactions   │   │ • Verification │   │
//	│  └──────────────────┘    └──────────────────┘   └────────────────┘   │
//	└──────────────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Device: one physical poster display, including its command queue
//   - Command: an instruction destined for a device, with a typed payload
//   - Store: persistence interface, backed by SQLite in production
//   - HeartbeatResult: what a check-in hands back to the device
//
// # Usage
//
//	store := device.NewSQLiteStore(db)
//	registry := device.NewRegistry(store, 90*time.Second)
//	registry.SetLogger(log)
//
//	// Registration is idempotent per install identity
//	dev, secret, err := registry.Register(ctx, device.RegisterParams{
//	    Name:      "Lobby Screen",
//	    Location:  "Lobby, east wall",
//	    InstallID: installID,
//	})
//
//	// Heartbeats drain the queue and capture the reload flag atomically
//	result, err := registry.Heartbeat(ctx, dev.ID, reportedState)
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Per-device read-modify-write
// operations (queue append/drain, heartbeat) are transactional in the
// Store; operations spanning multiple records (registration by install ID,
// merge, rotation) are serialised by the registry's mutex.
//
// Plaintext secrets exist only in the single response that issues them.
// Only Argon2id hashes are stored, and Device never serialises the hash.
package device
