package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides fleet device management on top of a Store.
//
// Per-device read-modify-write atomicity (queue drains, heartbeats) lives in
// the Store's transactions; the registry's own mutex serialises the
// operations that span more than one record or more than one store call:
// registration by install identity, secret rotation, and merges.
//
// All public methods are thread-safe.
type Registry struct {
	store        Store
	offlineAfter time.Duration
	logger       Logger

	mu sync.Mutex // serialises register, rotate and merge

	now func() time.Time // injectable for tests
}

// NewRegistry creates a new device registry. Devices whose last contact is
// older than offlineAfter are reported offline regardless of stored status;
// zero disables the derivation.
func NewRegistry(store Store, offlineAfter time.Duration) *Registry {
	return &Registry{
		store:        store,
		offlineAfter: offlineAfter,
		logger:       noopLogger{},
		now:          time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Register creates or refreshes a device identity, keyed by install ID.
//
// If a device already holds the install ID its name, location and hardware
// ID are updated in place and its secret rotated, so a client that lost its
// local storage gets its old identity back while any previously issued
// secret stops working. The returned plaintext secret is the only time it
// is ever exposed.
func (r *Registry) Register(ctx context.Context, params RegisterParams) (*Device, string, error) {
	if err := validateRegister(params); err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("registering device: %w", err)
	}
	secretHash, err := HashSecret(secret)
	if err != nil {
		return nil, "", fmt.Errorf("registering device: %w", err)
	}

	existing, err := r.store.GetByInstallID(ctx, params.InstallID)
	switch {
	case err == nil:
		existing.Name = params.Name
		if params.Location != "" {
			existing.Location = params.Location
		}
		if params.HardwareID != nil {
			existing.HardwareID = params.HardwareID
		}
		existing.SecretHash = secretHash

		if err := r.store.Update(ctx, existing); err != nil {
			return nil, "", fmt.Errorf("re-registering device: %w", err)
		}
		if err := r.store.UpdateSecretHash(ctx, existing.ID, secretHash); err != nil {
			return nil, "", fmt.Errorf("rotating secret: %w", err)
		}
		r.logger.Info("device re-registered, secret rotated",
			"device_id", existing.ID, "install_id", params.InstallID)
		return existing, secret, nil

	case errors.Is(err, ErrNotFound):
		device := &Device{
			ID:         GenerateID(),
			Name:       params.Name,
			Location:   params.Location,
			InstallID:  params.InstallID,
			HardwareID: params.HardwareID,
			SecretHash: secretHash,
			Status:     StatusOffline,
			CreatedAt:  r.now().UTC(),
		}
		if err := r.store.Create(ctx, device); err != nil {
			return nil, "", fmt.Errorf("registering device: %w", err)
		}
		r.logger.Info("device registered",
			"device_id", device.ID, "install_id", params.InstallID)
		return device, secret, nil

	default:
		return nil, "", fmt.Errorf("looking up install id: %w", err)
	}
}

// Verify checks a presented secret against the stored hash.
// Returns ErrNotFound for an unknown device; a merely wrong secret is
// (false, nil), never an error.
func (r *Registry) Verify(ctx context.Context, id, secret string) (bool, error) {
	device, err := r.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}

	ok, err := VerifySecret(secret, device.SecretHash)
	if err != nil {
		return false, fmt.Errorf("verifying secret: %w", err)
	}
	return ok, nil
}

// Get retrieves a device by ID with its effective liveness status.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	device, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.applyEffectiveStatus(device)
	return device, nil
}

// GetByInstallID retrieves a device by its install identity.
func (r *Registry) GetByInstallID(ctx context.Context, installID string) (*Device, error) {
	device, err := r.store.GetByInstallID(ctx, installID)
	if err != nil {
		return nil, err
	}
	r.applyEffectiveStatus(device)
	return device, nil
}

// List retrieves all devices with effective liveness statuses.
// Secret hashes stay internal; Device never serialises them.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	devices, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		r.applyEffectiveStatus(&devices[i])
	}
	return devices, nil
}

// ApplyPatch applies a partial update and reports whether the change
// requires the device to reload.
//
// A reload is required when profileId changes, or when a non-empty
// settings override is cleared. Setting a non-empty override does not
// require one: override removal silently changes effective behaviour, so
// the device must be told to refresh, while override tuning is picked up
// by the device's own settings sync. The caller dispatches the reload
// after the patch commits.
func (r *Registry) ApplyPatch(ctx context.Context, id string, patch Patch) (*Device, bool, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, false, fmt.Errorf("%w: name cannot be empty", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	reload := false

	if patch.Name != nil {
		device.Name = *patch.Name
	}
	if patch.Location != nil {
		device.Location = *patch.Location
	}
	if patch.HardwareID != nil {
		device.HardwareID = patch.HardwareID
	}

	if patch.ProfileIDSet && !equalStringPtr(device.ProfileID, patch.ProfileID) {
		device.ProfileID = patch.ProfileID
		reload = true
	}

	if patch.SettingsOverrideSet {
		if len(device.SettingsOverride) > 0 && len(patch.SettingsOverride) == 0 {
			reload = true
		}
		device.SettingsOverride = patch.SettingsOverride
	}

	if err := r.store.Update(ctx, device); err != nil {
		return nil, false, err
	}

	r.logger.Debug("device patched", "device_id", id, "reload_required", reload)
	return device, reload, nil
}

// Delete removes a device.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("device deleted", "device_id", id)
	return nil
}

// Merge absorbs the source devices into the target: each source's queued
// commands are appended after the target's existing queue, in the order the
// sources are given, then the sources are deleted. Fails without mutating
// anything if the target or any source is unknown.
func (r *Registry) Merge(ctx context.Context, targetID string, sourceIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetByID(ctx, targetID); err != nil {
		return nil, err
	}

	sources := make([]*Device, 0, len(sourceIDs))
	for _, sourceID := range sourceIDs {
		if sourceID == targetID {
			return nil, fmt.Errorf("%w: device cannot be merged into itself", ErrValidation)
		}
		source, err := r.store.GetByID(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	merged := make([]string, 0, len(sources))
	for _, source := range sources {
		if len(source.CommandQueue) > 0 {
			if err := r.store.AppendCommands(ctx, targetID, source.CommandQueue...); err != nil {
				return merged, fmt.Errorf("merging queue from %s: %w", source.ID, err)
			}
		}
		if err := r.store.Delete(ctx, source.ID); err != nil {
			return merged, fmt.Errorf("deleting merged device %s: %w", source.ID, err)
		}
		merged = append(merged, source.ID)
	}

	r.logger.Info("devices merged", "target_id", targetID, "merged", len(merged))
	return merged, nil
}

// RotateSecret issues a fresh secret for a device, invalidating the old
// one. The plaintext is returned exactly once.
func (r *Registry) RotateSecret(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	secret, err := GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("rotating secret: %w", err)
	}
	secretHash, err := HashSecret(secret)
	if err != nil {
		return "", fmt.Errorf("rotating secret: %w", err)
	}

	if err := r.store.UpdateSecretHash(ctx, id, secretHash); err != nil {
		return "", err
	}

	r.logger.Info("device secret rotated", "device_id", id)
	return secret, nil
}

// QueueCommand appends a command to the device's offline queue.
func (r *Registry) QueueCommand(ctx context.Context, id string, commands ...Command) error {
	for _, cmd := range commands {
		if err := cmd.Validate(); err != nil {
			return err
		}
	}
	return r.store.AppendCommands(ctx, id, commands...)
}

// Heartbeat records a device check-in: marks it online, stores the
// reported state, and atomically drains the queue while capturing the
// pre-clear reload flag.
func (r *Registry) Heartbeat(ctx context.Context, id string, state map[string]any) (*HeartbeatResult, error) {
	return r.store.RecordHeartbeat(ctx, id, state, r.now().UTC())
}

// SetStatus records a liveness transition, typically driven by the live
// channel connecting or dropping.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	return r.store.SetStatus(ctx, id, status, r.now().UTC())
}

// SetReload sets or clears the device's pending-reload flag.
func (r *Registry) SetReload(ctx context.Context, id string, reload bool) error {
	return r.store.SetReload(ctx, id, reload)
}

// SweepStale marks devices offline whose last contact predates the
// configured liveness window, returning the affected IDs.
func (r *Registry) SweepStale(ctx context.Context) ([]string, error) {
	if r.offlineAfter <= 0 {
		return nil, nil
	}
	cutoff := r.now().UTC().Add(-r.offlineAfter)
	stale, err := r.store.MarkStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		r.logger.Info("stale devices marked offline", "count", len(stale))
	}
	return stale, nil
}

// applyEffectiveStatus derives the reported status from the stored one:
// a device that has not checked in within the liveness window is offline
// even if no sweep has run yet.
func (r *Registry) applyEffectiveStatus(device *Device) {
	if r.offlineAfter <= 0 || device.Status != StatusOnline {
		return
	}
	if device.LastSeenAt == nil || r.now().UTC().Sub(device.LastSeenAt.UTC()) > r.offlineAfter {
		device.Status = StatusOffline
	}
}

func validateRegister(params RegisterParams) error {
	if strings.TrimSpace(params.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(params.InstallID) == "" {
		return fmt.Errorf("%w: installId is required", ErrValidation)
	}
	return nil
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
