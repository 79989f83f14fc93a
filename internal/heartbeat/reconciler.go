package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/infrastructure/mqtt"
	"github.com/motionposters/fleet-core/internal/infrastructure/telemetry"
)

// Request is a device check-in. Status is the device's self-reported state
// snapshot and may be nil.
type Request struct {
	DeviceID string         `json:"deviceId"`
	Secret   string         `json:"secret"`
	Status   map[string]any `json:"status,omitempty"`
}

// Response is what the device takes away from a check-in: whether to
// hard-reload, and every command queued while it was away.
type Response struct {
	OK             bool             `json:"ok"`
	Reload         bool             `json:"reload"`
	QueuedCommands []device.Command `json:"queuedCommands"`
}

// Reconciler is the device-initiated pull path: it authenticates a
// check-in, records liveness, drains the command queue, and reconciles the
// server's pending-reload flag into the response.
type Reconciler struct {
	registry  *device.Registry
	logger    device.Logger
	events    *mqtt.Client      // optional
	telemetry *telemetry.Client // optional
	topics    mqtt.Topics
}

// NewReconciler creates a reconciler. events and telemetryClient may be nil.
func NewReconciler(registry *device.Registry, logger device.Logger, events *mqtt.Client, telemetryClient *telemetry.Client) *Reconciler {
	return &Reconciler{
		registry:  registry,
		logger:    logger,
		events:    events,
		telemetry: telemetryClient,
	}
}

// Reconcile processes one check-in.
//
// Authentication failures are returned as the package's sentinel errors,
// each carrying a distinct reason for the device. On success the queue
// drain and reload-flag capture happen in one store transaction: the
// returned Reload is the flag's value before this check-in cleared it, so
// a device reloads exactly once per flag-set.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*Response, error) {
	if req.DeviceID == "" || req.Secret == "" {
		return nil, ErrMissingCredentials
	}

	ok, err := r.registry.Verify(ctx, req.DeviceID, req.Secret)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("verifying device: %w", err)
	}
	if !ok {
		r.logger.Warn("heartbeat with invalid secret", "device_id", req.DeviceID)
		return nil, ErrInvalidSecret
	}

	result, err := r.registry.Heartbeat(ctx, req.DeviceID, req.Status)
	if err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}

	r.publishStatus(req.DeviceID, true)
	if r.telemetry != nil {
		r.telemetry.WriteHeartbeat(req.DeviceID, len(result.Commands), result.Reload)
	}

	commands := result.Commands
	if commands == nil {
		commands = []device.Command{}
	}

	r.logger.Debug("heartbeat reconciled",
		"device_id", req.DeviceID, "reload", result.Reload, "drained", len(commands))

	return &Response{OK: true, Reload: result.Reload, QueuedCommands: commands}, nil
}

// RunSweeper periodically marks silent devices offline until the context
// is cancelled. Blocks; run it on its own goroutine.
func (r *Reconciler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := r.registry.SweepStale(ctx)
			if err != nil {
				r.logger.Error("offline sweep failed", "error", err)
				continue
			}
			for _, deviceID := range stale {
				r.publishStatus(deviceID, false)
			}
		}
	}
}

// publishStatus emits a retained per-device liveness event when MQTT is
// configured.
func (r *Reconciler) publishStatus(deviceID string, online bool) {
	if r.events == nil {
		return
	}

	status := string(device.StatusOffline)
	if online {
		status = string(device.StatusOnline)
	}
	payload, err := json.Marshal(map[string]string{
		"deviceId":  deviceID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := r.events.PublishRetained(r.topics.DeviceStatus(deviceID), payload); err != nil {
		r.logger.Debug("publishing device status failed", "device_id", deviceID, "error", err)
	}
}
