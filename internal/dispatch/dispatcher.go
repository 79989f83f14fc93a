package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/hub"
	"github.com/motionposters/fleet-core/internal/infrastructure/telemetry"
)

// Transport is what the dispatcher needs from the live channel layer.
// Satisfied by *hub.Hub; test doubles implement it directly.
type Transport interface {
	IsConnected(deviceID string) bool
	SendCommand(deviceID string, cmd device.Command) bool
	SendCommandAwait(ctx context.Context, deviceID string, cmd device.Command, timeout time.Duration) (hub.Ack, error)
}

// Outcome describes how a dispatch concluded.
type Outcome string

// Dispatch outcomes.
const (
	// OutcomeSent: handed to a live channel, no ack requested.
	OutcomeSent Outcome = "sent"
	// OutcomeQueued: no live channel, persisted for the next heartbeat.
	OutcomeQueued Outcome = "queued"
	// OutcomeAcked: delivered live and acknowledged.
	OutcomeAcked Outcome = "acked"
	// OutcomeAckTimeout: delivered live, no ack within the window.
	// Accepted but unconfirmed; never re-queued, which would risk double
	// execution once the device processes the original.
	OutcomeAckTimeout Outcome = "ack_timeout"
)

// Result is the outcome of dispatching one command to one device.
type Result struct {
	Outcome Outcome
	Ack     *hub.Ack // set only for OutcomeAcked
}

// BulkResult aggregates a multi-device fire-mode dispatch.
type BulkResult struct {
	Sent    int `json:"sent"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// FleetResult aggregates a fleet-wide maintenance dispatch.
type FleetResult struct {
	Live   int `json:"live"`
	Queued int `json:"queued"`
	Total  int `json:"total"`
}

// Dispatcher is the single entry point for delivering a command to a
// device, choosing between the live channel and the offline queue.
type Dispatcher struct {
	transport Transport
	registry  *device.Registry
	queue     *Queue
	logger    device.Logger
	telemetry *telemetry.Client // optional

	ackTimeout  time.Duration
	reloadDelay time.Duration
}

// NewDispatcher creates a dispatcher. telemetryClient may be nil.
func NewDispatcher(
	transport Transport,
	registry *device.Registry,
	logger device.Logger,
	telemetryClient *telemetry.Client,
	ackTimeout, reloadDelay time.Duration,
) *Dispatcher {
	return &Dispatcher{
		transport:   transport,
		registry:    registry,
		queue:       NewQueue(registry),
		logger:      logger,
		telemetry:   telemetryClient,
		ackTimeout:  ackTimeout,
		reloadDelay: reloadDelay,
	}
}

// Dispatch delivers a command in fire mode: a live send if connected,
// otherwise queued. Exactly one of the two happens.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, cmd device.Command) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}

	if d.transport.SendCommand(deviceID, cmd) {
		d.record(deviceID, cmd.Type, OutcomeSent)
		return Result{Outcome: OutcomeSent}, nil
	}

	if err := d.queue.Enqueue(ctx, deviceID, cmd); err != nil {
		return Result{}, err
	}
	d.record(deviceID, cmd.Type, OutcomeQueued)
	return Result{Outcome: OutcomeQueued}, nil
}

// DispatchAwait delivers a command and waits for the device's ack.
//
// Not connected falls back to queueing. An ack timeout reports accepted
// but unconfirmed — the command was sent, so queueing a duplicate here
// would risk double execution.
func (d *Dispatcher) DispatchAwait(ctx context.Context, deviceID string, cmd device.Command) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}

	ack, err := d.transport.SendCommandAwait(ctx, deviceID, cmd, d.ackTimeout)
	switch {
	case err == nil:
		d.record(deviceID, cmd.Type, OutcomeAcked)
		return Result{Outcome: OutcomeAcked, Ack: &ack}, nil

	case errors.Is(err, hub.ErrNotConnected):
		if err := d.queue.Enqueue(ctx, deviceID, cmd); err != nil {
			return Result{}, err
		}
		d.record(deviceID, cmd.Type, OutcomeQueued)
		return Result{Outcome: OutcomeQueued}, nil

	case errors.Is(err, hub.ErrAckTimeout):
		d.logger.Warn("command sent but unacknowledged",
			"device_id", deviceID, "command_type", cmd.Type)
		d.record(deviceID, cmd.Type, OutcomeAckTimeout)
		return Result{Outcome: OutcomeAckTimeout}, nil

	default:
		return Result{}, fmt.Errorf("awaiting ack: %w", err)
	}
}

// SettingsReload dispatches the reload that follows a profile change or
// override clearing, in fire mode.
func (d *Dispatcher) SettingsReload(ctx context.Context, deviceID string) (Result, error) {
	return d.Dispatch(ctx, deviceID, device.NewReload("settings changed"))
}

// DispatchBulk applies fire mode independently per device. Unknown device
// IDs are skipped, not errors: one bad ID must not fail an otherwise valid
// bulk operation.
func (d *Dispatcher) DispatchBulk(ctx context.Context, deviceIDs []string, cmd device.Command) (BulkResult, error) {
	if err := cmd.Validate(); err != nil {
		return BulkResult{}, err
	}

	var result BulkResult
	for _, deviceID := range deviceIDs {
		if _, err := d.registry.Get(ctx, deviceID); err != nil {
			if errors.Is(err, device.ErrNotFound) {
				result.Skipped++
				continue
			}
			return result, err
		}

		// Each device gets its own command instance so queue entries
		// keep distinct IDs.
		each := cmd
		each.ID = device.GenerateID()

		r, err := d.Dispatch(ctx, deviceID, each)
		if err != nil {
			return result, err
		}
		switch r.Outcome {
		case OutcomeSent:
			result.Sent++
		case OutcomeQueued:
			result.Queued++
		}
	}
	return result, nil
}

// ClearReloadAll runs the fleet-wide cache maintenance: every device gets
// a clearCache and then a reload. Connected devices get the clear live and
// the reload after a short delay so the clear completes first; offline
// devices get both queued in order for their next heartbeat.
func (d *Dispatcher) ClearReloadAll(ctx context.Context) (FleetResult, error) {
	devices, err := d.registry.List(ctx)
	if err != nil {
		return FleetResult{}, err
	}

	result := FleetResult{Total: len(devices)}
	for _, dev := range devices {
		deviceID := dev.ID
		clear := device.NewClearCache()

		if d.transport.SendCommand(deviceID, clear) {
			result.Live++
			d.record(deviceID, clear.Type, OutcomeSent)

			time.AfterFunc(d.reloadDelay, func() {
				// The device may have dropped in the gap; fire mode
				// falls back to the queue.
				if _, err := d.Dispatch(context.Background(), deviceID, device.NewReload("cache cleared")); err != nil {
					d.logger.Error("delayed reload dispatch failed",
						"device_id", deviceID, "error", err)
				}
			})
			continue
		}

		if err := d.queue.Enqueue(ctx, deviceID, clear, device.NewReload("cache cleared")); err != nil {
			d.logger.Error("queueing clear+reload failed", "device_id", deviceID, "error", err)
			continue
		}
		result.Queued++
		d.record(deviceID, clear.Type, OutcomeQueued)
	}

	d.logger.Info("fleet clear+reload dispatched",
		"live", result.Live, "queued", result.Queued, "total", result.Total)
	return result, nil
}

// record emits a dispatch telemetry point when telemetry is configured.
func (d *Dispatcher) record(deviceID, commandType string, outcome Outcome) {
	if d.telemetry != nil {
		d.telemetry.WriteDispatch(deviceID, commandType, string(outcome))
	}
}
