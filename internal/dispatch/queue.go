package dispatch

import (
	"context"

	"github.com/motionposters/fleet-core/internal/device"
)

// Queue is the offline command path: a thin FIFO wrapper over each
// device's persisted command queue. No priorities, no deduplication —
// identical commands queue as separate entries, and callers are
// responsible for idempotent command semantics.
type Queue struct {
	registry *device.Registry
}

// NewQueue wraps the registry's per-device queues.
func NewQueue(registry *device.Registry) *Queue {
	return &Queue{registry: registry}
}

// Enqueue appends commands in the order given. Draining happens solely
// inside the device check-in transaction, so a queued command is delivered
// exactly once.
func (q *Queue) Enqueue(ctx context.Context, deviceID string, commands ...device.Command) error {
	return q.registry.QueueCommand(ctx, deviceID, commands...)
}
