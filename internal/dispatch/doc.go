// Package dispatch decides how a command reaches a device: over the live
// WebSocket channel when one exists, or through the persisted per-device
// queue otherwise.
//
// Fire mode attempts a live send and falls back to the queue — exactly one
// of the two happens. Await mode additionally waits for the device's
// acknowledgement; an ack timeout is reported as accepted-but-unconfirmed
// rather than re-queued, keeping command delivery at-most-once from the
// dispatcher's point of view.
//
// The dispatcher also owns the command side effects of settings changes
// (reload after a profile change or override clearing) and the fleet-wide
// clear-cache/reload maintenance sweep.
package dispatch
