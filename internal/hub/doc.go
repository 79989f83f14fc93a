// Package hub manages the live WebSocket channels between Poster Fleet
// Core and connected devices.
//
// Each device holds at most one channel; a reconnect replaces the previous
// channel (last wins). Commands flow server-to-device as envelopes
// {type, payload, correlationId?}; devices acknowledge await-mode sends
// with {correlationId, status, timestamp}.
//
// Delivery semantics are deliberately weak: SendCommand only promises the
// message was handed to the channel, and SendCommandAwait promises
// at-most-once acknowledgement — a timed-out send may still have been
// processed by the device. Callers that need certainty re-send idempotent
// commands rather than trusting the channel.
package hub
