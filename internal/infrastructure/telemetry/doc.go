// Package telemetry writes fleet metrics to InfluxDB.
//
// Recorded measurements:
//
//	heartbeat   per-device heartbeat with drained queue depth and reload flag
//	dispatch    per-command dispatch outcomes (sent, queued, acked, ack_timeout)
//	connection  live-channel connects and disconnects
//
// Telemetry is optional. When disabled, callers hold a nil *Client and
// skip writes; when enabled, writes are batched and asynchronous so a slow
// or unavailable InfluxDB never blocks a device request.
package telemetry
