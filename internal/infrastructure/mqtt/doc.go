// Package mqtt publishes fleet lifecycle events to an MQTT broker.
//
// The command path between core and devices is the WebSocket live channel;
// MQTT is a one-way side channel for external consumers (the admin console,
// monitoring dashboards) that want device online/offline transitions and
// fleet events without polling the HTTP API.
//
// Topics:
//
//	posterfleet/device/{id}/status   retained per-device online/offline
//	posterfleet/event/{type}         fleet events (registered, claimed, merged)
//	posterfleet/system/status        core online/offline (retained, with LWT)
//
// The client is optional: when MQTT is disabled in config, callers hold a
// nil *Client and skip publishing.
package mqtt
