// Package api provides the HTTP surface of Poster Fleet Core.
//
// One listener carries two surfaces:
//
//   - Device-facing endpoints under /api/v1/fleet: registration,
//     credential check, heartbeat, pairing claim, and the WebSocket
//     upgrade for the live command channel. These authenticate per
//     request with device credentials.
//   - Admin endpoints under /api/v1/devices and /api/v1/pairing-codes:
//     device CRUD, merging, command dispatch, and pairing-code
//     management. These require a bearer JWT issued by the operator
//     console.
//
// Status codes are part of the device contract. A heartbeat 401 always
// carries one of three reason codes (missing_credentials,
// device_not_found, invalid_secret) so a device can decide between
// re-registering and giving up. An await-mode command that times out
// waiting for its acknowledgement returns 202: delivered, unconfirmed,
// not re-queued.
//
// Rate limiting is left to the reverse proxy in front of this service.
package api
