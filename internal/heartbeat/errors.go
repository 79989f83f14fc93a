package heartbeat

import "errors"

// Authentication failures, each mapping to a distinct 401 reason code at
// the API boundary.
var (
	ErrMissingCredentials = errors.New("heartbeat: missing credentials")
	ErrDeviceNotFound     = errors.New("heartbeat: device not found")
	ErrInvalidSecret      = errors.New("heartbeat: invalid secret")
)
