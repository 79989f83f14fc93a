package hub

import "errors"

var (
	// ErrNotConnected indicates no live channel exists for the device.
	ErrNotConnected = errors.New("hub: device not connected")

	// ErrAckTimeout indicates the device did not acknowledge within the
	// await window. The command was sent; processing is unconfirmed.
	ErrAckTimeout = errors.New("hub: acknowledgement timeout")
)
