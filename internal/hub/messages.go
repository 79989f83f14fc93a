package hub

import (
	"encoding/json"

	"github.com/motionposters/fleet-core/internal/device"
)

// Envelope is the server-to-device wire message carrying one command.
// CorrelationID is set only for await-mode sends.
type Envelope struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Ack is the device-to-server acknowledgement of an await-mode command.
type Ack struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
}

// Ack statuses a device may report.
const (
	AckStatusOK    = "ok"
	AckStatusError = "error"
)

// envelopeFor wraps a command for the wire.
func envelopeFor(cmd device.Command, correlationID string) Envelope {
	return Envelope{
		Type:          cmd.Type,
		Payload:       cmd.Payload,
		CorrelationID: correlationID,
	}
}
