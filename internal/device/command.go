package device

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command types understood by the poster client.
const (
	// CommandReload tells the device to hard-reload its configuration
	// and content on receipt.
	CommandReload = "core.mgmt.reload"

	// CommandClearCache tells the device to discard its local media cache.
	CommandClearCache = "core.mgmt.clearCache"

	// CommandShowMessage displays an operator message on screen.
	CommandShowMessage = "core.mgmt.showMessage"
)

// Command is one instruction destined for a device.
//
// The payload is kept as raw JSON on the wire and in the queue;
// DecodePayload resolves it into a typed value for known command types.
type Command struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewCommand creates a command of the given type, marshalling the payload.
// A nil payload produces a command without one.
func NewCommand(commandType string, payload any) (Command, error) {
	cmd := Command{
		ID:        uuid.NewString(),
		Type:      commandType,
		CreatedAt: time.Now().UTC(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("%w: marshalling payload: %w", ErrInvalidCommand, err)
		}
		cmd.Payload = data
	}

	return cmd, nil
}

// NewReload creates a reload command. reason is informational and may be empty.
func NewReload(reason string) Command {
	cmd, _ := NewCommand(CommandReload, ReloadPayload{Reason: reason}) //nolint:errcheck // static payload cannot fail to marshal
	return cmd
}

// NewClearCache creates a clear-cache command.
func NewClearCache() Command {
	cmd, _ := NewCommand(CommandClearCache, nil) //nolint:errcheck // nil payload cannot fail to marshal
	return cmd
}

// Payload is a decoded command payload. Known command types decode to a
// concrete struct; unrecognised types decode to OpaquePayload so commands
// introduced by newer admin consoles still round-trip through the queue.
type Payload interface {
	isPayload()
}

// ReloadPayload is the payload of a core.mgmt.reload command.
type ReloadPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ClearCachePayload is the payload of a core.mgmt.clearCache command.
type ClearCachePayload struct {
	Scope string `json:"scope,omitempty"`
}

// ShowMessagePayload is the payload of a core.mgmt.showMessage command.
type ShowMessagePayload struct {
	Text            string `json:"text"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// OpaquePayload holds the raw payload of an unrecognised command type.
type OpaquePayload json.RawMessage

func (ReloadPayload) isPayload()      {}
func (ClearCachePayload) isPayload()  {}
func (ShowMessagePayload) isPayload() {}
func (OpaquePayload) isPayload()      {}

// DecodePayload resolves the raw payload into a typed value based on the
// command type. Unknown types return OpaquePayload, never an error; a
// malformed payload for a known type is an error.
func (c Command) DecodePayload() (Payload, error) {
	raw := c.Payload
	if raw == nil {
		raw = json.RawMessage("{}")
	}

	switch c.Type {
	case CommandReload:
		var p ReloadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrInvalidCommand, c.Type, err)
		}
		return p, nil
	case CommandClearCache:
		var p ClearCachePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrInvalidCommand, c.Type, err)
		}
		return p, nil
	case CommandShowMessage:
		var p ShowMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrInvalidCommand, c.Type, err)
		}
		return p, nil
	default:
		return OpaquePayload(raw), nil
	}
}

// Validate checks that a command is well-formed enough to dispatch: the
// type is present, the payload is JSON, and payloads of known types decode
// into their typed shape.
func (c Command) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidCommand)
	}
	if c.Payload != nil && !json.Valid(c.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidCommand)
	}
	if _, err := c.DecodePayload(); err != nil {
		return err
	}
	return nil
}
