package device

import (
	"time"

	"github.com/google/uuid"
)

// Status is the liveness state of a device as last recorded by the server.
type Status string

// Recognised device statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device represents one physical poster display in the fleet.
//
// Field names follow the device wire protocol (camelCase JSON); the secret
// hash is write-only from the API's perspective and never serialised.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Location is a free-form placement description ("Lobby, east wall").
	Location string `json:"location"`

	// InstallID is a stable client-side identifier that survives a
	// reinstall, bound via a cookie set by the server. At most one
	// device holds a given InstallID.
	InstallID string `json:"installId"`

	// HardwareID is an optional client-reported hardware identifier.
	HardwareID *string `json:"hardwareId,omitempty"`

	// SecretHash is the Argon2id PHC hash of the device secret.
	// The plaintext secret is returned exactly once, at registration or
	// pairing-claim time, and never stored.
	SecretHash string `json:"-"`

	// Liveness
	Status     Status     `json:"status"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`

	// Reload is set when the server wants the device to hard-reload on
	// next contact. It is captured and cleared atomically by the
	// heartbeat path.
	Reload bool `json:"reload"`

	// Display configuration
	ProfileID        *string        `json:"profileId"`
	SettingsOverride map[string]any `json:"settingsOverride"`

	// CurrentState is the last snapshot reported by the client.
	CurrentState map[string]any `json:"currentState"`

	// CommandQueue holds commands awaiting delivery while the device is
	// offline. Insertion order is preserved; the queue is drained
	// atomically.
	CommandQueue []Command `json:"commandQueue"`

	CreatedAt time.Time `json:"createdAt"`
}

// GenerateID returns a new unique device identifier.
func GenerateID() string {
	return uuid.NewString()
}

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	cpy.SettingsOverride = deepCopyMap(d.SettingsOverride)
	cpy.CurrentState = deepCopyMap(d.CurrentState)

	if d.CommandQueue != nil {
		cpy.CommandQueue = make([]Command, len(d.CommandQueue))
		copy(cpy.CommandQueue, d.CommandQueue)
	}

	// Pointer fields (*string, *time.Time) don't need deep copy
	// because strings and time.Time are immutable in Go

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// RegisterParams are the client-supplied fields for device registration.
type RegisterParams struct {
	Name       string
	Location   string
	InstallID  string
	HardwareID *string
}

// Patch is a partial device update. Pointer fields are applied when
// non-nil; ProfileID and SettingsOverride carry explicit Set flags
// because null and empty are meaningful values for them.
type Patch struct {
	Name       *string
	Location   *string
	HardwareID *string

	ProfileID    *string
	ProfileIDSet bool

	SettingsOverride    map[string]any
	SettingsOverrideSet bool
}
