package mqtt

import "fmt"

// Topic prefixes for fleet event publishing.
//
// Scheme: posterfleet/{category}/...
const (
	// TopicPrefixDevice is the base for per-device topics.
	TopicPrefixDevice = "posterfleet/device"

	// TopicPrefixEvent is the base for fleet event topics.
	TopicPrefixEvent = "posterfleet/event"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "posterfleet/system"
)

// Topics provides builders for fleet MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// DeviceStatus returns the retained per-device status topic.
//
// Example: posterfleet/device/f3a1.../status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// Event returns the topic for a fleet event type.
//
// Example: posterfleet/event/device_registered
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixEvent, eventType)
}

// SystemStatus returns the core online/offline status topic.
//
// Example: posterfleet/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
