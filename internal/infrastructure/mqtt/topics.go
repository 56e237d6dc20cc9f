package mqtt

import "fmt"

// DefaultTopicPrefix is the topic tree root used when the configured
// prefix is empty.
const DefaultTopicPrefix = "pulsegate"

// Topics builds the PulseGate MQTT topic tree. Using these helpers
// keeps topic naming consistent between the publisher, the WebSocket
// relay and external consumers.
//
// The zero value uses DefaultTopicPrefix; deployments that share a
// broker set their own prefix in config.yaml:
//
//	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
//	topic := topics.ChannelReading("E8:DB:84:00:AA:BB", 0)
//	// Returns: "pulsegate/reading/E8:DB:84:00:AA:BB/0"
//
// Device identifiers are safe to embed directly: the telegram validator
// restricts them to [A-Za-z0-9:._-], which excludes the MQTT structural
// characters /, + and #.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// ChannelReading returns the retained per-channel reading topic.
//
// Example: pulsegate/reading/E8:DB:84:00:AA:BB/0
func (t Topics) ChannelReading(identifier string, index int) string {
	return fmt.Sprintf("%s/reading/%s/%d", t.prefix(), identifier, index)
}

// DeviceStatus returns the retained per-device health topic. Payloads
// are "online" or "offline"; the unknown state is never published.
//
// Example: pulsegate/device/E8:DB:84:00:AA:BB/status
func (t Topics) DeviceStatus(identifier string) string {
	return fmt.Sprintf("%s/device/%s/status", t.prefix(), identifier)
}

// DeviceRegistration returns the retained per-device registration
// topic. Payloads are the registration state strings: pending,
// registered.
//
// Example: pulsegate/device/E8:DB:84:00:AA:BB/registration
func (t Topics) DeviceRegistration(identifier string) string {
	return fmt.Sprintf("%s/device/%s/registration", t.prefix(), identifier)
}

// CoreStatus returns the core liveness topic. The core publishes a
// retained "online" on connect and "offline" on graceful shutdown; the
// broker publishes the "offline" Last Will on an unexpected drop.
//
// Example: pulsegate/status
func (t Topics) CoreStatus() string {
	return fmt.Sprintf("%s/status", t.prefix())
}

// AllChannelReadings returns a pattern matching every channel reading.
//
// Pattern: pulsegate/reading/+/+
func (t Topics) AllChannelReadings() string {
	return fmt.Sprintf("%s/reading/+/+", t.prefix())
}

// AllDeviceStatuses returns a pattern matching every device health
// topic.
//
// Pattern: pulsegate/device/+/status
func (t Topics) AllDeviceStatuses() string {
	return fmt.Sprintf("%s/device/+/status", t.prefix())
}

// AllDeviceRegistrations returns a pattern matching every device
// registration topic.
//
// Pattern: pulsegate/device/+/registration
func (t Topics) AllDeviceRegistrations() string {
	return fmt.Sprintf("%s/device/+/registration", t.prefix())
}

// AllTopics returns a pattern matching the whole PulseGate tree.
// Use with caution, this receives all traffic under the prefix.
//
// Pattern: pulsegate/#
func (t Topics) AllTopics() string {
	return fmt.Sprintf("%s/#", t.prefix())
}
