package telegram

import (
	"fmt"
	"strings"
	"time"
)

// Reading is a validated telemetry telegram from a metering device.
//
// A Reading is the only thing the validator hands downstream: raw bytes
// that survived size, schema, and content checks, reduced to typed
// values. The receipt timestamp is assigned locally because device
// clocks are never trusted.
type Reading struct {
	// DeviceID is the canonical device identifier. Values that look
	// like a MAC address are normalised to uppercase colon-separated
	// form (AA:BB:CC:DD:EE:FF).
	DeviceID string

	// Source is the network address the telegram arrived from.
	Source string

	// ReceivedAt is the local receipt timestamp (UTC).
	ReceivedAt time.Time

	// Counters holds the raw counter value per channel, in wire order.
	// Always at least one entry.
	Counters []uint64

	// Diagnostics carries optional device health fields.
	Diagnostics Diagnostics
}

// String returns a compact representation for logging.
func (r Reading) String() string {
	counters := make([]string, len(r.Counters))
	for i, c := range r.Counters {
		counters[i] = fmt.Sprintf("%d", c)
	}
	return fmt.Sprintf("Reading{%s [%s] from %s}", r.DeviceID, strings.Join(counters, " "), r.Source)
}

// Diagnostics holds the optional health block of a telegram.
//
// Known numeric fields use pointers so that absent and zero are
// distinguishable (an RSSI of 0 is a real measurement). String fields
// are sanitised and may legitimately be empty. Unknown scalar members
// from the wire are carried in Extra with stringified values.
type Diagnostics struct {
	// Voltage is the supply voltage in volts (0..10).
	Voltage *float64 `json:"voltage,omitempty"`

	// Battery is the remaining battery percentage (0..100).
	Battery *int `json:"battery,omitempty"`

	// RSSI is the WiFi signal strength in dBm (-120..0).
	RSSI *int `json:"rssi,omitempty"`

	// FreeMem is the device's free heap in bytes.
	FreeMem *uint64 `json:"freemem,omitempty"`

	// Boot is the device's boot counter.
	Boot *uint64 `json:"boot,omitempty"`

	// Resets is the device's watchdog reset counter.
	Resets *uint64 `json:"resets,omitempty"`

	// Version is the metering attachment firmware version.
	Version string `json:"version,omitempty"`

	// VersionESP is the transmitter module firmware version.
	VersionESP string `json:"version_esp,omitempty"`

	// IP is the address the device reports for itself. Informational
	// only; the trusted source address lives on the Reading.
	IP string `json:"ip,omitempty"`

	// Model is the hardware model string.
	Model string `json:"model,omitempty"`

	// Name is the device's self-reported name.
	Name string `json:"name,omitempty"`

	// Extra holds unknown scalar members, values stringified.
	Extra map[string]string `json:"extra,omitempty"`
}

// IsZero reports whether no diagnostic field was present.
func (d Diagnostics) IsZero() bool {
	return d.Voltage == nil && d.Battery == nil && d.RSSI == nil &&
		d.FreeMem == nil && d.Boot == nil && d.Resets == nil &&
		d.Version == "" && d.VersionESP == "" && d.IP == "" &&
		d.Model == "" && d.Name == "" && len(d.Extra) == 0
}
