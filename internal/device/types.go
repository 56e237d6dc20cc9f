package device

import "time"

// Record represents a metering device known to the system.
// This matches the devices schema under migrations/.
type Record struct {
	// Identity
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`

	// Model is the hardware model the device reports for itself.
	// Informational, like Firmware.
	Model string `json:"model,omitempty"`

	// Lifecycle
	RegistrationState RegistrationState `json:"registration_state"`
	HealthStatus      HealthStatus      `json:"health_status"`

	// Last contact
	SourceAddress string     `json:"source_address,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`

	// Firmware reported by the device, when known.
	Firmware string `json:"firmware,omitempty"`

	// Diagnostics is the most recent health snapshot the device sent
	// (voltage, battery, signal strength and so on). Replaced wholesale
	// when a telegram carries diagnostics; never merged key by key.
	Diagnostics Diagnostics `json:"diagnostics,omitempty"`

	// SettingsPending arms one settings delivery: the device's next
	// poll of the settings endpoint receives its channel configuration
	// and the flag clears.
	SettingsPending bool `json:"settings_pending"`

	// Channels holds per-counter reconciliation state, ordered by index.
	Channels []Channel `json:"channels"`

	// RegisteredAt records the pending-to-registered transition.
	RegisteredAt *time.Time `json:"registered_at,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Channel holds the reconciliation state of one pulse counter.
//
// The counter on the device is a bounded register that wraps at
// 2^CounterWidthBits. CumulativeValue is the monotonic engineering
// total maintained on this side: raw deltas times CalibrationFactor,
// carried across rollovers.
type Channel struct {
	// Index is the zero-based position in the device's counter list.
	Index int `json:"index"`

	// Kind categorises what the channel meters.
	Kind ChannelKind `json:"kind"`

	// Baselined reports whether LastRaw holds a real observation.
	// An un-baselined channel captures the next value as its baseline
	// instead of computing a delta.
	Baselined bool `json:"baselined"`

	// LastRaw is the raw counter value at the last accepted
	// reconciliation.
	LastRaw uint64 `json:"last_raw"`

	// RolloverCount is how many counter wraps have been applied.
	RolloverCount uint64 `json:"rollover_count"`

	// CumulativeValue is the engineering total (litres, kWh, pulses)
	// accumulated across all accepted deltas and rollovers.
	CumulativeValue float64 `json:"cumulative_value"`

	// CalibrationFactor converts raw pulses to engineering units.
	CalibrationFactor float64 `json:"calibration_factor"`

	// CounterWidthBits is the device counter register width (16 or 32).
	CounterWidthBits int `json:"counter_width_bits"`

	// MaxPulsesPerMinute caps the plausible pulse rate for this
	// channel, used to derive the per-request delta ceiling.
	MaxPulsesPerMinute float64 `json:"max_pulses_per_minute"`

	// LastReconciledAt is when the last accepted reconciliation (or
	// baseline capture) happened.
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
}

// Diagnostics holds the device's self-reported health snapshot as a
// JSON map.
//
// Example: {"voltage": 3.05, "battery": 87, "rssi": -67, "ip": "192.168.1.52"}
type Diagnostics map[string]any

// DeepCopy creates a complete independent copy of the Record.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}

	cpy := *r // Shallow copy of value fields

	cpy.Diagnostics = deepCopyMap(r.Diagnostics)

	if r.Channels != nil {
		cpy.Channels = make([]Channel, len(r.Channels))
		copy(cpy.Channels, r.Channels)
	}

	// Pointer fields (*time.Time) don't need deep copy because
	// time.Time is immutable in Go

	return &cpy
}

// ChannelAt returns the channel with the given index, or false when
// the record has no such channel.
func (r *Record) ChannelAt(index int) (Channel, bool) {
	for _, ch := range r.Channels {
		if ch.Index == index {
			return ch, true
		}
	}
	return Channel{}, false
}

// SetChannel replaces the channel with the matching index. Returns
// false when no channel with that index exists.
func (r *Record) SetChannel(ch Channel) bool {
	for i := range r.Channels {
		if r.Channels[i].Index == ch.Index {
			r.Channels[i] = ch
			return true
		}
	}
	return false
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
	if v == nil {
		return nil
	}
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

// RegistrationState represents where a device sits in its lifecycle.
type RegistrationState string

// RegistrationState constants.
//
// A device is created pending on first contact and becomes registered
// on its first accepted delta reconciliation or an explicit operator
// confirmation. The transition happens exactly once and never reverts;
// a device may stay pending indefinitely.
const (
	RegistrationPending    RegistrationState = "pending"
	RegistrationRegistered RegistrationState = "registered"
)

// AllRegistrationStates returns all valid registration state values.
func AllRegistrationStates() []RegistrationState {
	return []RegistrationState{RegistrationPending, RegistrationRegistered}
}

// HealthStatus represents the device health state.
type HealthStatus string

// HealthStatus constants.
const (
	HealthOnline  HealthStatus = "online"
	HealthOffline HealthStatus = "offline"
	HealthUnknown HealthStatus = "unknown"
)

// AllHealthStatuses returns all valid health status values.
func AllHealthStatuses() []HealthStatus {
	return []HealthStatus{HealthOnline, HealthOffline, HealthUnknown}
}

// ChannelKind categorises what a pulse channel meters.
type ChannelKind string

// ChannelKind constants.
const (
	ChannelKindColdWater    ChannelKind = "cold_water"
	ChannelKindHotWater     ChannelKind = "hot_water"
	ChannelKindHeat         ChannelKind = "heat"
	ChannelKindElectricity  ChannelKind = "electricity"
	ChannelKindGenericPulse ChannelKind = "generic_pulse"
)

// AllChannelKinds returns all valid channel kind values.
func AllChannelKinds() []ChannelKind {
	return []ChannelKind{
		ChannelKindColdWater, ChannelKindHotWater, ChannelKindHeat,
		ChannelKindElectricity, ChannelKindGenericPulse,
	}
}
