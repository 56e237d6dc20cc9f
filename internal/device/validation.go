package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength       = 100
	maxIdentifierLength = 64
	maxChannels         = 16

	// Size limits for the diagnostics map to prevent DoS via memory
	// exhaustion. Telegram validation bounds these upstream; the limits
	// here guard records written through the operator API.
	maxDiagnosticKeys     = 64
	maxDiagnosticValueLen = 1024

	// displayNameDigits is how many identifier characters the generated
	// display name keeps.
	displayNameDigits = 4
)

// Pre-computed validation sets for O(1) lookups instead of O(n) linear search.
var (
	validChannelKinds       map[ChannelKind]struct{}
	validHealthStatus       map[HealthStatus]struct{}
	validRegistrationStates map[RegistrationState]struct{}
	validCounterWidths      map[int]struct{}
)

func init() {
	// Build validation sets once at startup
	validChannelKinds = make(map[ChannelKind]struct{}, len(AllChannelKinds()))
	for _, k := range AllChannelKinds() {
		validChannelKinds[k] = struct{}{}
	}

	validHealthStatus = make(map[HealthStatus]struct{}, len(AllHealthStatuses()))
	for _, s := range AllHealthStatuses() {
		validHealthStatus[s] = struct{}{}
	}

	validRegistrationStates = make(map[RegistrationState]struct{}, len(AllRegistrationStates()))
	for _, s := range AllRegistrationStates() {
		validRegistrationStates[s] = struct{}{}
	}

	// Counter registers on supported hardware are 16 or 32 bits.
	validCounterWidths = map[int]struct{}{16: {}, 32: {}}
}

// ValidateRecord performs comprehensive validation on a device record.
// Returns an error describing the first validation failure found.
func ValidateRecord(r *Record) error {
	if r == nil {
		return ErrInvalidDevice
	}

	if err := ValidateIdentifier(r.Identifier); err != nil {
		return err
	}

	if err := ValidateName(r.Name); err != nil {
		return err
	}

	if err := ValidateRegistrationState(r.RegistrationState); err != nil {
		return err
	}

	if r.HealthStatus != "" {
		if err := ValidateHealthStatus(r.HealthStatus); err != nil {
			return err
		}
	}

	if len(r.Channels) > maxChannels {
		return fmt.Errorf("%w: %d channels exceeds maximum %d", ErrInvalidDevice, len(r.Channels), maxChannels)
	}
	seen := make(map[int]struct{}, len(r.Channels))
	for _, ch := range r.Channels {
		if _, dup := seen[ch.Index]; dup {
			return fmt.Errorf("%w: duplicate channel index %d", ErrInvalidDevice, ch.Index)
		}
		seen[ch.Index] = struct{}{}
		if err := ValidateChannel(ch); err != nil {
			return err
		}
	}

	if err := validateDiagnostics(r.Diagnostics); err != nil {
		return err
	}

	return nil
}

// ValidateIdentifier checks a canonical device identifier: non-empty,
// bounded, and restricted to letters, digits, ':', '.', '_', '-'.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: identifier cannot be empty", ErrInvalidIdentifier)
	}
	if len(identifier) > maxIdentifierLength {
		return fmt.Errorf("%w: identifier exceeds %d characters", ErrInvalidIdentifier, maxIdentifierLength)
	}
	for i := 0; i < len(identifier); i++ {
		c := identifier[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == ':' || c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: disallowed character at position %d", ErrInvalidIdentifier, i)
		}
	}
	return nil
}

// ValidateName checks if a device name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateChannel checks one channel's configuration and state.
func ValidateChannel(ch Channel) error {
	if ch.Index < 0 {
		return fmt.Errorf("%w: negative channel index %d", ErrChannelNotFound, ch.Index)
	}
	if err := ValidateChannelKind(ch.Kind); err != nil {
		return err
	}
	if ch.CalibrationFactor <= 0 {
		return fmt.Errorf("%w: %v on channel %d", ErrInvalidCalibration, ch.CalibrationFactor, ch.Index)
	}
	if err := ValidateCounterWidth(ch.CounterWidthBits); err != nil {
		return err
	}
	if ch.MaxPulsesPerMinute <= 0 {
		return fmt.Errorf("%w: %v on channel %d", ErrInvalidPulseRate, ch.MaxPulsesPerMinute, ch.Index)
	}
	if ch.LastRaw >= counterCapacity(ch.CounterWidthBits) {
		return fmt.Errorf("%w: last raw value %d exceeds %d-bit register on channel %d",
			ErrInvalidDevice, ch.LastRaw, ch.CounterWidthBits, ch.Index)
	}
	return nil
}

// ValidateChannelKind checks if a channel kind is valid.
// Uses O(1) map lookup for efficiency.
func ValidateChannelKind(kind ChannelKind) error {
	if _, ok := validChannelKinds[kind]; ok {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidChannelKind, kind)
}

// ValidateCounterWidth checks if a counter register width is supported.
func ValidateCounterWidth(bits int) error {
	if _, ok := validCounterWidths[bits]; ok {
		return nil
	}
	return fmt.Errorf("%w: %d bits", ErrInvalidCounterWidth, bits)
}

// ValidateHealthStatus checks if a health status is valid.
// Uses O(1) map lookup for efficiency.
func ValidateHealthStatus(status HealthStatus) error {
	if _, ok := validHealthStatus[status]; ok {
		return nil
	}
	return fmt.Errorf("%w: invalid health status %q", ErrInvalidDevice, status)
}

// ValidateRegistrationState checks if a registration state is valid.
// Uses O(1) map lookup for efficiency.
func ValidateRegistrationState(state RegistrationState) error {
	if _, ok := validRegistrationStates[state]; ok {
		return nil
	}
	return fmt.Errorf("%w: invalid registration state %q", ErrInvalidDevice, state)
}

// validateDiagnostics bounds the diagnostics map. Values are flat
// scalars by the time they reach a record; this guards size only.
func validateDiagnostics(d Diagnostics) error {
	if len(d) > maxDiagnosticKeys {
		return fmt.Errorf("%w: diagnostics exceeds max keys (%d)", ErrInvalidDevice, maxDiagnosticKeys)
	}
	for k, v := range d {
		if len(k) > maxDiagnosticValueLen {
			return fmt.Errorf("%w: diagnostics key too long", ErrInvalidDevice)
		}
		if s, ok := v.(string); ok && len(s) > maxDiagnosticValueLen {
			return fmt.Errorf("%w: diagnostics value too long", ErrInvalidDevice)
		}
	}
	return nil
}

// DisplayName derives a human-readable default name from an identifier.
// The last four characters (separators dropped) follow a "Meter" prefix,
// mirroring how installers label the physical units.
//
// Example: "E8:DB:84:AA:BB:01" -> "Meter BB01"
func DisplayName(identifier string) string {
	stripped := strings.Map(func(r rune) rune {
		if r == ':' || r == '.' || r == '-' || r == '_' {
			return -1
		}
		return r
	}, identifier)

	if stripped == "" {
		return "Meter"
	}
	if len(stripped) > displayNameDigits {
		stripped = stripped[len(stripped)-displayNameDigits:]
	}
	return "Meter " + strings.ToUpper(stripped)
}

// GenerateID creates a new UUID for a device record.
func GenerateID() string {
	return uuid.New().String()
}
