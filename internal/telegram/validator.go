package telegram

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Default validation limits. Each can be overridden via configuration.
const (
	// DefaultMaxBodyBytes is the payload size ceiling. Telegrams from
	// battery devices are a few hundred bytes; anything approaching
	// this ceiling is hostile or corrupt.
	DefaultMaxBodyBytes = 5120

	// DefaultMaxIdentifierBytes bounds the device identifier.
	DefaultMaxIdentifierBytes = 64

	// DefaultMaxStringBytes bounds every other string field.
	DefaultMaxStringBytes = 256

	// DefaultMaxCounters bounds the counters list.
	DefaultMaxCounters = 16

	// DefaultMaxExtraFields bounds unknown scalar members carried as
	// opaque diagnostics.
	DefaultMaxExtraFields = 32

	// maxCounterValue is the largest raw counter a device may report.
	// Hardware counters are at most 32 bits wide.
	maxCounterValue = math.MaxUint32
)

// Identifier aliases, checked in order. Firmware generations disagree
// on the member name; all three carry the same hardware identifier.
var identifierAliases = [...]string{"id", "serial", "mac"}

// numericField describes the accepted range of a known numeric member.
type numericField struct {
	min, max float64
	integer  bool
}

// Known numeric diagnostic members and their ranges. Values outside
// the range are schema violations, not clamped.
var numericFields = map[string]numericField{
	"voltage": {min: 0, max: 10},
	"battery": {min: 0, max: 100, integer: true},
	"rssi":    {min: -120, max: 0, integer: true},
	"freemem": {min: 0, max: maxCounterValue, integer: true},
	"boot":    {min: 0, max: maxCounterValue, integer: true},
	"resets":  {min: 0, max: maxCounterValue, integer: true},
}

// stringFields is the set of known string diagnostic members.
var stringFields = map[string]struct{}{
	"version":     {},
	"version_esp": {},
	"ip":          {},
	"model":       {},
	"name":        {},
}

// knownFields is every member the schema names, built once at init.
// Members outside this set are unknown scalars (carried through) or
// nested structures (rejected).
var knownFields map[string]struct{}

func init() {
	knownFields = make(map[string]struct{}, len(identifierAliases)+len(numericFields)+len(stringFields)+1)
	for _, alias := range identifierAliases {
		knownFields[alias] = struct{}{}
	}
	for name := range numericFields {
		knownFields[name] = struct{}{}
	}
	for name := range stringFields {
		knownFields[name] = struct{}{}
	}
	knownFields["counters"] = struct{}{}
}

// Limits bounds what the validator accepts. Zero values fall back to
// the package defaults.
type Limits struct {
	// MaxBodyBytes is the payload size ceiling (declared and actual).
	MaxBodyBytes int64

	// MaxIdentifierBytes bounds the sanitised device identifier.
	MaxIdentifierBytes int

	// MaxStringBytes bounds sanitised diagnostic strings.
	MaxStringBytes int

	// MaxCounters bounds the number of counter channels per telegram.
	MaxCounters int

	// MaxExtraFields bounds unknown scalar members.
	MaxExtraFields int
}

// withDefaults fills unset limits with package defaults.
func (l Limits) withDefaults() Limits {
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if l.MaxIdentifierBytes <= 0 {
		l.MaxIdentifierBytes = DefaultMaxIdentifierBytes
	}
	if l.MaxStringBytes <= 0 {
		l.MaxStringBytes = DefaultMaxStringBytes
	}
	if l.MaxCounters <= 0 {
		l.MaxCounters = DefaultMaxCounters
	}
	if l.MaxExtraFields <= 0 {
		l.MaxExtraFields = DefaultMaxExtraFields
	}
	return l
}

// Validator checks raw telegram bytes against the declared schema and
// produces Readings. It is stateless and safe for concurrent use.
type Validator struct {
	limits Limits
}

// NewValidator creates a Validator with the given limits. Zero limit
// fields fall back to package defaults.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits.withDefaults()}
}

// Validate checks a raw telegram and produces a Reading.
//
// Checks run in order and short-circuit:
//  1. Declared (contentLength) and actual (len(raw)) sizes against the
//     ceiling. Oversized payloads are never parsed.
//  2. JSON object shape against the declared field table: required
//     identifier and counters, known diagnostics by type and range,
//     unknown scalars carried through, nested structures rejected.
//  3. String sanitisation. A required field emptied by sanitisation
//     invalidates the telegram.
//
// A contentLength below zero means the transport did not declare a
// length; only the actual size is checked.
//
// Parameters:
//   - raw: Payload bytes as received
//   - contentLength: Declared payload size, or -1 if unknown
//   - source: Network address the payload arrived from
//
// Returns:
//   - Reading: Validated reading with local receipt timestamp
//   - error: ErrOversized, ErrMalformed, or ErrInvalidContent with detail
func (v *Validator) Validate(raw []byte, contentLength int64, source string) (Reading, error) {
	if contentLength > v.limits.MaxBodyBytes {
		return Reading{}, fmt.Errorf("%w: declared %d bytes, ceiling %d",
			ErrOversized, contentLength, v.limits.MaxBodyBytes)
	}
	if int64(len(raw)) > v.limits.MaxBodyBytes {
		return Reading{}, fmt.Errorf("%w: received %d bytes, ceiling %d",
			ErrOversized, len(raw), v.limits.MaxBodyBytes)
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if members == nil {
		return Reading{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}

	deviceID, err := v.extractIdentifier(members)
	if err != nil {
		return Reading{}, err
	}

	counters, err := v.extractCounters(members)
	if err != nil {
		return Reading{}, err
	}

	diags, err := v.extractDiagnostics(members)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		DeviceID:    deviceID,
		Source:      source,
		ReceivedAt:  time.Now().UTC(),
		Counters:    counters,
		Diagnostics: diags,
	}, nil
}

// extractIdentifier resolves the device identifier from its aliases,
// sanitises it, and canonicalises MAC-shaped values.
func (v *Validator) extractIdentifier(members map[string]json.RawMessage) (string, error) {
	var (
		value string
		found bool
	)
	for _, alias := range identifierAliases {
		raw, ok := members[alias]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, alias)
		}
		if s == "" {
			continue
		}
		value = s
		found = true
		break
	}
	if !found {
		return "", fmt.Errorf("%w: missing device identifier (id, serial, or mac)", ErrMalformed)
	}

	return NormaliseIdentifier(value, v.limits.MaxIdentifierBytes)
}

// extractCounters validates the required counters list.
func (v *Validator) extractCounters(members map[string]json.RawMessage) ([]uint64, error) {
	raw, ok := members["counters"]
	if !ok {
		return nil, fmt.Errorf("%w: missing counters", ErrMalformed)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: counters must be an array", ErrMalformed)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: counters must not be empty", ErrMalformed)
	}
	if len(items) > v.limits.MaxCounters {
		return nil, fmt.Errorf("%w: %d counters exceeds maximum %d",
			ErrMalformed, len(items), v.limits.MaxCounters)
	}

	counters := make([]uint64, len(items))
	for i, item := range items {
		value, err := parseCounter(item)
		if err != nil {
			return nil, fmt.Errorf("%w: counters[%d]: %v", ErrMalformed, i, err)
		}
		counters[i] = value
	}
	return counters, nil
}

// extractDiagnostics validates known diagnostic members and carries
// unknown scalars through. Nested objects and arrays are rejected.
func (v *Validator) extractDiagnostics(members map[string]json.RawMessage) (Diagnostics, error) {
	var diags Diagnostics

	for name, raw := range members {
		if spec, ok := numericFields[name]; ok {
			value, err := parseNumber(raw)
			if err != nil {
				return Diagnostics{}, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
			}
			if err := spec.check(value); err != nil {
				return Diagnostics{}, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
			}
			diags.setNumeric(name, value)
			continue
		}

		if _, ok := stringFields[name]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return Diagnostics{}, fmt.Errorf("%w: %s must be a string", ErrMalformed, name)
			}
			diags.setString(name, sanitiseString(s, v.limits.MaxStringBytes))
			continue
		}

		if _, ok := knownFields[name]; ok {
			continue // identifier aliases and counters, handled elsewhere
		}

		// Unknown member: scalars are carried through, structures rejected.
		if isNested(raw) {
			return Diagnostics{}, fmt.Errorf("%w: %s: nested structures not accepted", ErrMalformed, name)
		}
		if diags.Extra == nil {
			diags.Extra = make(map[string]string)
		}
		if len(diags.Extra) >= v.limits.MaxExtraFields {
			return Diagnostics{}, fmt.Errorf("%w: more than %d unknown members",
				ErrMalformed, v.limits.MaxExtraFields)
		}
		diags.Extra[name] = sanitiseString(scalarString(raw), v.limits.MaxStringBytes)
	}

	return diags, nil
}

// check validates a numeric value against the field's range.
func (f numericField) check(value float64) error {
	if f.integer && value != math.Trunc(value) {
		return fmt.Errorf("must be an integer, got %v", value)
	}
	if value < f.min || value > f.max {
		return fmt.Errorf("value %v outside range %v..%v", value, f.min, f.max)
	}
	return nil
}

// setNumeric stores a validated numeric diagnostic by member name.
func (d *Diagnostics) setNumeric(name string, value float64) {
	switch name {
	case "voltage":
		d.Voltage = floatPtr(value)
	case "battery":
		d.Battery = intPtr(int(value))
	case "rssi":
		d.RSSI = intPtr(int(value))
	case "freemem":
		d.FreeMem = uintPtr(uint64(value))
	case "boot":
		d.Boot = uintPtr(uint64(value))
	case "resets":
		d.Resets = uintPtr(uint64(value))
	}
}

// setString stores a sanitised string diagnostic by member name.
func (d *Diagnostics) setString(name, value string) {
	switch name {
	case "version":
		d.Version = value
	case "version_esp":
		d.VersionESP = value
	case "ip":
		d.IP = value
	case "model":
		d.Model = value
	case "name":
		d.Name = value
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func uintPtr(v uint64) *uint64    { return &v }

// parseCounter parses a raw JSON value as a counter: a non-negative
// integer no larger than the 32-bit counter ceiling. Integral floats
// (1e3, 20.0) are accepted; fractional values, negatives, strings, and
// nulls are not.
func parseCounter(raw json.RawMessage) (uint64, error) {
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return 0, fmt.Errorf("empty value")
	}
	if tok[0] == '-' {
		return 0, fmt.Errorf("must not be negative")
	}
	if tok[0] < '0' || tok[0] > '9' {
		return 0, fmt.Errorf("must be a number, got %s", describeToken(tok))
	}

	// Fast path: plain decimal integer.
	if value, err := strconv.ParseUint(tok, 10, 64); err == nil {
		if value > maxCounterValue {
			return 0, fmt.Errorf("value %d exceeds 32-bit counter ceiling", value)
		}
		return value, nil
	}

	// Slow path: exponent or decimal-point notation.
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number")
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("must be an integer, got %v", f)
	}
	if f < 0 || f > maxCounterValue {
		return 0, fmt.Errorf("value %v outside counter range", f)
	}
	return uint64(f), nil
}

// parseNumber parses a raw JSON value as a number, rejecting quoted
// numerics and other non-number tokens.
func parseNumber(raw json.RawMessage) (float64, error) {
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return 0, fmt.Errorf("empty value")
	}
	if tok[0] != '-' && (tok[0] < '0' || tok[0] > '9') {
		return 0, fmt.Errorf("must be a number, got %s", describeToken(tok))
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number")
	}
	return f, nil
}

// isNested reports whether a raw JSON value is an object or array.
func isNested(raw json.RawMessage) bool {
	tok := strings.TrimSpace(string(raw))
	return tok != "" && (tok[0] == '{' || tok[0] == '[')
}

// scalarString renders a scalar JSON value as a string: quoted strings
// are unwrapped, numbers and booleans keep their literal form, null
// becomes empty.
func scalarString(raw json.RawMessage) string {
	tok := strings.TrimSpace(string(raw))
	if tok == "" || tok == "null" {
		return ""
	}
	if tok[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return tok
}

// describeToken names a JSON token type for error messages without
// echoing attacker-controlled content.
func describeToken(tok string) string {
	switch tok[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "unrecognised token"
	}
}
