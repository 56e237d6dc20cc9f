package telegram

import "errors"

// Validation errors, categorised so the transport layer can map them to
// distinct client responses. Wrapped errors always chain to exactly one
// of these sentinels.
var (
	// ErrOversized is returned when a payload's declared or actual size
	// exceeds the configured ceiling. The payload is never parsed.
	ErrOversized = errors.New("telegram: payload exceeds size ceiling")

	// ErrMalformed is returned when a payload is not a JSON object
	// matching the declared schema: wrong types, out-of-range values,
	// missing required members, or nested structures.
	ErrMalformed = errors.New("telegram: malformed payload")

	// ErrInvalidContent is returned when a structurally valid payload
	// carries unusable content, such as a required string reduced to
	// nothing by sanitisation.
	ErrInvalidContent = errors.New("telegram: invalid content")
)
