package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a device does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrExists is returned when creating a device whose identifier is
	// already taken.
	ErrExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when record validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidIdentifier is returned when an identifier is empty or
	// carries disallowed characters.
	ErrInvalidIdentifier = errors.New("device: invalid identifier")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidChannelKind is returned when a channel kind is not recognised.
	ErrInvalidChannelKind = errors.New("device: invalid channel kind")

	// ErrInvalidCalibration is returned when a calibration factor is
	// zero or negative.
	ErrInvalidCalibration = errors.New("device: invalid calibration factor")

	// ErrInvalidCounterWidth is returned when a counter width is not a
	// supported register size.
	ErrInvalidCounterWidth = errors.New("device: invalid counter width")

	// ErrInvalidPulseRate is returned when a plausibility rate is zero
	// or negative.
	ErrInvalidPulseRate = errors.New("device: invalid pulse rate")

	// ErrChannelNotFound is returned when a channel index does not
	// exist on a device.
	ErrChannelNotFound = errors.New("device: channel not found")
)
