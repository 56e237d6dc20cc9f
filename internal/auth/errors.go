package auth

import "errors"

// Sentinel errors for authentication operations.
var (
	// ErrInvalidCredentials is returned for any failed login attempt.
	// Username and password failures are indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenInvalid is returned when an access token fails signature,
	// expiry, or claim validation.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrNotConfigured is returned when the operator credential is
	// missing or unusable, pointing at a configuration problem rather
	// than a bad login.
	ErrNotConfigured = errors.New("operator credential not configured")
)
