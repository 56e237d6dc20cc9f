package auth

import (
	"crypto/subtle"
	"fmt"
)

// Operator is the single config-seeded operator credential.
//
// There is no user table behind this: configuration carries one
// username and one Argon2id PHC hash, and every successful login is
// the same principal. Fields are plain values so the composition root
// can fill them straight from config without this package importing it.
type Operator struct {
	// Username expected at login.
	Username string

	// PasswordHash is the Argon2id PHC string the password is verified
	// against.
	PasswordHash string

	// JWTSecret signs and validates access tokens.
	JWTSecret string

	// TokenTTLMinutes is the access token lifetime. Zero or negative
	// falls back to the package default.
	TokenTTLMinutes int
}

// Configured reports whether the credential is complete enough to
// authenticate against. The API layer uses this to fail login with a
// configuration error rather than a misleading 401.
func (o *Operator) Configured() bool {
	return o.Username != "" && o.PasswordHash != "" && o.JWTSecret != ""
}

// Authenticate verifies a login attempt and mints an access token.
//
// The password hash is always evaluated, even when the username does
// not match, so response timing does not reveal which half of the
// credential was wrong. Both failures surface as ErrInvalidCredentials.
func (o *Operator) Authenticate(username, password string) (string, error) {
	if !o.Configured() {
		return "", ErrNotConfigured
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(username), []byte(o.Username)) == 1

	passwordOK, err := VerifyPassword(password, o.PasswordHash)
	if err != nil {
		return "", fmt.Errorf("verifying operator credential: %w", err)
	}

	if !usernameOK || !passwordOK {
		return "", ErrInvalidCredentials
	}

	return GenerateAccessToken(o.Username, RoleOperator, o.JWTSecret, o.TokenTTLMinutes)
}

// Verify validates an access token and returns its claims.
func (o *Operator) Verify(tokenString string) (*Claims, error) {
	if o.JWTSecret == "" {
		return nil, ErrNotConfigured
	}
	return ParseToken(tokenString, o.JWTSecret)
}

// TokenTTL returns the effective access token lifetime in minutes,
// applying the package default when unset. Login responses use this for
// their expires_in field.
func (o *Operator) TokenTTL() int {
	if o.TokenTTLMinutes > 0 {
		return o.TokenTTLMinutes
	}
	return defaultTokenTTLMinutes
}
