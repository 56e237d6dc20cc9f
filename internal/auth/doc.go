// Package auth provides operator API authentication for PulseGate Core.
//
// The surface is deliberately small. There is no user store: a single
// operator credential is seeded from configuration as an Argon2id PHC
// hash, and successful logins mint short-lived HS256 access tokens
// validated by signature and expiry alone. Tokens carry a uuid JTI so
// individual grants are distinguishable in request logs.
//
// The device-facing ingestion endpoint never passes through this
// package. Metering devices post over an open local-network channel;
// only the operator API (device management, channel calibration,
// system introspection) is guarded, and only when auth is enabled in
// configuration.
package auth
