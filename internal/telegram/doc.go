// Package telegram validates raw telemetry payloads from metering devices.
//
// Field devices post small JSON telegrams over HTTP. The bytes arrive from
// an unauthenticated network edge, so everything in them is treated as
// hostile until proven otherwise. This package is the proving step: it
// turns raw bytes into a typed Reading or a categorised rejection, and
// nothing downstream ever touches unvalidated input.
//
// # Validation Order
//
// Checks run cheapest-first and short-circuit:
//
//  1. Size: declared Content-Length and actual byte count against the
//     ceiling. Oversized payloads are rejected without parsing.
//  2. Schema: a flat JSON object checked against an ahead-of-time field
//     table. Required identifier (id/serial/mac aliases) and counters;
//     known diagnostics validated by type and range; unknown scalars
//     carried through; nested structures rejected.
//  3. Content: strings sanitised (control characters stripped, length
//     bounded). A required field emptied by sanitisation is a rejection.
//
// # Error Categories
//
// Failures chain to one of three sentinels so the transport layer can
// map them to client responses:
//
//   - ErrOversized: size ceiling breached (HTTP 413)
//   - ErrMalformed: schema violation (HTTP 400)
//   - ErrInvalidContent: unusable content in valid structure (HTTP 400)
//
// # Wire Format
//
// A typical telegram:
//
//	{
//	    "id": "E8DB84AABB01",
//	    "counters": [65500, 20],
//	    "voltage": 3.05,
//	    "battery": 87,
//	    "rssi": -67,
//	    "version": "1.0.4"
//	}
//
// Identifiers that are 12 hex digits after separator stripping are
// canonicalised to uppercase colon form (E8:DB:84:AA:BB:01), so firmware
// variants reporting "e8db84aabb01" and "E8:DB:84:AA:BB:01" resolve to
// the same device.
//
// # Thread Safety
//
// Validator is stateless; a single instance may be shared across
// goroutines.
package telegram
