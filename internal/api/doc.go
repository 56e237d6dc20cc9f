// Package api implements the HTTP REST API and WebSocket server for PulseGate Core.
//
// Two very different audiences share this server:
//
//   - Metering devices POST telegrams to /ingest. This endpoint is never
//     authenticated: the devices are clock-less embedded boards that cannot
//     hold credentials, and the ingestion pipeline treats every byte as
//     hostile anyway. Responses map the validation taxonomy to HTTP status
//     codes (413 oversized, 400 malformed) so a device can decide whether a
//     retry is worth its battery.
//
//   - Operators manage the fleet under /api/v1: device listing and
//     registration confirmation, channel calibration and counter resets,
//     system health, and a WebSocket event stream relaying reconciled
//     readings and device status transitions in real time.
//
// # Security
//
// Operator routes sit behind JWT bearer auth when auth.enabled is set in
// configuration; with auth disabled the API is open, which is the expected
// mode on an isolated metering LAN. WebSocket connections use single-use
// tickets so tokens never appear in URLs.
//
// # Graceful Degradation
//
// The server operates without MQTT or InfluxDB: ingestion and the REST
// surface keep working, only the event relay and metrics export go quiet.
package api
