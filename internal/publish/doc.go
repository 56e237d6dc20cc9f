// Package publish fans ingestion events out to downstream consumers.
//
// It implements the ingest.Notifier contract over two optional sinks:
//
//   - MQTT, for the entity framework. Committed channel state goes to
//     retained reading topics, device liveness to retained status
//     topics, and registration lifecycle to retained registration
//     topics, all under the configured prefix. A consumer that
//     subscribes late still sees every device's last state.
//   - InfluxDB, for ingestion observability. Outcome counts, rejection
//     categories and health transitions are recorded as events; the
//     metered values themselves never leave the state store.
//
// Every sink write is fire-and-forget: failures are logged and never
// surface back into the ingest path, so a broker outage degrades
// publication without touching reconciliation.
package publish
