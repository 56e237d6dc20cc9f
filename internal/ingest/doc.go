// Package ingest coordinates the telemetry ingestion pipeline for
// PulseGate.
//
// This package sits between the HTTP surface and the device registry.
// It drives a raw telegram through validation, per-device
// serialisation, channel reconciliation, persistence, and event
// publication, and reduces the whole request to a single Outcome.
//
// # Architecture
//
//	┌──────────────┐        ┌──────────────────┐        ┌──────────────┐
//	│  API Server  │ Ingest │   Coordinator    │        │   Device     │
//	│ POST /ingest │───────►│   (this pkg)     │───────►│   Registry   │
//	└──────────────┘        └────────┬─────────┘        └──────────────┘
//	                                 │ events
//	                                 ▼
//	                        ┌──────────────────┐
//	                        │     Notifier     │ (MQTT, InfluxDB, WS)
//	                        └──────────────────┘
//
// # Key Responsibilities
//
//   - Validate raw bytes before any device state is touched
//   - Serialise telegrams per device while keeping distinct devices
//     fully independent
//   - Reconcile each reported counter against its channel and commit
//     accepted state one channel at a time
//   - Promote a pending device on its first accepted delta
//   - Advance device liveness on every validated request, regardless of
//     reconciliation outcomes
//   - Emit created/registered/reading/rejection events to the Notifier
//
// # Concurrency Model
//
// One exclusive slot exists per device identifier. Acquiring the slot
// serialises the resolve-reconcile-commit-publish sequence for that
// device; the only shared critical section is the identifier-to-slot
// map lookup. A slow or chatty device therefore never delays another
// device beyond that map access.
//
// Example:
//
//	coord, err := ingest.NewCoordinator(ingest.CoordinatorOptions{
//	    Validator: telegram.NewValidator(telegram.Limits{}),
//	    Registry:  registry,
//	    Notifier:  notifier,
//	})
//	if err != nil {
//	    return err
//	}
//	outcome, err := coord.Ingest(ctx, body, r.ContentLength, r.RemoteAddr)
//
// # Thread Safety
//
// All exported methods are safe for concurrent use from multiple
// goroutines.
package ingest
