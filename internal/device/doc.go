// Package device provides the Device Registry for PulseGate Core.
//
// The Device Registry is the catalogue of all pulse-metering devices known
// to a PulseGate installation. It manages device lifecycle, per-channel
// counter state, and the delta reconciliation that turns raw register
// values into consumption.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                                 │
//	│                                                                          │
//	│  ┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐   │
//	│  │     Registry     │    │    Repository    │    │    Reconcile     │   │
//	│  │   (registry.go)  │───▶│  (repository.go) │    │  (reconcile.go)  │   │
//	│  │                  │    │                  │    │                  │   │
//	│  │ • Resolve/create │    │ • SQLite queries │    │ • Delta checks   │   │
//	│  │ • In-memory cache│    │ • Channel upsert │    │ • Rollover maths │   │
//	│  │ • Channel commits│    │ • Transactions   │    │ • Pure functions │   │
//	│  └──────────────────┘    └──────────────────┘    └──────────────────┘   │
//	│           │                       │                                      │
//	└───────────│───────────────────────│──────────────────────────────────────┘
//	            │                       │
//	            ▼                       ▼
//	┌──────────────────────┐   ┌──────────────────────┐
//	│  Ingest Coordinator  │   │   SQLite Database    │
//	│  • POST /ingest      │   │ (devices, channels)  │
//	│  • per-device slots  │   └──────────────────────┘
//	└──────────────────────┘
//
// # Key Types
//
//   - Record: A metering device with its identifier, lifecycle state and channels
//   - Channel: One pulse counter with baseline, rollover and calibration state
//   - RegistrationState: pending or registered (one-way transition)
//   - HealthStatus: online, offline or unknown
//   - ReconcileResult: The outcome of applying a raw counter value to a channel
//
// # Usage
//
//	// Create repository and registry
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo, device.Profile{
//	    Channels: []device.ChannelDefaults{
//	        {Kind: device.ChannelKindColdWater, CalibrationFactor: 0.5},
//	        {Kind: device.ChannelKindHotWater, CalibrationFactor: 0.5},
//	    },
//	})
//	registry.SetLogger(log)
//
//	// Load devices into cache on startup
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// Resolve a device by wire identifier, creating it on first contact
//	rec, created, err := registry.ResolveOrCreate(ctx, "E8:DB:84:AA:BB:01", "10.0.8.17:41000")
//
//	// Reconcile a raw counter value against a channel
//	ch, _ := rec.ChannelAt(0)
//	maxDelta := device.PlausibleDelta(ch, elapsed, grace)
//	result := device.Reconcile(ch, rawValue, maxDelta)
//	if result.Outcome != device.ReconcileRejected {
//	    registry.CommitChannel(ctx, rec.ID, result.Channel)
//	}
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected by
// a read-write mutex. Reconcile and PlausibleDelta are pure functions over
// channel values and carry no locking; the ingest coordinator serialises
// writes per device.
//
// # Related Documentation
//
//   - migrations/20260820_090000_initial_schema.up.sql: database schema
package device
