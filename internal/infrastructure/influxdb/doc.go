// Package influxdb provides the ingestion observability sink for
// PulseGate Core.
//
// It wraps the official influxdb-client-go v2 library with patterns
// for connection management, outcome-event writing, and health
// monitoring.
//
// # Purpose
//
// This package records how ingestion behaved, never what was metered:
//   - Channel reconciliation outcomes (accepted, rollover, rejected)
//     with rejection reasons
//   - Request-level rejections by category
//   - Device health transitions
//
// Cumulative readings stay in the SQLite state store; no time series
// of metered values is kept here.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "pulsegate",
//	    Bucket: "ingest-metrics",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteChannelOutcome("E8:DB:84:00:AA:BB", 0, "cold_water", "accepted", "")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This keeps observability traffic off the ingest hot path.
package influxdb
