package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteChannelOutcome records one channel reconciliation outcome.
//
// Each accepted, rollover, initialised or rejected reconciliation
// becomes a count-1 event tagged for aggregation; dashboards sum the
// counts per outcome, kind or device. The reading's value is
// deliberately not part of the point: metered quantities live only in
// the state store.
//
// Parameters:
//   - identifier: Device identifier (e.g., "E8:DB:84:00:AA:BB")
//   - channel: Zero-based channel index
//   - kind: Channel kind (e.g., "cold_water")
//   - outcome: Reconciliation outcome (e.g., "accepted", "rejected")
//   - reason: Rejection reason, empty for non-rejected outcomes
func (c *Client) WriteChannelOutcome(identifier string, channel int, kind, outcome, reason string) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"identifier": identifier,
		"channel":    strconv.Itoa(channel),
		"kind":       kind,
		"outcome":    outcome,
	}
	if reason != "" {
		tags["reason"] = reason
	}

	point := write.NewPoint(
		"channel_outcomes",
		tags,
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRequestRejection records a telegram that was rejected before
// reconciliation (oversized, malformed, invalid content, cancelled,
// internal).
//
// The source address is a field rather than a tag: it is unbounded and
// would explode series cardinality.
func (c *Client) WriteRequestRejection(source, category string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"request_rejections",
		map[string]string{
			"category": category,
		},
		map[string]interface{}{
			"count":  1,
			"source": source,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteHealthTransition records a device moving between health states
// (unknown/online/offline), from either an ingest contact or the
// silence watchdog.
func (c *Client) WriteHealthTransition(identifier, previous, current string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"health_transitions",
		map[string]string{
			"identifier": identifier,
			"from":       previous,
			"to":         current,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("core_stats",
//	    map[string]string{"host": "pulsegate-01"},
//	    map[string]interface{}{"requests_total": 1042, "tracked_devices": 31})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
