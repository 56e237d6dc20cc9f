package publish

import (
	"time"

	"github.com/nerrad567/pulsegate-core/internal/ingest"
)

// ReadingMessage is published when a channel commits a reconciled counter.
// Topic: {prefix}/reading/{identifier}/{index}
// QoS: 1, Retained: Yes
//
// The payload is self-describing so a consumer watching the wildcard
// subscription never needs to parse the topic to identify the channel.
type ReadingMessage struct {
	// Identifier is the canonical device identifier.
	Identifier string `json:"identifier"`

	// Channel is the channel's index within the device.
	Channel int `json:"channel"`

	// Kind is the metered quantity kind (e.g. "cold_water", "heat").
	Kind string `json:"kind"`

	// Outcome classifies the reconciliation that produced this state:
	// "accepted", "rollover_applied", or "initialised".
	Outcome string `json:"outcome"`

	// CumulativeValue is the running engineering total after the commit.
	CumulativeValue float64 `json:"cumulative_value"`

	// RawCounter is the accepted raw counter value.
	RawCounter uint64 `json:"raw_counter"`

	// RolloverCount is the number of observed counter wraps.
	RolloverCount uint64 `json:"rollover_count"`

	// Timestamp is the local receipt time of the telegram.
	Timestamp time.Time `json:"timestamp"`
}

// NewReadingMessage flattens a committed channel result for publication.
func NewReadingMessage(identifier string, res ingest.ChannelResult) ReadingMessage {
	return ReadingMessage{
		Identifier:      identifier,
		Channel:         res.Index,
		Kind:            string(res.Kind),
		Outcome:         string(res.Outcome),
		CumulativeValue: res.CumulativeValue,
		RawCounter:      res.RawCounter,
		RolloverCount:   res.RolloverCount,
		Timestamp:       res.At,
	}
}

// Registration lifecycle payloads.
// Topic: {prefix}/device/{identifier}/registration
// QoS: 1, Retained: Yes
const (
	RegistrationPending    = "pending"
	RegistrationRegistered = "registered"
)

// Liveness payloads.
// Topic: {prefix}/device/{identifier}/status
// QoS: 1, Retained: Yes
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)
