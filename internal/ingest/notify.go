package ingest

import "github.com/nerrad567/pulsegate-core/internal/device"

// Notifier receives ingestion events for downstream publication.
//
// Calls are made synchronously on the ingest path while the device's
// slot is held, and from the silence watchdog on health transitions.
// Implementations must be safe for concurrent use and must not block
// longer than they are prepared to delay the reporting device.
type Notifier interface {
	// ReadingReconciled reports a committed channel result: accepted,
	// rollover applied, or baseline captured.
	ReadingReconciled(identifier string, result ChannelResult)

	// ChannelRejected reports a channel that refused its counter.
	// Nothing was committed for this channel.
	ChannelRejected(identifier string, result ChannelResult)

	// RequestRejected reports a request that failed validation before
	// reaching any device state.
	RequestRejected(source, category, detail string)

	// DeviceCreated reports a record auto-created by first contact.
	DeviceCreated(rec device.Record)

	// DeviceRegistered reports a pending device promoted to registered.
	DeviceRegistered(rec device.Record)

	// HealthChanged reports a health transition, either a recovery seen
	// on the ingest path or a silence timeout from the watchdog.
	HealthChanged(rec device.Record, previous device.HealthStatus)
}

// NopNotifier discards every event. Used when publication is disabled.
type NopNotifier struct{}

func (NopNotifier) ReadingReconciled(string, ChannelResult)          {}
func (NopNotifier) ChannelRejected(string, ChannelResult)            {}
func (NopNotifier) RequestRejected(string, string, string)           {}
func (NopNotifier) DeviceCreated(device.Record)                      {}
func (NopNotifier) DeviceRegistered(device.Record)                   {}
func (NopNotifier) HealthChanged(device.Record, device.HealthStatus) {}
