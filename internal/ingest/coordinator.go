package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/telegram"
)

// DefaultPlausibilityGrace is the minimum window the plausibility
// ceiling integrates over. It keeps immediate retries and post-restart
// bursts from being starved by a near-zero elapsed time.
const DefaultPlausibilityGrace = 60 * time.Second

// Validator turns raw request bytes into a validated Reading.
// Satisfied by *telegram.Validator.
type Validator interface {
	Validate(raw []byte, contentLength int64, source string) (telegram.Reading, error)
}

// DeviceRegistry provides device resolution and reconciled state
// persistence. Satisfied by *device.Registry.
type DeviceRegistry interface {
	// ResolveOrCreate returns the device for an identifier, creating a
	// pending record on first contact.
	ResolveOrCreate(ctx context.Context, identifier, source string) (*device.Record, bool, error)

	// EnsureChannels provisions channels 0..count-1 that do not exist
	// yet and returns the full record.
	EnsureChannels(ctx context.Context, id string, count int) (*device.Record, error)

	// CommitChannel persists one channel's reconciled state.
	CommitChannel(ctx context.Context, id string, ch device.Channel) error

	// MarkRegistered promotes a pending device. Idempotent; reports
	// whether this call made the transition.
	MarkRegistered(ctx context.Context, id string) (bool, error)

	// TouchSeen records device contact and returns the health status
	// held before the touch.
	TouchSeen(ctx context.Context, id string, seen device.SeenUpdate) (device.HealthStatus, error)
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Coordinator drives validated telegrams through resolution,
// reconciliation, persistence, and publication.
//
// Thread Safety: all methods are safe for concurrent use. Telegrams for
// the same device are applied strictly one at a time; telegrams for
// distinct devices proceed independently.
type Coordinator struct {
	validator Validator
	registry  DeviceRegistry
	notifier  Notifier
	grace     time.Duration

	slots *slotMap

	statsMu sync.Mutex
	stats   Stats

	logger   Logger
	loggerMu sync.RWMutex
}

// CoordinatorOptions holds configuration for creating a coordinator.
type CoordinatorOptions struct {
	// Validator is the telegram validator. Required.
	Validator Validator

	// Registry is the device registry. Required.
	Registry DeviceRegistry

	// Notifier receives ingestion events. Optional; nil discards them.
	Notifier Notifier

	// PlausibilityGrace overrides DefaultPlausibilityGrace when
	// positive.
	PlausibilityGrace time.Duration

	// Logger is optional structured logging.
	Logger Logger
}

// NewCoordinator creates a new ingestion coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	grace := opts.PlausibilityGrace
	if grace <= 0 {
		grace = DefaultPlausibilityGrace
	}

	return &Coordinator{
		validator: opts.Validator,
		registry:  opts.Registry,
		notifier:  notifier,
		grace:     grace,
		slots:     newSlotMap(),
		logger:    opts.Logger,
	}, nil
}

// Ingest processes one raw telegram from source.
//
// The returned Outcome always describes what happened. The error is
// non-nil exactly when the request outcome is rejected: validation
// failures carry the telegram sentinel (ErrOversized, ErrMalformed,
// ErrInvalidContent) for transport-level status mapping, slot waits
// abandoned by the caller carry the ctx error, and persistence faults
// are wrapped as internal.
//
// Commits already made are never rolled back by a later failure in the
// same request. The device retries the whole telegram and
// reconciliation absorbs the repost as a zero delta.
func (c *Coordinator) Ingest(ctx context.Context, raw []byte, contentLength int64, source string) (Outcome, error) {
	out, err := c.process(ctx, raw, contentLength, source)
	c.record(out)
	return out, err
}

func (c *Coordinator) process(ctx context.Context, raw []byte, contentLength int64, source string) (Outcome, error) {
	reading, err := c.validator.Validate(raw, contentLength, source)
	if err != nil {
		out := Outcome{
			Request:    RequestRejected,
			Category:   CategoryFor(err),
			Detail:     err.Error(),
			ReceivedAt: time.Now().UTC(),
		}
		c.logDebug("telegram rejected",
			"source", source,
			"category", out.Category,
			"detail", out.Detail)
		c.notifier.RequestRejected(source, out.Category, out.Detail)
		return out, err
	}

	// Serialise per device. Validation stays outside the slot so a
	// flood of malformed bytes never occupies a device's slot.
	if err := c.slots.acquire(ctx, reading.DeviceID); err != nil {
		out := Outcome{
			Request:    RequestRejected,
			Category:   CategoryCancelled,
			Detail:     err.Error(),
			Identifier: reading.DeviceID,
			ReceivedAt: reading.ReceivedAt,
		}
		return out, fmt.Errorf("slot wait: %w", err)
	}
	defer c.slots.release(reading.DeviceID)

	return c.apply(ctx, reading)
}

// apply runs the pipeline for one validated reading. The caller holds
// the device's slot.
func (c *Coordinator) apply(ctx context.Context, reading telegram.Reading) (Outcome, error) {
	out := Outcome{
		Request:    RequestAccepted,
		Identifier: reading.DeviceID,
		ReceivedAt: reading.ReceivedAt,
	}

	rec, created, err := c.registry.ResolveOrCreate(ctx, reading.DeviceID, reading.Source)
	if err != nil {
		out.Request = RequestRejected
		out.Category = CategoryInternal
		return out, fmt.Errorf("resolve device: %w", err)
	}
	out.DeviceID = rec.ID
	out.Created = created
	if created {
		c.notifier.DeviceCreated(*rec)
	}

	rec, err = c.registry.EnsureChannels(ctx, rec.ID, len(reading.Counters))
	if err != nil {
		out.Request = RequestRejected
		out.Category = CategoryInternal
		return out, fmt.Errorf("ensure channels: %w", err)
	}

	// Elapsed since the previous contact bounds the plausible delta for
	// every channel in this telegram.
	var elapsed time.Duration
	if rec.LastSeen != nil {
		elapsed = reading.ReceivedAt.Sub(*rec.LastSeen)
	}

	sawDelta := false
	rejected := 0
	out.Channels = make([]ChannelResult, 0, len(reading.Counters))

	for i, rawCounter := range reading.Counters {
		ch, ok := rec.ChannelAt(i)
		if !ok {
			out.Request = RequestRejected
			out.Category = CategoryInternal
			return out, fmt.Errorf("channel %d missing after provisioning", i)
		}

		maxDelta := device.PlausibleDelta(ch, elapsed, c.grace)
		res := device.Reconcile(ch, rawCounter, maxDelta)
		cr := newChannelResult(res, reading.ReceivedAt)

		if res.Outcome == device.ReconcileRejected {
			rejected++
			c.logWarn("channel rejected",
				"identifier", reading.DeviceID,
				"channel", i,
				"reason", string(res.Reason),
				"raw", rawCounter,
				"last_raw", ch.LastRaw,
				"max_delta", maxDelta)
			c.notifier.ChannelRejected(reading.DeviceID, cr)
			out.Channels = append(out.Channels, cr)
			continue
		}

		at := reading.ReceivedAt
		res.Channel.LastReconciledAt = &at
		if err := c.registry.CommitChannel(ctx, rec.ID, res.Channel); err != nil {
			out.Request = RequestRejected
			out.Category = CategoryInternal
			return out, fmt.Errorf("commit channel %d: %w", i, err)
		}

		if res.Outcome == device.ReconcileAccepted || res.Outcome == device.ReconcileRolloverApplied {
			sawDelta = true
		}
		c.notifier.ReadingReconciled(reading.DeviceID, cr)
		out.Channels = append(out.Channels, cr)
	}

	// A first delta reconciliation promotes a pending device. Baseline
	// capture alone never does.
	if sawDelta && rec.RegistrationState == device.RegistrationPending {
		promoted, err := c.registry.MarkRegistered(ctx, rec.ID)
		if err != nil {
			c.logError("registration promotion failed", err)
		} else if promoted {
			out.Registered = true
			rec.RegistrationState = device.RegistrationRegistered
			c.notifier.DeviceRegistered(*rec)
		}
	}

	// Liveness advances for every validated telegram, including one
	// whose channels were all rejected.
	previous, err := c.registry.TouchSeen(ctx, rec.ID, device.SeenUpdate{
		SeenAt:      reading.ReceivedAt,
		Source:      reading.Source,
		Firmware:    reading.Diagnostics.Version,
		Model:       reading.Diagnostics.Model,
		Diagnostics: diagnosticsMap(reading.Diagnostics),
	})
	if err != nil {
		// Channel state is already committed; losing one liveness tick
		// is recoverable on the next telegram.
		c.logError("liveness update failed", err)
	} else if previous != device.HealthOnline {
		rec.HealthStatus = device.HealthOnline
		c.notifier.HealthChanged(*rec, previous)
	}

	if rejected > 0 {
		out.Request = RequestPartiallyAccepted
	}

	c.logDebug("telegram applied",
		"identifier", reading.DeviceID,
		"outcome", string(out.Request),
		"channels", len(out.Channels),
		"rejected", rejected)

	return out, nil
}

// diagnosticsMap flattens validated diagnostics into the registry's
// opaque map form. Absent fields stay absent so a sparse telegram never
// erases previously reported values. Firmware version and model are
// excluded: they travel on SeenUpdate as record fields.
func diagnosticsMap(d telegram.Diagnostics) device.Diagnostics {
	if d.IsZero() {
		return nil
	}

	m := make(device.Diagnostics)
	if d.Voltage != nil {
		m["voltage"] = *d.Voltage
	}
	if d.Battery != nil {
		m["battery"] = *d.Battery
	}
	if d.RSSI != nil {
		m["rssi"] = *d.RSSI
	}
	if d.FreeMem != nil {
		m["freemem"] = *d.FreeMem
	}
	if d.Boot != nil {
		m["boot"] = *d.Boot
	}
	if d.Resets != nil {
		m["resets"] = *d.Resets
	}
	if d.VersionESP != "" {
		m["version_esp"] = d.VersionESP
	}
	if d.IP != "" {
		m["ip"] = d.IP
	}
	if d.Name != "" {
		m["name"] = d.Name
	}
	for k, v := range d.Extra {
		m[k] = v
	}
	// A telegram whose only diagnostics were the record-field ones
	// builds an empty map here. Returning it would erase stored
	// diagnostics on the liveness touch, so absent means nil.
	if len(m) == 0 {
		return nil
	}
	return m
}

// Stats holds cumulative ingestion counters plus point-in-time gauges.
type Stats struct {
	Requests          uint64 `json:"requests"`
	Accepted          uint64 `json:"accepted"`
	PartiallyAccepted uint64 `json:"partially_accepted"`
	Rejected          uint64 `json:"rejected"`
	ChannelsRejected  uint64 `json:"channels_rejected"`
	DevicesCreated    uint64 `json:"devices_created"`
	DevicesRegistered uint64 `json:"devices_registered"`

	// TrackedDevices is the number of distinct identifiers that have
	// held an ingestion slot since startup.
	TrackedDevices int `json:"tracked_devices"`
}

// record folds one request outcome into the counters.
func (c *Coordinator) record(out Outcome) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	c.stats.Requests++
	switch out.Request {
	case RequestAccepted:
		c.stats.Accepted++
	case RequestPartiallyAccepted:
		c.stats.PartiallyAccepted++
	case RequestRejected:
		c.stats.Rejected++
	}
	c.stats.ChannelsRejected += uint64(out.RejectedChannels())
	if out.Created {
		c.stats.DevicesCreated++
	}
	if out.Registered {
		c.stats.DevicesRegistered++
	}
}

// GetStats returns a snapshot of the ingestion counters.
func (c *Coordinator) GetStats() Stats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()

	stats.TrackedDevices = c.slots.size()
	return stats
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// logDebug logs a debug message if logger is set.
func (c *Coordinator) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (c *Coordinator) logWarn(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Coordinator) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
