package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Default channel configuration applied when a profile leaves a field
// unset. The pulse rate ceiling corresponds to a 100 Hz pulse output,
// comfortably above any residential meter.
const (
	DefaultCalibrationFactor  = 1.0
	DefaultCounterWidthBits   = 32
	DefaultMaxPulsesPerMinute = 6000.0
)

// ChannelDefaults describes the configuration a newly observed channel
// receives before an operator tunes it.
type ChannelDefaults struct {
	Kind               ChannelKind `yaml:"kind" json:"kind"`
	CalibrationFactor  float64     `yaml:"calibration_factor" json:"calibration_factor"`
	CounterWidthBits   int         `yaml:"counter_width_bits" json:"counter_width_bits"`
	MaxPulsesPerMinute float64     `yaml:"max_pulses_per_minute" json:"max_pulses_per_minute"`
}

// withDefaults fills unset fields with sane defaults.
func (d ChannelDefaults) withDefaults() ChannelDefaults {
	if d.Kind == "" {
		d.Kind = ChannelKindGenericPulse
	}
	if d.CalibrationFactor <= 0 {
		d.CalibrationFactor = DefaultCalibrationFactor
	}
	if d.CounterWidthBits == 0 {
		d.CounterWidthBits = DefaultCounterWidthBits
	}
	if d.MaxPulsesPerMinute <= 0 {
		d.MaxPulsesPerMinute = DefaultMaxPulsesPerMinute
	}
	return d
}

// Profile supplies per-index channel defaults for auto-created devices.
// Positions in Channels map to counter indexes; indexes beyond the list
// fall back to Fallback.
type Profile struct {
	Channels []ChannelDefaults `yaml:"channels" json:"channels"`
	Fallback ChannelDefaults   `yaml:"fallback" json:"fallback"`
}

// channelFor builds a fresh channel at the given index from the profile.
func (p Profile) channelFor(index int) Channel {
	def := p.Fallback
	if index >= 0 && index < len(p.Channels) {
		def = p.Channels[index]
	}
	def = def.withDefaults()

	return Channel{
		Index:              index,
		Kind:               def.Kind,
		CalibrationFactor:  def.CalibrationFactor,
		CounterWidthBits:   def.CounterWidthBits,
		MaxPulsesPerMinute: def.MaxPulsesPerMinute,
	}
}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups,
// which matters on the ingest path where every telegram resolves its
// device by identifier.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-updating CRUD operations.
//
// All public methods are thread-safe. Methods that mutate a single
// device assume the caller serialises writes per device; the ingest
// coordinator does this with per-device slots.
type Registry struct {
	repo    Repository
	profile Profile

	cache        map[string]*Record // Cached devices by ID
	byIdentifier map[string]string  // Identifier -> ID index
	cacheMu      sync.RWMutex       // Protects cache and byIdentifier
	logger       Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the profile configures
// channels on auto-created devices.
func NewRegistry(repo Repository, profile Profile) *Registry {
	return &Registry{
		repo:         repo,
		profile:      profile,
		cache:        make(map[string]*Record),
		byIdentifier: make(map[string]string),
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild both maps with deep copies
	r.cache = make(map[string]*Record, len(records))
	r.byIdentifier = make(map[string]string, len(records))
	for _, rec := range records {
		r.cache[rec.ID] = rec.DeepCopy()
		r.byIdentifier[rec.Identifier] = rec.ID
	}

	r.logger.Info("device cache refreshed", "count", len(records))
	return nil
}

// Get retrieves a device by its internal UUID.
// Returns ErrNotFound if the device does not exist.
// The returned record is a deep copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		// Return a deep copy to prevent external mutation of cache
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	rec, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.storeInCache(rec)
	return rec, nil
}

// GetByIdentifier retrieves a device by its canonical wire identifier.
// Returns ErrNotFound if the device does not exist.
// The returned record is a deep copy; callers can safely modify it.
func (r *Registry) GetByIdentifier(ctx context.Context, identifier string) (*Record, error) {
	r.cacheMu.RLock()
	id, ok := r.byIdentifier[identifier]
	var cached *Record
	if ok {
		cached = r.cache[id]
	}
	r.cacheMu.RUnlock()

	if cached != nil {
		return cached.DeepCopy(), nil
	}

	rec, err := r.repo.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}

	r.storeInCache(rec)
	return rec, nil
}

// List retrieves all devices.
// The returned records are deep copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	r.cacheMu.RLock()
	if len(r.cache) > 0 {
		records := make([]Record, 0, len(r.cache))
		for _, rec := range r.cache {
			// Deep copy to prevent external mutation of cache
			records = append(records, *rec.DeepCopy())
		}
		r.cacheMu.RUnlock()
		return records, nil
	}
	r.cacheMu.RUnlock()

	// Fall back to repository
	recs, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(recs))
	for _, rec := range recs {
		records = append(records, *rec)
	}
	return records, nil
}

// ListByRegistrationState retrieves all devices in a given registration
// state. The returned records are deep copies.
func (r *Registry) ListByRegistrationState(state RegistrationState) []Record {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var records []Record
	for _, rec := range r.cache {
		if rec.RegistrationState == state {
			records = append(records, *rec.DeepCopy())
		}
	}
	return records
}

// ListByHealth retrieves all devices with a given health status.
// The returned records are deep copies.
func (r *Registry) ListByHealth(status HealthStatus) []Record {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var records []Record
	for _, rec := range r.cache {
		if rec.HealthStatus == status {
			records = append(records, *rec.DeepCopy())
		}
	}
	return records
}

// Create persists an operator-provisioned device.
// It generates the ID and display name if needed, validates, and caches.
func (r *Registry) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = GenerateID()
	}
	if rec.Name == "" {
		rec.Name = DisplayName(rec.Identifier)
	}
	if rec.RegistrationState == "" {
		rec.RegistrationState = RegistrationPending
	}
	if rec.HealthStatus == "" {
		rec.HealthStatus = HealthUnknown
	}

	if err := ValidateRecord(rec); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, rec); err != nil {
		return err
	}

	r.storeInCache(rec)
	r.logger.Info("device created", "id", rec.ID, "identifier", rec.Identifier)
	return nil
}

// ResolveOrCreate returns the device with the given canonical identifier,
// creating a pending record on first contact. The boolean reports whether
// a new record was created.
//
// Creation here is not registration: the new device stays pending until
// its first accepted delta or an explicit operator confirmation.
func (r *Registry) ResolveOrCreate(ctx context.Context, identifier, source string) (*Record, bool, error) {
	rec, err := r.GetByIdentifier(ctx, identifier)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	rec = &Record{
		ID:                GenerateID(),
		Identifier:        identifier,
		Name:              DisplayName(identifier),
		RegistrationState: RegistrationPending,
		HealthStatus:      HealthUnknown,
		SourceAddress:     source,
	}

	if err := r.Create(ctx, rec); err != nil {
		// Another request created the device between the lookup and the
		// insert. Use the winner's record.
		if errors.Is(err, ErrExists) {
			existing, getErr := r.GetByIdentifier(ctx, identifier)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	r.logger.Info("device auto-created",
		"id", rec.ID,
		"identifier", rec.Identifier,
		"source", source,
	)
	return rec.DeepCopy(), true, nil
}

// EnsureChannels grows a device's channel set to at least count channels,
// building new ones from the registry profile. Existing channels are
// never modified. Returns the updated record.
func (r *Registry) EnsureChannels(ctx context.Context, id string, count int) (*Record, error) {
	if count > maxChannels {
		return nil, fmt.Errorf("%w: %d channels exceeds maximum %d", ErrInvalidDevice, count, maxChannels)
	}

	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	present := make(map[int]struct{}, len(rec.Channels))
	for _, ch := range rec.Channels {
		present[ch.Index] = struct{}{}
	}

	var added int
	for idx := 0; idx < count; idx++ {
		if _, ok := present[idx]; ok {
			continue
		}
		ch := r.profile.channelFor(idx)
		if err := r.repo.UpsertChannel(ctx, id, ch); err != nil {
			return nil, err
		}
		rec.Channels = append(rec.Channels, ch)
		added++
	}
	if added == 0 {
		return rec, nil
	}

	sortChannels(rec.Channels)
	r.storeInCache(rec)

	r.logger.Info("channels provisioned", "id", id, "added", added, "total", len(rec.Channels))
	return rec.DeepCopy(), nil
}

// CommitChannel persists one channel's reconciled state and updates the
// cache. This is the per-reading write on the ingest path.
func (r *Registry) CommitChannel(ctx context.Context, id string, ch Channel) error {
	if err := r.repo.UpsertChannel(ctx, id, ch); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		if !updated.SetChannel(ch) {
			updated.Channels = append(updated.Channels, ch)
			sortChannels(updated.Channels)
		}
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("channel committed",
		"id", id,
		"channel", ch.Index,
		"last_raw", ch.LastRaw,
		"rollovers", ch.RolloverCount,
	)
	return nil
}

// TouchSeen records a device contact and marks the device online.
// Empty firmware or nil diagnostics keep the previously known values so
// a sparse telegram never erases history. Returns the health status held
// before the touch, letting callers detect offline-to-online recoveries.
func (r *Registry) TouchSeen(ctx context.Context, id string, seen SeenUpdate) (HealthStatus, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	previous := rec.HealthStatus

	if seen.SeenAt.IsZero() {
		seen.SeenAt = time.Now().UTC()
	}
	if seen.Source == "" {
		seen.Source = rec.SourceAddress
	}
	if seen.Firmware == "" {
		seen.Firmware = rec.Firmware
	}
	if seen.Model == "" {
		seen.Model = rec.Model
	}
	if seen.Diagnostics == nil {
		seen.Diagnostics = rec.Diagnostics
	}

	if err := r.repo.UpdateSeen(ctx, id, seen, HealthOnline); err != nil {
		return "", err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		seenAt := seen.SeenAt
		updated.LastSeen = &seenAt
		updated.SourceAddress = seen.Source
		updated.Firmware = seen.Firmware
		updated.Model = seen.Model
		updated.Diagnostics = deepCopyMap(seen.Diagnostics)
		updated.HealthStatus = HealthOnline
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	if previous != HealthOnline {
		r.logger.Info("device online", "id", id, "previous", previous)
	}
	return previous, nil
}

// MarkRegistered promotes a pending device to registered. The transition
// happens at most once; subsequent calls are no-ops. Returns whether the
// state changed.
//
// Both promotion paths use this method: the ingest coordinator after a
// first accepted delta, and the operator confirmation endpoint.
func (r *Registry) MarkRegistered(ctx context.Context, id string) (bool, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.RegistrationState == RegistrationRegistered {
		return false, nil
	}

	now := time.Now().UTC()
	if err := r.repo.UpdateRegistration(ctx, id, RegistrationRegistered, &now); err != nil {
		return false, err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.RegistrationState = RegistrationRegistered
		updated.RegisteredAt = &now
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "id", id, "identifier", rec.Identifier)
	return true, nil
}

// ArmSettingsDelivery marks a device for one settings delivery. The
// device receives its channel configuration on its next settings poll,
// which clears the flag again. Arming an already-armed device is a
// no-op.
func (r *Registry) ArmSettingsDelivery(ctx context.Context, id string) (*Record, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.SettingsPending {
		return rec, nil
	}

	if err := r.repo.UpdateSettingsPending(ctx, id, true); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.SettingsPending = true
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	rec.SettingsPending = true
	r.logger.Info("settings delivery armed", "id", id, "identifier", rec.Identifier)
	return rec, nil
}

// TakeSettingsDelivery consumes an armed settings delivery for the
// device with the given wire identifier. Reports false when nothing is
// pending. The flag clears on take; a delivery lost on the wire needs
// re-arming by the operator.
func (r *Registry) TakeSettingsDelivery(ctx context.Context, identifier string) (*Record, bool, error) {
	rec, err := r.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, false, err
	}
	if !rec.SettingsPending {
		return rec, false, nil
	}

	if err := r.repo.UpdateSettingsPending(ctx, rec.ID, false); err != nil {
		return nil, false, err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[rec.ID]; ok {
		updated := cached.DeepCopy()
		updated.SettingsPending = false
		r.cache[rec.ID] = updated
	}
	r.cacheMu.Unlock()

	rec.SettingsPending = false
	r.logger.Info("settings delivered", "id", rec.ID, "identifier", rec.Identifier)
	return rec, true, nil
}

// ResetChannel clears a channel's rejection posture after an operator has
// inspected the meter.
//
// With a nil baseline the channel returns to the unbaselined state and
// the next reading re-initialises it. With a baseline the channel resumes
// delta tracking from that raw value immediately. The rollover count
// restarts either way: the old counter epoch ended with whatever event
// prompted the reset. The cumulative value is preserved unless an
// explicit rebase value is given, as after a meter swap where the
// replacement's face value should become the new total.
func (r *Registry) ResetChannel(ctx context.Context, id string, index int, newBaseline *uint64, newCumulative *float64) (*Record, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ch, ok := rec.ChannelAt(index)
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", ErrChannelNotFound, index)
	}

	if newBaseline == nil {
		ch.Baselined = false
		ch.LastRaw = 0
		ch.LastReconciledAt = nil
	} else {
		if *newBaseline >= counterCapacity(ch.CounterWidthBits) {
			return nil, fmt.Errorf("%w: baseline %d exceeds %d-bit register",
				ErrInvalidDevice, *newBaseline, ch.CounterWidthBits)
		}
		now := time.Now().UTC()
		ch.Baselined = true
		ch.LastRaw = *newBaseline
		ch.LastReconciledAt = &now
	}
	ch.RolloverCount = 0

	if newCumulative != nil {
		if *newCumulative < 0 {
			return nil, fmt.Errorf("%w: cumulative %v is negative",
				ErrInvalidDevice, *newCumulative)
		}
		ch.CumulativeValue = *newCumulative
	}

	if err := r.CommitChannel(ctx, id, ch); err != nil {
		return nil, err
	}
	rec.SetChannel(ch)

	r.logger.Info("channel reset",
		"id", id,
		"channel", index,
		"baselined", ch.Baselined,
		"last_raw", ch.LastRaw,
		"cumulative", ch.CumulativeValue,
	)
	return rec, nil
}

// ChannelConfig carries operator-tunable channel settings. Nil fields are
// left unchanged.
type ChannelConfig struct {
	Kind               *ChannelKind `json:"kind,omitempty"`
	CalibrationFactor  *float64     `json:"calibration_factor,omitempty"`
	MaxPulsesPerMinute *float64     `json:"max_pulses_per_minute,omitempty"`
}

// ConfigureChannel applies operator configuration to a channel. Changes
// affect future reconciliations only; the cumulative value is never
// recomputed retroactively.
func (r *Registry) ConfigureChannel(ctx context.Context, id string, index int, cfg ChannelConfig) (*Record, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ch, ok := rec.ChannelAt(index)
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", ErrChannelNotFound, index)
	}

	if cfg.Kind != nil {
		if err := ValidateChannelKind(*cfg.Kind); err != nil {
			return nil, err
		}
		ch.Kind = *cfg.Kind
	}
	if cfg.CalibrationFactor != nil {
		if *cfg.CalibrationFactor <= 0 {
			return nil, fmt.Errorf("%w: %v on channel %d", ErrInvalidCalibration, *cfg.CalibrationFactor, index)
		}
		ch.CalibrationFactor = *cfg.CalibrationFactor
	}
	if cfg.MaxPulsesPerMinute != nil {
		if *cfg.MaxPulsesPerMinute <= 0 {
			return nil, fmt.Errorf("%w: %v on channel %d", ErrInvalidPulseRate, *cfg.MaxPulsesPerMinute, index)
		}
		ch.MaxPulsesPerMinute = *cfg.MaxPulsesPerMinute
	}

	if err := r.CommitChannel(ctx, id, ch); err != nil {
		return nil, err
	}
	rec.SetChannel(ch)

	r.logger.Info("channel configured", "id", id, "channel", index)
	return rec, nil
}

// Update modifies an existing device record.
// It validates the record and persists the changes.
func (r *Registry) Update(ctx context.Context, rec *Record) error {
	existing, err := r.Get(ctx, rec.ID)
	if err != nil {
		return err
	}

	if err := ValidateRecord(rec); err != nil {
		return err
	}

	if err := r.repo.Update(ctx, rec); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if existing.Identifier != rec.Identifier {
		delete(r.byIdentifier, existing.Identifier)
	}
	r.cache[rec.ID] = rec.DeepCopy()
	r.byIdentifier[rec.Identifier] = rec.ID
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", rec.ID, "identifier", rec.Identifier)
	return nil
}

// Delete removes a device and its channels.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		delete(r.byIdentifier, cached.Identifier)
	}
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetHealth updates the health status of a device. Used by the watchdog
// when a device misses its reporting window.
func (r *Registry) SetHealth(ctx context.Context, id string, status HealthStatus) error {
	if err := r.repo.UpdateHealth(ctx, id, status); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.HealthStatus = status
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device health updated", "id", id, "status", status)
	return nil
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// storeInCache caches a deep copy of the record and indexes its
// identifier.
func (r *Registry) storeInCache(rec *Record) {
	r.cacheMu.Lock()
	r.cache[rec.ID] = rec.DeepCopy()
	r.byIdentifier[rec.Identifier] = rec.ID
	r.cacheMu.Unlock()
}

// sortChannels orders channels by index in place.
func sortChannels(channels []Channel) {
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].Index < channels[j].Index
	})
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices        int
	TotalChannels       int
	ByRegistrationState map[RegistrationState]int
	ByHealthStatus      map[HealthStatus]int
	ByChannelKind       map[ChannelKind]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices:        len(r.cache),
		ByRegistrationState: make(map[RegistrationState]int),
		ByHealthStatus:      make(map[HealthStatus]int),
		ByChannelKind:       make(map[ChannelKind]int),
	}

	for _, rec := range r.cache {
		stats.ByRegistrationState[rec.RegistrationState]++
		stats.ByHealthStatus[rec.HealthStatus]++
		stats.TotalChannels += len(rec.Channels)
		for _, ch := range rec.Channels {
			stats.ByChannelKind[ch.Kind]++
		}
	}

	return stats
}
