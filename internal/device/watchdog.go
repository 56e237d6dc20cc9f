package device

import (
	"context"
	"sync"
	"time"
)

// Watchdog marks devices offline when they fall silent. Pulse meters
// report on a fixed cadence, so a device that misses its window by the
// configured margin is assumed unreachable until it posts again.
//
// Only the online-to-offline transition is made here; recovery happens
// on the ingest path when TouchSeen observes the next contact. Devices
// that have never reported are left in the unknown state.
type Watchdog struct {
	registry     *Registry
	interval     time.Duration
	offlineAfter time.Duration
	onOffline    func(rec Record, previous HealthStatus)

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// WatchdogConfig holds configuration for the silence watchdog.
type WatchdogConfig struct {
	// Registry is the device registry to scan.
	Registry *Registry

	// Interval is how often to scan for silent devices.
	// Default: 15 minutes.
	Interval time.Duration

	// OfflineAfter is the silence window after which a device is marked
	// offline. Default: 24 hours, one missed daily report.
	OfflineAfter time.Duration

	// OnOffline is called after a device has been marked offline.
	// Optional; used to publish status notifications.
	OnOffline func(rec Record, previous HealthStatus)
}

// NewWatchdog creates a silence watchdog.
// Call Start to begin scanning and Stop to shut down.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Minute
	}
	offlineAfter := cfg.OfflineAfter
	if offlineAfter == 0 {
		offlineAfter = 24 * time.Hour
	}

	return &Watchdog{
		registry:     cfg.Registry,
		interval:     interval,
		offlineAfter: offlineAfter,
		onOffline:    cfg.OnOffline,
		done:         make(chan struct{}),
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the watchdog.
func (w *Watchdog) SetLogger(logger Logger) {
	w.logger = logger
}

// Start begins periodic silence scanning.
//
// Parameters:
//   - ctx: Context for cancellation (will stop scanning when cancelled)
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.scanLoop(ctx)
}

// Stop gracefully stops the watchdog.
// Safe to call multiple times (uses sync.Once).
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
}

// scanLoop runs the periodic silence scan.
func (w *Watchdog) scanLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Initial sweep catches devices that went silent while the service
	// was down.
	w.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan checks every device once and marks silent ones offline.
// Returns the number of devices transitioned. Exported so operators can
// trigger an immediate sweep.
func (w *Watchdog) Scan(ctx context.Context) int {
	records, err := w.registry.List(ctx)
	if err != nil {
		w.logger.Error("watchdog scan failed", "error", err)
		return 0
	}

	now := time.Now().UTC()
	var transitioned int

	for _, rec := range records {
		if rec.HealthStatus != HealthOnline {
			continue
		}
		if rec.LastSeen == nil {
			continue
		}
		silence := now.Sub(*rec.LastSeen)
		if silence < w.offlineAfter {
			continue
		}

		previous := rec.HealthStatus
		if err := w.registry.SetHealth(ctx, rec.ID, HealthOffline); err != nil {
			w.logger.Error("failed to mark device offline",
				"id", rec.ID,
				"identifier", rec.Identifier,
				"error", err,
			)
			continue
		}
		transitioned++

		w.logger.Warn("device offline",
			"id", rec.ID,
			"identifier", rec.Identifier,
			"silent_for", silence.Round(time.Second).String(),
		)

		if w.onOffline != nil {
			rec.HealthStatus = HealthOffline
			w.onOffline(rec, previous)
		}
	}

	return transitioned
}
