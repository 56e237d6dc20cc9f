package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/telegram"
)

// fakeRegistry implements DeviceRegistry over an in-memory map with
// injectable faults and hooks for concurrency assertions.
type fakeRegistry struct {
	mu      sync.Mutex
	records map[string]*device.Record
	byIdent map[string]string
	nextID  int

	resolveErr error
	commitErr  error
	touchErr   error

	resolveCalls int
	commitCalls  int
	touchCalls   int

	// commitGate, when set, blocks CommitChannel for gateIdentifier
	// until the gate is closed. commitStarted receives the identifier
	// just before the block.
	gateIdentifier string
	commitGate     chan struct{}
	commitStarted  chan string

	// active/maxActive track concurrent pipeline occupancy per
	// identifier, from ResolveOrCreate to TouchSeen.
	active    map[string]int
	maxActive map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		records:   make(map[string]*device.Record),
		byIdent:   make(map[string]string),
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func (f *fakeRegistry) ResolveOrCreate(_ context.Context, identifier, source string) (*device.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.resolveErr != nil {
		return nil, false, f.resolveErr
	}
	f.resolveCalls++

	f.active[identifier]++
	if f.active[identifier] > f.maxActive[identifier] {
		f.maxActive[identifier] = f.active[identifier]
	}

	if id, ok := f.byIdent[identifier]; ok {
		return f.records[id].DeepCopy(), false, nil
	}

	f.nextID++
	id := fmt.Sprintf("dev-%03d", f.nextID)
	now := time.Now().UTC()
	rec := &device.Record{
		ID:                id,
		Identifier:        identifier,
		Name:              device.DisplayName(identifier),
		RegistrationState: device.RegistrationPending,
		HealthStatus:      device.HealthUnknown,
		SourceAddress:     source,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	f.records[id] = rec
	f.byIdent[identifier] = id
	return rec.DeepCopy(), true, nil
}

func (f *fakeRegistry) EnsureChannels(_ context.Context, id string, count int) (*device.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return nil, device.ErrNotFound
	}

	for i := len(rec.Channels); i < count; i++ {
		kind := device.ChannelKindGenericPulse
		switch i {
		case 0:
			kind = device.ChannelKindColdWater
		case 1:
			kind = device.ChannelKindHotWater
		}
		rec.Channels = append(rec.Channels, device.Channel{
			Index:              i,
			Kind:               kind,
			CalibrationFactor:  0.5,
			CounterWidthBits:   32,
			MaxPulsesPerMinute: 600,
		})
	}
	return rec.DeepCopy(), nil
}

func (f *fakeRegistry) CommitChannel(_ context.Context, id string, ch device.Channel) error {
	f.mu.Lock()
	var gate chan struct{}
	var started chan string
	identifier := ""
	if rec, ok := f.records[id]; ok {
		identifier = rec.Identifier
	}
	if f.commitGate != nil && identifier == f.gateIdentifier {
		gate = f.commitGate
		started = f.commitStarted
	}
	err := f.commitErr
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if gate != nil {
		if started != nil {
			started <- identifier
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return device.ErrNotFound
	}
	if !rec.SetChannel(ch) {
		rec.Channels = append(rec.Channels, ch)
	}
	f.commitCalls++
	return nil
}

func (f *fakeRegistry) MarkRegistered(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return false, device.ErrNotFound
	}
	if rec.RegistrationState == device.RegistrationRegistered {
		return false, nil
	}
	rec.RegistrationState = device.RegistrationRegistered
	now := time.Now().UTC()
	rec.RegisteredAt = &now
	return true, nil
}

func (f *fakeRegistry) TouchSeen(_ context.Context, id string, seen device.SeenUpdate) (device.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.touchErr != nil {
		return "", f.touchErr
	}
	rec, ok := f.records[id]
	if !ok {
		return "", device.ErrNotFound
	}
	f.touchCalls++

	previous := rec.HealthStatus
	at := seen.SeenAt
	rec.LastSeen = &at
	if seen.Source != "" {
		rec.SourceAddress = seen.Source
	}
	if seen.Firmware != "" {
		rec.Firmware = seen.Firmware
	}
	if seen.Model != "" {
		rec.Model = seen.Model
	}
	if seen.Diagnostics != nil {
		rec.Diagnostics = seen.Diagnostics
	}
	rec.HealthStatus = device.HealthOnline

	f.active[rec.Identifier]--
	return previous, nil
}

// get returns a copy of the record for assertions.
func (f *fakeRegistry) get(identifier string) *device.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byIdent[identifier]
	if !ok {
		return nil
	}
	return f.records[id].DeepCopy()
}

func (f *fakeRegistry) maxActiveFor(identifier string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[identifier]
}

// recordingNotifier captures ingestion events.
type recordingNotifier struct {
	mu             sync.Mutex
	readings       []string
	channelRejects []string
	requestRejects []string
	created        []string
	registered     []string
	healthChanges  []string
}

func (n *recordingNotifier) ReadingReconciled(identifier string, result ChannelResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readings = append(n.readings, fmt.Sprintf("%s/%d:%s", identifier, result.Index, result.Outcome))
}

func (n *recordingNotifier) ChannelRejected(identifier string, result ChannelResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channelRejects = append(n.channelRejects, fmt.Sprintf("%s/%d:%s", identifier, result.Index, result.Reason))
}

func (n *recordingNotifier) RequestRejected(_, category, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requestRejects = append(n.requestRejects, category)
}

func (n *recordingNotifier) DeviceCreated(rec device.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, rec.Identifier)
}

func (n *recordingNotifier) DeviceRegistered(rec device.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registered = append(n.registered, rec.Identifier)
}

func (n *recordingNotifier) HealthChanged(rec device.Record, previous device.HealthStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthChanges = append(n.healthChanges, fmt.Sprintf("%s:%s", rec.Identifier, previous))
}

func (n *recordingNotifier) snapshot() recordingNotifier {
	n.mu.Lock()
	defer n.mu.Unlock()
	return recordingNotifier{
		readings:       append([]string(nil), n.readings...),
		channelRejects: append([]string(nil), n.channelRejects...),
		requestRejects: append([]string(nil), n.requestRejects...),
		created:        append([]string(nil), n.created...),
		registered:     append([]string(nil), n.registered...),
		healthChanges:  append([]string(nil), n.healthChanges...),
	}
}

func newTestCoordinator(t *testing.T, registry DeviceRegistry, notifier Notifier) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(CoordinatorOptions{
		Validator: telegram.NewValidator(telegram.Limits{}),
		Registry:  registry,
		Notifier:  notifier,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return coord
}

func mustIngest(t *testing.T, coord *Coordinator, payload string) Outcome {
	t.Helper()
	out, err := coord.Ingest(context.Background(), []byte(payload), int64(len(payload)), "10.20.0.44:51812")
	if err != nil {
		t.Fatalf("Ingest(%s) error = %v", payload, err)
	}
	return out
}

func TestNewCoordinator(t *testing.T) {
	t.Run("requires validator", func(t *testing.T) {
		_, err := NewCoordinator(CoordinatorOptions{Registry: newFakeRegistry()})
		if err == nil {
			t.Fatal("expected error for missing validator")
		}
	})

	t.Run("requires registry", func(t *testing.T) {
		_, err := NewCoordinator(CoordinatorOptions{Validator: telegram.NewValidator(telegram.Limits{})})
		if err == nil {
			t.Fatal("expected error for missing registry")
		}
	})

	t.Run("defaults notifier and grace", func(t *testing.T) {
		coord, err := NewCoordinator(CoordinatorOptions{
			Validator: telegram.NewValidator(telegram.Limits{}),
			Registry:  newFakeRegistry(),
		})
		if err != nil {
			t.Fatalf("NewCoordinator() error = %v", err)
		}
		if coord.grace != DefaultPlausibilityGrace {
			t.Errorf("grace = %v, want %v", coord.grace, DefaultPlausibilityGrace)
		}
	})
}

func TestIngest_RejectsOversized(t *testing.T) {
	registry := newFakeRegistry()
	notifier := &recordingNotifier{}
	coord := newTestCoordinator(t, registry, notifier)
	ctx := context.Background()

	t.Run("declared length above ceiling", func(t *testing.T) {
		payload := `{"id":"WTR-0001","counters":[100]}`
		out, err := coord.Ingest(ctx, []byte(payload), telegram.DefaultMaxBodyBytes+1, "10.0.0.5:1000")
		if !errors.Is(err, telegram.ErrOversized) {
			t.Fatalf("Ingest() error = %v, want ErrOversized", err)
		}
		if out.Request != RequestRejected {
			t.Errorf("Request = %q, want %q", out.Request, RequestRejected)
		}
		if out.Category != CategoryOversized {
			t.Errorf("Category = %q, want %q", out.Category, CategoryOversized)
		}
	})

	t.Run("actual body above ceiling", func(t *testing.T) {
		payload := `{"id":"WTR-0001","counters":[100],"name":"` + strings.Repeat("x", telegram.DefaultMaxBodyBytes) + `"}`
		_, err := coord.Ingest(ctx, []byte(payload), int64(len(payload)), "10.0.0.5:1000")
		if !errors.Is(err, telegram.ErrOversized) {
			t.Fatalf("Ingest() error = %v, want ErrOversized", err)
		}
	})

	// Nothing reached the registry
	if registry.resolveCalls != 0 {
		t.Errorf("resolveCalls = %d, want 0", registry.resolveCalls)
	}
	events := notifier.snapshot()
	if len(events.requestRejects) != 2 {
		t.Fatalf("requestRejects = %d, want 2", len(events.requestRejects))
	}
	for _, category := range events.requestRejects {
		if category != CategoryOversized {
			t.Errorf("category = %q, want %q", category, CategoryOversized)
		}
	}
}

func TestIngest_RejectsMalformed(t *testing.T) {
	registry := newFakeRegistry()
	notifier := &recordingNotifier{}
	coord := newTestCoordinator(t, registry, notifier)
	ctx := context.Background()

	payload := `{"id":"WTR-0001","counters":["not a number"]}`
	out, err := coord.Ingest(ctx, []byte(payload), int64(len(payload)), "10.0.0.5:1000")
	if !errors.Is(err, telegram.ErrMalformed) {
		t.Fatalf("Ingest() error = %v, want ErrMalformed", err)
	}
	if out.Category != CategoryMalformed {
		t.Errorf("Category = %q, want %q", out.Category, CategoryMalformed)
	}
	if registry.resolveCalls != 0 {
		t.Errorf("resolveCalls = %d, want 0", registry.resolveCalls)
	}
}

func TestIngest_AutoCreatesAndBaselines(t *testing.T) {
	registry := newFakeRegistry()
	notifier := &recordingNotifier{}
	coord := newTestCoordinator(t, registry, notifier)

	out := mustIngest(t, coord, `{"id":"WTR-0001","counters":[18234,2000],"version":"1.0.4","model":"attiny85","voltage":3.05}`)

	if out.Request != RequestAccepted {
		t.Errorf("Request = %q, want %q", out.Request, RequestAccepted)
	}
	if !out.Created {
		t.Error("Created = false, want true")
	}
	if out.Registered {
		t.Error("Registered = true, want false (baseline capture never promotes)")
	}
	if len(out.Channels) != 2 {
		t.Fatalf("len(Channels) = %d, want 2", len(out.Channels))
	}
	for i, cr := range out.Channels {
		if cr.Outcome != device.ReconcileInitialised {
			t.Errorf("channel %d outcome = %q, want %q", i, cr.Outcome, device.ReconcileInitialised)
		}
	}

	rec := registry.get("WTR-0001")
	if rec == nil {
		t.Fatal("device was not created")
	}
	if rec.RegistrationState != device.RegistrationPending {
		t.Errorf("RegistrationState = %q, want %q", rec.RegistrationState, device.RegistrationPending)
	}
	if rec.HealthStatus != device.HealthOnline {
		t.Errorf("HealthStatus = %q, want %q", rec.HealthStatus, device.HealthOnline)
	}
	if rec.LastSeen == nil {
		t.Error("LastSeen not set by liveness update")
	}
	if rec.Firmware != "1.0.4" {
		t.Errorf("Firmware = %q, want %q", rec.Firmware, "1.0.4")
	}
	if rec.Model != "attiny85" {
		t.Errorf("Model = %q, want %q", rec.Model, "attiny85")
	}
	if v, ok := rec.Diagnostics["voltage"].(float64); !ok || v != 3.05 {
		t.Errorf("Diagnostics[voltage] = %v, want 3.05", rec.Diagnostics["voltage"])
	}
	if _, ok := rec.Diagnostics["model"]; ok {
		t.Error("Diagnostics[model] present, model belongs on the record field")
	}
	ch, _ := rec.ChannelAt(0)
	if !ch.Baselined || ch.LastRaw != 18234 {
		t.Errorf("channel 0 = baselined %v raw %d, want baselined at 18234", ch.Baselined, ch.LastRaw)
	}
	if ch.LastReconciledAt == nil {
		t.Error("LastReconciledAt not stamped on commit")
	}

	events := notifier.snapshot()
	if len(events.created) != 1 || events.created[0] != "WTR-0001" {
		t.Errorf("created events = %v, want [WTR-0001]", events.created)
	}
	if len(events.readings) != 2 {
		t.Errorf("reading events = %d, want 2", len(events.readings))
	}
	if len(events.healthChanges) != 1 || events.healthChanges[0] != "WTR-0001:unknown" {
		t.Errorf("health events = %v, want [WTR-0001:unknown]", events.healthChanges)
	}
}

func TestIngest_PromotesOnFirstDelta(t *testing.T) {
	registry := newFakeRegistry()
	notifier := &recordingNotifier{}
	coord := newTestCoordinator(t, registry, notifier)

	mustIngest(t, coord, `{"id":"WTR-0002","counters":[1000]}`)

	out := mustIngest(t, coord, `{"id":"WTR-0002","counters":[1060]}`)
	if out.Request != RequestAccepted {
		t.Errorf("Request = %q, want %q", out.Request, RequestAccepted)
	}
	if !out.Registered {
		t.Error("Registered = false, want true on first accepted delta")
	}
	if out.Channels[0].Delta != 60 {
		t.Errorf("Delta = %d, want 60", out.Channels[0].Delta)
	}
	if out.Channels[0].CumulativeValue != 30.0 {
		t.Errorf("CumulativeValue = %v, want 30.0", out.Channels[0].CumulativeValue)
	}

	rec := registry.get("WTR-0002")
	if rec.RegistrationState != device.RegistrationRegistered {
		t.Errorf("RegistrationState = %q, want %q", rec.RegistrationState, device.RegistrationRegistered)
	}

	// A later telegram never re-promotes
	out = mustIngest(t, coord, `{"id":"WTR-0002","counters":[1120]}`)
	if out.Registered {
		t.Error("Registered = true on third telegram, want false")
	}

	events := notifier.snapshot()
	if len(events.registered) != 1 {
		t.Errorf("registered events = %d, want 1", len(events.registered))
	}
}

func TestIngest_PartialAccept(t *testing.T) {
	registry := newFakeRegistry()
	notifier := &recordingNotifier{}
	coord := newTestCoordinator(t, registry, notifier)

	mustIngest(t, coord, `{"id":"WTR-0003","counters":[1000,2000]}`)

	// Channel 0 advances plausibly; channel 1 jumps far beyond the
	// ceiling. The rejection must not touch channel 1 or abort the
	// sibling commit.
	out := mustIngest(t, coord, `{"id":"WTR-0003","counters":[1060,900000]}`)

	if out.Request != RequestPartiallyAccepted {
		t.Errorf("Request = %q, want %q", out.Request, RequestPartiallyAccepted)
	}
	if out.Channels[0].Outcome != device.ReconcileAccepted {
		t.Errorf("channel 0 outcome = %q, want %q", out.Channels[0].Outcome, device.ReconcileAccepted)
	}
	if out.Channels[1].Outcome != device.ReconcileRejected {
		t.Errorf("channel 1 outcome = %q, want %q", out.Channels[1].Outcome, device.ReconcileRejected)
	}
	if out.Channels[1].Reason != device.RejectImplausibleJump {
		t.Errorf("channel 1 reason = %q, want %q", out.Channels[1].Reason, device.RejectImplausibleJump)
	}
	if out.Channels[1].RawCounter != 2000 {
		t.Errorf("channel 1 RawCounter = %d, want 2000 (state untouched)", out.Channels[1].RawCounter)
	}

	rec := registry.get("WTR-0003")
	ch0, _ := rec.ChannelAt(0)
	ch1, _ := rec.ChannelAt(1)
	if ch0.LastRaw != 1060 {
		t.Errorf("channel 0 LastRaw = %d, want 1060", ch0.LastRaw)
	}
	if ch1.LastRaw != 2000 {
		t.Errorf("channel 1 LastRaw = %d, want 2000", ch1.LastRaw)
	}
	if rec.LastSeen == nil {
		t.Error("liveness must advance on a partial accept")
	}

	events := notifier.snapshot()
	if len(events.channelRejects) != 1 || events.channelRejects[0] != "WTR-0003/1:implausible_jump" {
		t.Errorf("channelRejects = %v", events.channelRejects)
	}
}

func TestIngest_AllRejectedStillAdvancesLiveness(t *testing.T) {
	registry := newFakeRegistry()
	coord := newTestCoordinator(t, registry, nil)

	mustIngest(t, coord, `{"id":"WTR-0004","counters":[40000]}`)
	before := registry.get("WTR-0004")

	// An unexplained decrease: rejected, but the device still gets a
	// success outcome and its liveness still advances.
	out := mustIngest(t, coord, `{"id":"WTR-0004","counters":[100]}`)
	if out.Request != RequestPartiallyAccepted {
		t.Errorf("Request = %q, want %q", out.Request, RequestPartiallyAccepted)
	}
	if out.Channels[0].Reason != device.RejectUnexplainedDecrease {
		t.Errorf("reason = %q, want %q", out.Channels[0].Reason, device.RejectUnexplainedDecrease)
	}

	after := registry.get("WTR-0004")
	ch, _ := after.ChannelAt(0)
	if ch.LastRaw != 40000 {
		t.Errorf("LastRaw = %d, want 40000 (state untouched)", ch.LastRaw)
	}
	if after.LastSeen == nil || (before.LastSeen != nil && !after.LastSeen.After(*before.LastSeen)) {
		// Both telegrams land within microseconds; equality is enough
		// to prove the second touch happened when the first stamped it.
		if after.LastSeen == nil {
			t.Error("LastSeen not advanced")
		}
	}
	if after.RegistrationState != device.RegistrationPending {
		t.Errorf("RegistrationState = %q, want pending (rejections never promote)", after.RegistrationState)
	}
}

func TestIngest_HealthRecoveryEvent(t *testing.T) {
	registry := newFakeRegistry()
	notifier := &recordingNotifier{}
	coord := newTestCoordinator(t, registry, notifier)

	mustIngest(t, coord, `{"id":"WTR-0005","counters":[1000]}`)

	// Watchdog marked the device offline while it was silent
	registry.mu.Lock()
	registry.records[registry.byIdent["WTR-0005"]].HealthStatus = device.HealthOffline
	registry.mu.Unlock()

	mustIngest(t, coord, `{"id":"WTR-0005","counters":[1010]}`)

	events := notifier.snapshot()
	want := "WTR-0005:offline"
	found := false
	for _, hc := range events.healthChanges {
		if hc == want {
			found = true
		}
	}
	if !found {
		t.Errorf("healthChanges = %v, want to contain %q", events.healthChanges, want)
	}
}

func TestIngest_SparseDiagnosticsPreserved(t *testing.T) {
	registry := newFakeRegistry()
	coord := newTestCoordinator(t, registry, nil)

	mustIngest(t, coord, `{"id":"WTR-0006","counters":[100],"voltage":3.05,"version":"1.0.4"}`)
	// Version is the only diagnostic this time. It must update the
	// firmware field without erasing the stored voltage.
	mustIngest(t, coord, `{"id":"WTR-0006","counters":[110],"version":"1.0.5"}`)

	rec := registry.get("WTR-0006")
	if rec == nil {
		t.Fatal("device was not created")
	}
	if rec.Firmware != "1.0.5" {
		t.Errorf("Firmware = %q, want %q", rec.Firmware, "1.0.5")
	}
	if v, ok := rec.Diagnostics["voltage"].(float64); !ok || v != 3.05 {
		t.Errorf("Diagnostics[voltage] = %v, want 3.05 preserved", rec.Diagnostics["voltage"])
	}
}

func TestIngest_CommitFailureAbortsRequest(t *testing.T) {
	registry := newFakeRegistry()
	coord := newTestCoordinator(t, registry, nil)

	registry.mu.Lock()
	registry.commitErr = errors.New("disk full")
	registry.mu.Unlock()

	payload := `{"id":"WTR-0006","counters":[1000]}`
	out, err := coord.Ingest(context.Background(), []byte(payload), int64(len(payload)), "10.0.0.5:1000")
	if err == nil {
		t.Fatal("expected error from failed commit")
	}
	if out.Request != RequestRejected {
		t.Errorf("Request = %q, want %q", out.Request, RequestRejected)
	}
	if out.Category != CategoryInternal {
		t.Errorf("Category = %q, want %q", out.Category, CategoryInternal)
	}
	if registry.touchCalls != 0 {
		t.Errorf("touchCalls = %d, want 0 (persistence fault aborts the request)", registry.touchCalls)
	}
}

func TestIngest_CancelledSlotWait(t *testing.T) {
	registry := newFakeRegistry()
	coord := newTestCoordinator(t, registry, nil)

	// Hold the device's slot so the request has to wait
	if err := coord.slots.acquire(context.Background(), "WTR-0007"); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer coord.slots.release("WTR-0007")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	payload := `{"id":"WTR-0007","counters":[1000]}`
	out, err := coord.Ingest(ctx, []byte(payload), int64(len(payload)), "10.0.0.5:1000")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ingest() error = %v, want context.DeadlineExceeded", err)
	}
	if out.Category != CategoryCancelled {
		t.Errorf("Category = %q, want %q", out.Category, CategoryCancelled)
	}
	if registry.resolveCalls != 0 {
		t.Errorf("resolveCalls = %d, want 0 (abandoned wait never touches the registry)", registry.resolveCalls)
	}
}

func TestIngest_SameDeviceSerialises(t *testing.T) {
	registry := newFakeRegistry()
	coord := newTestCoordinator(t, registry, nil)

	mustIngest(t, coord, `{"id":"WTR-0008","counters":[1000]}`)

	gate := make(chan struct{})
	started := make(chan string, 2)
	registry.mu.Lock()
	registry.gateIdentifier = "WTR-0008"
	registry.commitGate = gate
	registry.commitStarted = started
	registry.mu.Unlock()

	var wg sync.WaitGroup
	ingest := func(payload string) {
		defer wg.Done()
		out, err := coord.Ingest(context.Background(), []byte(payload), int64(len(payload)), "10.0.0.5:1000")
		if err != nil {
			t.Errorf("Ingest() error = %v", err)
			return
		}
		if out.Request == RequestRejected {
			t.Errorf("Request = %q", out.Request)
		}
	}

	wg.Add(2)
	go ingest(`{"id":"WTR-0008","counters":[1060]}`)
	go ingest(`{"id":"WTR-0008","counters":[1120]}`)

	// One telegram reaches its commit and blocks on the gate; the other
	// must still be waiting for the slot, not committing.
	<-started
	select {
	case id := <-started:
		t.Fatalf("second telegram committing concurrently for %s", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	wg.Wait()

	// Whatever the arrival order, the two deltas are applied exactly
	// once between them: either 60+60 forward pulses, or 120 then a
	// rejected decrease. Both end at raw 1120 and cumulative 60.0.
	rec := registry.get("WTR-0008")
	ch, _ := rec.ChannelAt(0)
	if ch.LastRaw != 1120 {
		t.Errorf("LastRaw = %d, want 1120", ch.LastRaw)
	}
	if ch.CumulativeValue != 60.0 {
		t.Errorf("CumulativeValue = %v, want 60.0", ch.CumulativeValue)
	}
	if max := registry.maxActiveFor("WTR-0008"); max > 1 {
		t.Errorf("max concurrent pipeline entries = %d, want 1", max)
	}
}

func TestIngest_DistinctDevicesIndependent(t *testing.T) {
	registry := newFakeRegistry()
	coord := newTestCoordinator(t, registry, nil)

	mustIngest(t, coord, `{"id":"WTR-0009","counters":[1000]}`)
	mustIngest(t, coord, `{"id":"WTR-0010","counters":[5000]}`)

	gate := make(chan struct{})
	started := make(chan string, 1)
	registry.mu.Lock()
	registry.gateIdentifier = "WTR-0009"
	registry.commitGate = gate
	registry.commitStarted = started
	registry.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		payload := `{"id":"WTR-0009","counters":[1060]}`
		if _, err := coord.Ingest(context.Background(), []byte(payload), int64(len(payload)), "10.0.0.5:1000"); err != nil {
			t.Errorf("Ingest(WTR-0009) error = %v", err)
		}
	}()

	// WTR-0009 is now stalled inside its commit. A telegram for another
	// device must complete while it is stuck.
	<-started

	done := make(chan struct{})
	go func() {
		payload := `{"id":"WTR-0010","counters":[5060]}`
		if _, err := coord.Ingest(context.Background(), []byte(payload), int64(len(payload)), "10.0.0.5:1000"); err != nil {
			t.Errorf("Ingest(WTR-0010) error = %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("telegram for an independent device was delayed by a stalled device")
	}

	close(gate)
	wg.Wait()
}

func TestCoordinator_GetStats(t *testing.T) {
	registry := newFakeRegistry()
	coord := newTestCoordinator(t, registry, nil)
	ctx := context.Background()

	mustIngest(t, coord, `{"id":"WTR-0011","counters":[1000]}`)
	mustIngest(t, coord, `{"id":"WTR-0011","counters":[1060]}`)
	mustIngest(t, coord, `{"id":"WTR-0011","counters":[100]}`)

	bad := `{"id":"WTR-0011"}`
	if _, err := coord.Ingest(ctx, []byte(bad), int64(len(bad)), "10.0.0.5:1000"); err == nil {
		t.Fatal("expected validation error")
	}

	stats := coord.GetStats()
	if stats.Requests != 4 {
		t.Errorf("Requests = %d, want 4", stats.Requests)
	}
	if stats.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", stats.Accepted)
	}
	if stats.PartiallyAccepted != 1 {
		t.Errorf("PartiallyAccepted = %d, want 1", stats.PartiallyAccepted)
	}
	if stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", stats.Rejected)
	}
	if stats.ChannelsRejected != 1 {
		t.Errorf("ChannelsRejected = %d, want 1", stats.ChannelsRejected)
	}
	if stats.DevicesCreated != 1 {
		t.Errorf("DevicesCreated = %d, want 1", stats.DevicesCreated)
	}
	if stats.DevicesRegistered != 1 {
		t.Errorf("DevicesRegistered = %d, want 1", stats.DevicesRegistered)
	}
	if stats.TrackedDevices != 1 {
		t.Errorf("TrackedDevices = %d, want 1", stats.TrackedDevices)
	}
}
