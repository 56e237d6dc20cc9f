package publish

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pulsegate-core/internal/ingest"
)

// ─── Test doubles ───────────────────────────────────────────────────

type publication struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

type fakeMQTT struct {
	mu         sync.Mutex
	publishErr error
	published  []publication
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publication{
		topic:    topic,
		payload:  string(payload),
		qos:      qos,
		retained: retained,
	})
	return nil
}

func (f *fakeMQTT) all() []publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publication, len(f.published))
	copy(out, f.published)
	return out
}

type outcomeCall struct {
	identifier string
	channel    int
	kind       string
	outcome    string
	reason     string
}

type fakeInflux struct {
	mu          sync.Mutex
	outcomes    []outcomeCall
	rejections  []string // "source|category"
	transitions []string // "identifier:previous>current"
}

func (f *fakeInflux) WriteChannelOutcome(identifier string, channel int, kind, outcome, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcomeCall{identifier, channel, kind, outcome, reason})
}

func (f *fakeInflux) WriteRequestRejection(source, category string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, source+"|"+category)
}

func (f *fakeInflux) WriteHealthTransition(identifier, previous, current string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, identifier+":"+previous+">"+current)
}

type captureLogger struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (l *captureLogger) Debug(string, ...any) {}
func (l *captureLogger) Info(string, ...any)  {}

func (l *captureLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warnings = append(l.warnings, msg)
	l.mu.Unlock()
}

func (l *captureLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func testResult() ingest.ChannelResult {
	return ingest.ChannelResult{
		Index:           0,
		Kind:            device.ChannelKindColdWater,
		Outcome:         device.ReconcileAccepted,
		Delta:           60,
		Applied:         30.0,
		RawCounter:      1060,
		RolloverCount:   0,
		CumulativeValue: 30.0,
		At:              time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func newTestPublisher(t *testing.T, m *fakeMQTT, i *fakeInflux) *Publisher {
	t.Helper()
	opts := Options{Topics: mqtt.Topics{}}
	if m != nil {
		opts.MQTT = m
	}
	if i != nil {
		opts.Influx = i
	}
	p, err := NewPublisher(opts)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	return p
}

// ─── Constructor ────────────────────────────────────────────────────

func TestNewPublisher_RequiresSink(t *testing.T) {
	_, err := NewPublisher(Options{})
	if err == nil {
		t.Fatal("NewPublisher() should fail with no sinks")
	}
	if !strings.Contains(err.Error(), "sink") {
		t.Errorf("error should mention sinks, got %q", err.Error())
	}
}

func TestNewPublisher_DefaultQoS(t *testing.T) {
	m := &fakeMQTT{}
	p := newTestPublisher(t, m, nil)

	p.DeviceCreated(device.Record{Identifier: "E8:DB:84:00:AA:01"})

	pubs := m.all()
	if len(pubs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pubs))
	}
	if pubs[0].qos != 1 {
		t.Errorf("qos = %d, want default 1", pubs[0].qos)
	}
}

// ─── Reading publication ────────────────────────────────────────────

func TestReadingReconciled(t *testing.T) {
	m := &fakeMQTT{}
	i := &fakeInflux{}
	p := newTestPublisher(t, m, i)

	p.ReadingReconciled("E8:DB:84:00:AA:01", testResult())

	pubs := m.all()
	if len(pubs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pubs))
	}

	pub := pubs[0]
	if pub.topic != "pulsegate/reading/E8:DB:84:00:AA:01/0" {
		t.Errorf("topic = %q, want %q", pub.topic, "pulsegate/reading/E8:DB:84:00:AA:01/0")
	}
	if !pub.retained {
		t.Error("reading should be retained")
	}

	var msg ReadingMessage
	if err := json.Unmarshal([]byte(pub.payload), &msg); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if msg.Identifier != "E8:DB:84:00:AA:01" {
		t.Errorf("Identifier = %q, want %q", msg.Identifier, "E8:DB:84:00:AA:01")
	}
	if msg.Channel != 0 {
		t.Errorf("Channel = %d, want 0", msg.Channel)
	}
	if msg.Kind != "cold_water" {
		t.Errorf("Kind = %q, want %q", msg.Kind, "cold_water")
	}
	if msg.Outcome != "accepted" {
		t.Errorf("Outcome = %q, want %q", msg.Outcome, "accepted")
	}
	if msg.CumulativeValue != 30.0 {
		t.Errorf("CumulativeValue = %v, want 30.0", msg.CumulativeValue)
	}
	if msg.RawCounter != 1060 {
		t.Errorf("RawCounter = %d, want 1060", msg.RawCounter)
	}

	// Outcome event recorded without a reason
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(i.outcomes))
	}
	oc := i.outcomes[0]
	if oc.outcome != "accepted" || oc.reason != "" {
		t.Errorf("outcome = %q reason = %q, want accepted with no reason", oc.outcome, oc.reason)
	}
}

func TestReadingReconciled_MQTTOnly(t *testing.T) {
	m := &fakeMQTT{}
	p := newTestPublisher(t, m, nil)

	p.ReadingReconciled("E8:DB:84:00:AA:01", testResult())

	if len(m.all()) != 1 {
		t.Error("reading should publish without an Influx sink")
	}
}

func TestReadingReconciled_PublishFailureDoesNotPanic(t *testing.T) {
	m := &fakeMQTT{publishErr: errors.New("broker gone")}
	i := &fakeInflux{}
	p := newTestPublisher(t, m, i)

	logger := &captureLogger{}
	p.SetLogger(logger)

	p.ReadingReconciled("E8:DB:84:00:AA:01", testResult())

	logger.mu.Lock()
	warned := len(logger.warnings)
	logger.mu.Unlock()
	if warned == 0 {
		t.Error("publish failure should be logged")
	}

	// The observability write still happens
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.outcomes) != 1 {
		t.Error("influx write should survive an MQTT failure")
	}
}

// ─── Rejections ─────────────────────────────────────────────────────

func TestChannelRejected_LeavesReadingTopicUntouched(t *testing.T) {
	m := &fakeMQTT{}
	i := &fakeInflux{}
	p := newTestPublisher(t, m, i)

	res := testResult()
	res.Outcome = device.ReconcileRejected
	res.Reason = device.RejectUnexplainedDecrease
	p.ChannelRejected("E8:DB:84:00:AA:01", res)

	if len(m.all()) != 0 {
		t.Error("rejection must not publish to the retained reading topic")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(i.outcomes))
	}
	if i.outcomes[0].reason != "unexplained_decrease" {
		t.Errorf("reason = %q, want %q", i.outcomes[0].reason, "unexplained_decrease")
	}
}

func TestRequestRejected(t *testing.T) {
	m := &fakeMQTT{}
	i := &fakeInflux{}
	p := newTestPublisher(t, m, i)

	p.RequestRejected("10.40.8.12:49221", "oversized", "declared 9000 bytes")

	if len(m.all()) != 0 {
		t.Error("request rejection has no MQTT representation")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.rejections) != 1 || i.rejections[0] != "10.40.8.12:49221|oversized" {
		t.Errorf("rejections = %v, want one oversized entry", i.rejections)
	}
}

// ─── Device lifecycle ───────────────────────────────────────────────

func TestDeviceLifecycleTopics(t *testing.T) {
	m := &fakeMQTT{}
	p := newTestPublisher(t, m, nil)

	rec := device.Record{Identifier: "E8:DB:84:00:AA:01"}
	p.DeviceCreated(rec)
	p.DeviceRegistered(rec)

	pubs := m.all()
	if len(pubs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pubs))
	}

	wantTopic := "pulsegate/device/E8:DB:84:00:AA:01/registration"
	for _, pub := range pubs {
		if pub.topic != wantTopic {
			t.Errorf("topic = %q, want %q", pub.topic, wantTopic)
		}
		if !pub.retained {
			t.Error("registration state should be retained")
		}
	}

	if pubs[0].payload != RegistrationPending {
		t.Errorf("created payload = %q, want %q", pubs[0].payload, RegistrationPending)
	}
	if pubs[1].payload != RegistrationRegistered {
		t.Errorf("registered payload = %q, want %q", pubs[1].payload, RegistrationRegistered)
	}
}

func TestHealthChanged(t *testing.T) {
	tests := []struct {
		name        string
		health      device.HealthStatus
		previous    device.HealthStatus
		wantPayload string
		wantPublish bool
	}{
		{"comes online", device.HealthOnline, device.HealthUnknown, StatusOnline, true},
		{"goes offline", device.HealthOffline, device.HealthOnline, StatusOffline, true},
		{"recovers", device.HealthOnline, device.HealthOffline, StatusOnline, true},
		{"unknown has no wire form", device.HealthUnknown, device.HealthOnline, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMQTT{}
			i := &fakeInflux{}
			p := newTestPublisher(t, m, i)

			rec := device.Record{Identifier: "E8:DB:84:00:AA:01", HealthStatus: tt.health}
			p.HealthChanged(rec, tt.previous)

			pubs := m.all()
			if tt.wantPublish {
				if len(pubs) != 1 {
					t.Fatalf("published %d messages, want 1", len(pubs))
				}
				if pubs[0].topic != "pulsegate/device/E8:DB:84:00:AA:01/status" {
					t.Errorf("topic = %q, want status topic", pubs[0].topic)
				}
				if pubs[0].payload != tt.wantPayload {
					t.Errorf("payload = %q, want %q", pubs[0].payload, tt.wantPayload)
				}
				if !pubs[0].retained {
					t.Error("status should be retained")
				}
			} else if len(pubs) != 0 {
				t.Errorf("published %d messages, want none", len(pubs))
			}

			// The transition is always recorded
			i.mu.Lock()
			transitions := len(i.transitions)
			i.mu.Unlock()
			if transitions != 1 {
				t.Errorf("recorded %d transitions, want 1", transitions)
			}
		})
	}
}

// ─── Sink independence ──────────────────────────────────────────────

func TestPublisher_InfluxOnly(t *testing.T) {
	i := &fakeInflux{}
	p := newTestPublisher(t, nil, i)

	// None of these may touch the nil MQTT sink
	p.ReadingReconciled("E8:DB:84:00:AA:01", testResult())
	p.ChannelRejected("E8:DB:84:00:AA:01", testResult())
	p.RequestRejected("10.0.0.1:1000", "malformed", "")
	p.DeviceCreated(device.Record{Identifier: "E8:DB:84:00:AA:01"})
	p.DeviceRegistered(device.Record{Identifier: "E8:DB:84:00:AA:01"})
	p.HealthChanged(device.Record{
		Identifier:   "E8:DB:84:00:AA:01",
		HealthStatus: device.HealthOnline,
	}, device.HealthUnknown)

	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.outcomes) != 2 {
		t.Errorf("recorded %d outcomes, want 2", len(i.outcomes))
	}
	if len(i.rejections) != 1 {
		t.Errorf("recorded %d rejections, want 1", len(i.rejections))
	}
	if len(i.transitions) != 1 {
		t.Errorf("recorded %d transitions, want 1", len(i.transitions))
	}
}

func TestPublisher_CustomPrefix(t *testing.T) {
	m := &fakeMQTT{}
	p, err := NewPublisher(Options{
		MQTT:   m,
		Topics: mqtt.Topics{Prefix: "site-b/metering"},
	})
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	p.ReadingReconciled("E8:DB:84:00:AA:01", testResult())

	pubs := m.all()
	if len(pubs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pubs))
	}
	if want := "site-b/metering/reading/E8:DB:84:00:AA:01/0"; pubs[0].topic != want {
		t.Errorf("topic = %q, want %q", pubs[0].topic, want)
	}
}
