package publish

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pulsegate-core/internal/ingest"
)

// MessagePublisher is the MQTT surface the publisher needs.
// Satisfied by *mqtt.Client.
type MessagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// OutcomeWriter is the InfluxDB surface the publisher needs.
// Satisfied by *influxdb.Client.
type OutcomeWriter interface {
	WriteChannelOutcome(identifier string, channel int, kind, outcome, reason string)
	WriteRequestRejection(source, category string)
	WriteHealthTransition(identifier, previous, current string)
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultQoS is used when options leave the QoS unset.
const defaultQoS byte = 1

// Options holds configuration for creating a publisher.
type Options struct {
	// MQTT is the broker client. Optional; nil skips MQTT publication.
	MQTT MessagePublisher

	// Influx is the observability sink. Optional; nil skips it.
	Influx OutcomeWriter

	// Topics builds the MQTT topic tree. The zero value uses the
	// default prefix.
	Topics mqtt.Topics

	// QoS applies to every MQTT publication. Zero means QoS 1.
	QoS byte

	// Logger receives sink failures. Optional.
	Logger Logger
}

// Publisher fans ingestion events out to the configured sinks.
type Publisher struct {
	mqtt   MessagePublisher
	influx OutcomeWriter
	topics mqtt.Topics
	qos    byte

	logger   Logger
	loggerMu sync.RWMutex
}

var _ ingest.Notifier = (*Publisher)(nil)

// NewPublisher creates a publisher from options.
// At least one sink must be configured; with neither there is nothing
// to publish and the caller should use ingest.NopNotifier instead.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.MQTT == nil && opts.Influx == nil {
		return nil, errors.New("publish: at least one sink is required")
	}

	qos := opts.QoS
	if qos == 0 {
		qos = defaultQoS
	}

	return &Publisher{
		mqtt:   opts.MQTT,
		influx: opts.Influx,
		topics: opts.Topics,
		qos:    qos,
		logger: opts.Logger,
	}, nil
}

// ReadingReconciled publishes committed channel state to the retained
// reading topic and records the outcome event.
func (p *Publisher) ReadingReconciled(identifier string, result ingest.ChannelResult) {
	if p.mqtt != nil {
		msg := NewReadingMessage(identifier, result)
		payload, err := json.Marshal(msg)
		if err != nil {
			p.logError("failed to marshal reading", err)
		} else {
			topic := p.topics.ChannelReading(identifier, result.Index)
			if err := p.mqtt.Publish(topic, payload, p.qos, true); err != nil {
				p.logWarn("failed to publish reading",
					"topic", topic, "error", err.Error())
			}
		}
	}

	if p.influx != nil {
		p.influx.WriteChannelOutcome(identifier, result.Index,
			string(result.Kind), string(result.Outcome), "")
	}
}

// ChannelRejected records the rejection event. The retained reading
// topic is left untouched: it reflects committed state only.
func (p *Publisher) ChannelRejected(identifier string, result ingest.ChannelResult) {
	if p.influx != nil {
		p.influx.WriteChannelOutcome(identifier, result.Index,
			string(result.Kind), string(result.Outcome), string(result.Reason))
	}
}

// RequestRejected records a request that never reached device state.
func (p *Publisher) RequestRejected(source, category, detail string) {
	if p.influx != nil {
		p.influx.WriteRequestRejection(source, category)
	}

	p.logDebug("request rejected",
		"source", source, "category", category, "detail", detail)
}

// DeviceCreated publishes the new device's registration state.
func (p *Publisher) DeviceCreated(rec device.Record) {
	p.publishRegistration(rec.Identifier, RegistrationPending)
}

// DeviceRegistered publishes the promotion to registered.
func (p *Publisher) DeviceRegistered(rec device.Record) {
	p.publishRegistration(rec.Identifier, RegistrationRegistered)
}

// HealthChanged publishes the device's liveness and records the
// transition.
func (p *Publisher) HealthChanged(rec device.Record, previous device.HealthStatus) {
	if p.mqtt != nil {
		if payload, ok := statusPayload(rec.HealthStatus); ok {
			topic := p.topics.DeviceStatus(rec.Identifier)
			if err := p.mqtt.Publish(topic, []byte(payload), p.qos, true); err != nil {
				p.logWarn("failed to publish device status",
					"topic", topic, "error", err.Error())
			}
		}
	}

	if p.influx != nil {
		p.influx.WriteHealthTransition(rec.Identifier,
			string(previous), string(rec.HealthStatus))
	}
}

func (p *Publisher) publishRegistration(identifier, state string) {
	if p.mqtt == nil {
		return
	}

	topic := p.topics.DeviceRegistration(identifier)
	if err := p.mqtt.Publish(topic, []byte(state), p.qos, true); err != nil {
		p.logWarn("failed to publish registration state",
			"topic", topic, "error", err.Error())
	}
}

// statusPayload maps a health status to its wire payload. Unknown
// health has no wire representation; the status topic only ever says
// online or offline.
func statusPayload(h device.HealthStatus) (string, bool) {
	switch h {
	case device.HealthOnline:
		return StatusOnline, true
	case device.HealthOffline:
		return StatusOffline, true
	default:
		return "", false
	}
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Publisher) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

func (p *Publisher) logDebug(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (p *Publisher) logWarn(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (p *Publisher) logError(msg string, err error) {
	if logger := p.getLogger(); logger != nil {
		logger.Error(msg, "error", err.Error())
	}
}
