package mqtt

import (
	"errors"
	"strings"
	"sync"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/pulsegate-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "pulsegate-test",
			TLS:      false,
		},
		TopicPrefix: "pulsegate",
		QoS:         1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// disconnectedClient builds a client that never touched a broker, for
// exercising the validation paths.
func disconnectedClient() *Client {
	return &Client{
		cfg:           testConfig(),
		topics:        Topics{Prefix: "pulsegate"},
		subscriptions: make(map[string]subscription),
	}
}

// mockLogger implements Logger for handler logging tests.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// fakeMessage implements pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() string
		expected string
	}{
		{
			name: "ChannelReading",
			builder: func() string {
				return Topics{}.ChannelReading("E8:DB:84:00:AA:BB", 0)
			},
			expected: "pulsegate/reading/E8:DB:84:00:AA:BB/0",
		},
		{
			name: "ChannelReading second channel",
			builder: func() string {
				return Topics{}.ChannelReading("WTR-0042", 1)
			},
			expected: "pulsegate/reading/WTR-0042/1",
		},
		{
			name: "DeviceStatus",
			builder: func() string {
				return Topics{}.DeviceStatus("E8:DB:84:00:AA:BB")
			},
			expected: "pulsegate/device/E8:DB:84:00:AA:BB/status",
		},
		{
			name: "DeviceRegistration",
			builder: func() string {
				return Topics{}.DeviceRegistration("E8:DB:84:00:AA:BB")
			},
			expected: "pulsegate/device/E8:DB:84:00:AA:BB/registration",
		},
		{
			name: "CoreStatus",
			builder: func() string {
				return Topics{}.CoreStatus()
			},
			expected: "pulsegate/status",
		},
		{
			name: "AllChannelReadings",
			builder: func() string {
				return Topics{}.AllChannelReadings()
			},
			expected: "pulsegate/reading/+/+",
		},
		{
			name: "AllDeviceStatuses",
			builder: func() string {
				return Topics{}.AllDeviceStatuses()
			},
			expected: "pulsegate/device/+/status",
		},
		{
			name: "AllDeviceRegistrations",
			builder: func() string {
				return Topics{}.AllDeviceRegistrations()
			},
			expected: "pulsegate/device/+/registration",
		},
		{
			name: "AllTopics",
			builder: func() string {
				return Topics{}.AllTopics()
			},
			expected: "pulsegate/#",
		},
		{
			name: "custom prefix",
			builder: func() string {
				return Topics{Prefix: "site-b/metering"}.ChannelReading("WTR-0042", 0)
			},
			expected: "site-b/metering/reading/WTR-0042/0",
		},
		{
			name: "custom prefix core status",
			builder: func() string {
				return Topics{Prefix: "site-b/metering"}.CoreStatus()
			},
			expected: "site-b/metering/status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.builder()
			if result != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, result, tt.expected)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	t.Run("plain tcp broker", func(t *testing.T) {
		opts := buildClientOptions(testConfig())

		if len(opts.Servers) != 1 {
			t.Fatalf("len(Servers) = %d, want 1", len(opts.Servers))
		}
		if got := opts.Servers[0].String(); got != "tcp://127.0.0.1:1883" {
			t.Errorf("broker URL = %q, want tcp://127.0.0.1:1883", got)
		}
		if opts.ClientID != "pulsegate-test" {
			t.Errorf("ClientID = %q, want pulsegate-test", opts.ClientID)
		}
		if !opts.CleanSession {
			t.Error("CleanSession = false, want true")
		}
		if !opts.AutoReconnect {
			t.Error("AutoReconnect = false, want true")
		}
		if !opts.ConnectRetry {
			t.Error("ConnectRetry = false, want true")
		}
	})

	t.Run("tls broker", func(t *testing.T) {
		cfg := testConfig()
		cfg.Broker.TLS = true
		cfg.Broker.Port = 8883

		opts := buildClientOptions(cfg)

		if got := opts.Servers[0].String(); !strings.HasPrefix(got, "ssl://") {
			t.Errorf("broker URL = %q, want ssl:// scheme", got)
		}
		if opts.TLSConfig == nil {
			t.Fatal("TLSConfig = nil, want configured")
		}
		if opts.TLSConfig.MinVersion != tlsMinVersion {
			t.Errorf("TLS MinVersion = %d, want %d", opts.TLSConfig.MinVersion, tlsMinVersion)
		}
	})

	t.Run("credentials", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.Username = "pulsegate"
		cfg.Auth.Password = "secret"

		opts := buildClientOptions(cfg)

		if opts.Username != "pulsegate" {
			t.Errorf("Username = %q, want pulsegate", opts.Username)
		}
		if opts.Password != "secret" {
			t.Errorf("Password = %q, want secret", opts.Password)
		}
	})

	t.Run("anonymous leaves credentials empty", func(t *testing.T) {
		opts := buildClientOptions(testConfig())

		if opts.Username != "" {
			t.Errorf("Username = %q, want empty", opts.Username)
		}
	})
}

func TestConfigureLWT(t *testing.T) {
	opts := pahomqtt.NewClientOptions()
	configureLWT(opts, Topics{Prefix: "metering"})

	if !opts.WillEnabled {
		t.Error("WillEnabled = false, want true")
	}
	if opts.WillTopic != "metering/status" {
		t.Errorf("WillTopic = %q, want metering/status", opts.WillTopic)
	}
	if string(opts.WillPayload) != "offline" {
		t.Errorf("WillPayload = %q, want offline", opts.WillPayload)
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}
	if opts.WillQos != 1 {
		t.Errorf("WillQos = %d, want 1", opts.WillQos)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestPublishValidation(t *testing.T) {
	client := disconnectedClient()

	t.Run("empty topic", func(t *testing.T) {
		err := client.Publish("", []byte("x"), 1, false)
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Publish() error = %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("invalid qos", func(t *testing.T) {
		err := client.Publish("pulsegate/status", []byte("x"), 3, false)
		if !errors.Is(err, ErrInvalidQoS) {
			t.Errorf("Publish() error = %v, want ErrInvalidQoS", err)
		}
	})

	t.Run("oversized payload", func(t *testing.T) {
		err := client.Publish("pulsegate/status", make([]byte, maxPayloadSize+1), 1, false)
		if !errors.Is(err, ErrPublishFailed) {
			t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		err := client.Publish("pulsegate/status", []byte("x"), 1, false)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Publish() error = %v, want ErrNotConnected", err)
		}
	})
}

func TestSubscribeValidation(t *testing.T) {
	client := disconnectedClient()
	handler := func(string, []byte) error { return nil }

	t.Run("empty topic", func(t *testing.T) {
		err := client.Subscribe("", 1, handler)
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Subscribe() error = %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("invalid qos", func(t *testing.T) {
		err := client.Subscribe("pulsegate/reading/+/+", 3, handler)
		if !errors.Is(err, ErrInvalidQoS) {
			t.Errorf("Subscribe() error = %v, want ErrInvalidQoS", err)
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		err := client.Subscribe("pulsegate/reading/+/+", 1, nil)
		if !errors.Is(err, ErrSubscribeFailed) {
			t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		err := client.Subscribe("pulsegate/reading/+/+", 1, handler)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
		}
		if client.HasSubscription("pulsegate/reading/+/+") {
			t.Error("failed subscribe must not be tracked")
		}
	})
}

func TestUnsubscribeValidation(t *testing.T) {
	client := disconnectedClient()

	t.Run("empty topic", func(t *testing.T) {
		err := client.Unsubscribe("")
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Unsubscribe() error = %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		err := client.Unsubscribe("pulsegate/reading/+/+")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
		}
	})
}

func TestSubscriptionTracking(t *testing.T) {
	client := disconnectedClient()

	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
	if client.HasSubscription("pulsegate/reading/+/+") {
		t.Error("HasSubscription() = true for empty client")
	}
}

func TestSetLogger(t *testing.T) {
	client := disconnectedClient()

	logger := &mockLogger{}
	client.SetLogger(logger)
	if client.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}

	client.SetLogger(nil)
	if client.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}

func TestWrapHandler(t *testing.T) {
	t.Run("recovers panic and logs it", func(t *testing.T) {
		client := disconnectedClient()
		logger := &mockLogger{}
		client.SetLogger(logger)

		wrapped := client.wrapHandler(func(string, []byte) error {
			panic("handler exploded")
		})

		// Must not propagate the panic
		wrapped(nil, fakeMessage{topic: "pulsegate/reading/WTR-0042/0", payload: []byte("{}")})

		logger.mu.Lock()
		defer logger.mu.Unlock()
		if len(logger.errors) != 1 {
			t.Fatalf("logged errors = %d, want 1", len(logger.errors))
		}
	})

	t.Run("recovers panic without logger", func(t *testing.T) {
		client := disconnectedClient()

		wrapped := client.wrapHandler(func(string, []byte) error {
			panic("handler exploded")
		})

		wrapped(nil, fakeMessage{topic: "pulsegate/reading/WTR-0042/0"})
	})

	t.Run("logs handler errors as warnings", func(t *testing.T) {
		client := disconnectedClient()
		logger := &mockLogger{}
		client.SetLogger(logger)

		wrapped := client.wrapHandler(func(string, []byte) error {
			return errors.New("decode failed")
		})

		wrapped(nil, fakeMessage{topic: "pulsegate/device/WTR-0042/status", payload: []byte("online")})

		logger.mu.Lock()
		defer logger.mu.Unlock()
		if len(logger.warns) != 1 {
			t.Fatalf("logged warnings = %d, want 1", len(logger.warns))
		}
		if len(logger.errors) != 0 {
			t.Errorf("logged errors = %d, want 0", len(logger.errors))
		}
	})

	t.Run("passes topic and payload through", func(t *testing.T) {
		client := disconnectedClient()

		var gotTopic, gotPayload string
		wrapped := client.wrapHandler(func(topic string, payload []byte) error {
			gotTopic = topic
			gotPayload = string(payload)
			return nil
		})

		wrapped(nil, fakeMessage{topic: "pulsegate/status", payload: []byte("online")})

		if gotTopic != "pulsegate/status" {
			t.Errorf("topic = %q, want pulsegate/status", gotTopic)
		}
		if gotPayload != "online" {
			t.Errorf("payload = %q, want online", gotPayload)
		}
	})
}
