package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "iotdash-test",
		},
		QoS: 0,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q, want tcp://127.0.0.1:1883", got)
	}
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL() = %q, want ssl://127.0.0.1:8883", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "device"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if opts.ClientID != "iotdash-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "iotdash-test")
	}
	if opts.Username != "device" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want device/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if !opts.AutoReconnect || !opts.ConnectRetry {
		t.Error("auto reconnect should be enabled by default")
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLS should not be configured for plain tcp")
	}
}

func TestBuildClientOptions_ReconnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.Disabled = true

	opts := buildClientOptions(cfg)

	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false when disabled")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false when disabled")
	}
}

func TestValidatePublish(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"valid", "iot/dashboard/dev/control", []byte(`{}`), 0, nil},
		{"nil payload", "iot/dashboard/dev/control", nil, 1, nil},
		{"empty topic", "", []byte(`{}`), 0, ErrInvalidTopic},
		{"invalid qos", "t", []byte(`{}`), 3, ErrInvalidQoS},
		{"oversized", "t", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePublish(tt.topic, tt.payload, tt.qos)
			if tt.wantErr == nil && err != nil {
				t.Errorf("validatePublish() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("validatePublish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnconnectedClient(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if c.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}
	if err := c.Publish("t", []byte("x"), 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	noop := func(string, []byte) error { return nil }
	if err := c.Subscribe("t", 0, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("t", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil) error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if c.SubscriptionCount() != 0 || c.HasSubscription("t") {
		t.Error("failed subscribe should not be tracked")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (&Client{}).HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestDeliver(t *testing.T) {
	logger := &recordingLogger{}

	deliver(logger, func(string, []byte) error { return errors.New("bad payload") }, "t", nil)
	deliver(logger, func(string, []byte) error { panic("boom") }, "t", nil)

	var got []byte
	deliver(logger, func(_ string, p []byte) error { got = p; return nil }, "t", []byte("ok"))

	if len(logger.warns) != 1 {
		t.Errorf("warns = %d, want 1", len(logger.warns))
	}
	if len(logger.errs) != 1 {
		t.Errorf("errors = %d, want 1 (recovered panic)", len(logger.errs))
	}
	if string(got) != "ok" {
		t.Errorf("handler payload = %q, want ok", got)
	}

	// A nil logger must not turn a handler panic into a crash.
	deliver(nil, func(string, []byte) error { panic("boom") }, "t", nil)
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1
	cfg.Reconnect.Disabled = true

	_, err := Connect(context.Background(), cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}
