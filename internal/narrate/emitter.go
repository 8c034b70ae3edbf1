package narrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Description is the record of one narrated cycle, published so
// companion apps can display what was spoken.
type Description struct {
	InstanceID string   `json:"instance_id"`
	Text       string   `json:"text"`
	Labels     []string `json:"labels"`
	TraceID    string   `json:"trace_id"`
	Timestamp  string   `json:"timestamp"`
}

// EmitterConfig configures the MQTT emitter.
type EmitterConfig struct {
	Broker      string
	ClientID    string
	Topic       string
	QoS         byte
	HealthTopic string
	HealthQoS   byte
}

// Emitter publishes descriptions and health payloads to the MQTT
// broker. It owns the broker connection; the control plane and the
// identity feed share its client.
type Emitter struct {
	cfg    EmitterConfig
	Client mqtt.Client // Exported for control plane and identity feed

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// NewEmitter creates an MQTT emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	return &Emitter{cfg: cfg}
}

// Connect establishes connection to the MQTT broker
func (e *Emitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Publish publishes one description to the descriptions topic.
func (e *Emitter) Publish(desc Description) error {
	if e.Client == nil || !e.Client.IsConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal description: %w", err)
	}

	token := e.Client.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("description published",
		"topic", e.cfg.Topic,
		"trace_id", desc.TraceID,
		"size", len(payload),
	)
	return nil
}

// PublishHealth publishes a health payload.
func (e *Emitter) PublishHealth(payload []byte) error {
	if e.Client == nil || !e.Client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(e.cfg.HealthTopic, e.cfg.HealthQoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Disconnect closes the MQTT connection
func (e *Emitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Connected reports broker connectivity for health checks.
func (e *Emitter) Connected() bool {
	return e.Client != nil && e.Client.IsConnected()
}

// Stats returns publish counters.
func (e *Emitter) Stats() (published, errors uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published, e.errors
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
