// Package emitter publishes capture notices and health snapshots to MQTT.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/sensegate/internal/config"
	"github.com/e7canasta/sensegate/internal/types"
)

// SampleNotice is the wire form of one capture announcement. Metadata only:
// payloads stay in-process, downstream sinks own the data path.
type SampleNotice struct {
	InstanceID string    `json:"instance_id"`
	DeviceID   string    `json:"device_id"`
	Seq        uint64    `json:"seq"`
	SizeBytes  int       `json:"size_bytes"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id"`
}

// MQTTEmitter publishes to the MQTT broker.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for the control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter; Connect must be called before use.
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with auto-reconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

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

// PublishSample announces one captured sample on the samples topic.
// Publish failures are transient: counted and logged, never escalated.
func (e *MQTTEmitter) PublishSample(s *types.CapturedSample) {
	notice := SampleNotice{
		InstanceID: e.cfg.InstanceID,
		DeviceID:   s.DeviceID,
		Seq:        s.Seq,
		SizeBytes:  len(s.Payload),
		Timestamp:  s.Timestamp,
		TraceID:    s.TraceID,
	}
	e.publish(e.cfg.MQTT.Topics.Samples, e.cfg.MQTT.QoS["samples"], notice)
}

// PublishHealth publishes a health snapshot on the health topic.
func (e *MQTTEmitter) PublishHealth(snapshot any) {
	e.publish(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], snapshot)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload any) {
	if e.Client == nil || !e.Client.IsConnected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Debug("mqtt publish skipped, not connected", "topic", topic)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Error("failed to marshal mqtt payload", "topic", topic, "error", err)
		return
	}

	token := e.Client.Publish(topic, qos, false, data)
	// Fire and forget with bounded wait: publishing must never stall the
	// caller; a timed-out token counts as an error.
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			e.mu.Lock()
			e.errors++
			e.mu.Unlock()
			slog.Warn("mqtt publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			e.mu.Lock()
			e.errors++
			e.mu.Unlock()
			slog.Warn("mqtt publish failed", "topic", topic, "error", err)
			return
		}
		e.mu.Lock()
		e.published[topic]++
		e.mu.Unlock()
	}()
}

// IsConnected reports the broker connection state.
func (e *MQTTEmitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.Client != nil && e.Client.IsConnected()
}

// Stats returns per-topic publish counts and the error count.
func (e *MQTTEmitter) Stats() (published map[string]uint64, errors uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published = make(map[string]uint64, len(e.published))
	for topic, n := range e.published {
		published[topic] = n
	}
	return published, e.errors
}

// Disconnect closes the broker connection. Idempotent.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client == nil {
		return nil
	}
	if e.Client.IsConnected() {
		e.Client.Disconnect(250)
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	slog.Info("mqtt disconnected")
	return nil
}
