// Package config loads and validates the sensegate YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete sensegate configuration.
type Config struct {
	InstanceID       string           `yaml:"instance_id"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	SampleTap        bool             `yaml:"sample_tap"`         // Log each capture from a pull-based consumer (latest-wins under load)
	Camera           CameraConfig     `yaml:"camera"`
	Microphone       MicrophoneConfig `yaml:"microphone"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
	Health           HealthConfig     `yaml:"health"`
}

// CameraConfig configures the periodic (camera) controller.
type CameraConfig struct {
	Enabled             bool   `yaml:"enabled"`
	DeviceID            string `yaml:"device_id"`             // v4l2 path, or "mock" for the synthetic device
	Width               int    `yaml:"width"`
	Height              int    `yaml:"height"`
	RequestedIntervalMS int    `yaml:"requested_interval_ms"` // <= 0 means unspecified (device-native rate)
	FastMode            bool   `yaml:"fast_mode"`             // trigger-only capture, no recurring schedule
	ActiveAtStartup     bool   `yaml:"active_at_startup"`
	Debug               bool   `yaml:"debug"`
}

// RequestedInterval returns the requested period as a duration.
func (c CameraConfig) RequestedInterval() time.Duration {
	return time.Duration(c.RequestedIntervalMS) * time.Millisecond
}

// MicrophoneConfig configures the streaming (microphone) controller.
type MicrophoneConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DeviceID        string `yaml:"device_id"` // ALSA device, "" for default, "mock" for the synthetic device
	SampleRate      int    `yaml:"sample_rate"`
	ChannelCount    int    `yaml:"channel_count"`
	BufferSize      int    `yaml:"buffer_size"`
	SampleFormat    string `yaml:"sample_format"`
	ActiveAtStartup bool   `yaml:"active_at_startup"`
	Debug           bool   `yaml:"debug"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates.
type MQTTTopics struct {
	Control string `yaml:"control"`
	Samples string `yaml:"samples"`
	Health  string `yaml:"health"`
}

// HealthConfig contains the HTTP health endpoint settings.
type HealthConfig struct {
	Port string `yaml:"port"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
