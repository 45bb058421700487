package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var knownSampleFormats = map[string]bool{
	"S16LE": true,
	"S24LE": true,
	"S32LE": true,
	"F32LE": true,
}

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if !cfg.Camera.Enabled && !cfg.Microphone.Enabled {
		return fmt.Errorf("at least one controller must be enabled")
	}

	if cfg.Camera.Enabled {
		if cfg.Camera.DeviceID == "" {
			return fmt.Errorf("camera.device_id is required")
		}
		if cfg.Camera.Width <= 0 {
			cfg.Camera.Width = 640
		}
		if cfg.Camera.Height <= 0 {
			cfg.Camera.Height = 480
		}
	}

	if cfg.Microphone.Enabled {
		if cfg.Microphone.SampleRate <= 0 {
			cfg.Microphone.SampleRate = 16000
		}
		if cfg.Microphone.ChannelCount <= 0 {
			cfg.Microphone.ChannelCount = 1
		}
		if cfg.Microphone.SampleFormat == "" {
			cfg.Microphone.SampleFormat = "S16LE"
		}
		if !knownSampleFormats[cfg.Microphone.SampleFormat] {
			return fmt.Errorf("microphone.sample_format %q not supported", cfg.Microphone.SampleFormat)
		}
	}

	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("sense/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Samples == "" {
		cfg.MQTT.Topics.Samples = fmt.Sprintf("sense/samples/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("sense/health/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"samples": 0,
			"health":  0,
		}
	}

	if cfg.Health.Port == "" {
		cfg.Health.Port = "8080"
	}

	return nil
}
