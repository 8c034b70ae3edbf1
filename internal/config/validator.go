package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Defaults applied by Validate when fields are unset.
const (
	DefaultDetectionIntervalMS = 4000
	DefaultMinConfidence       = 0.5
	DefaultMaxObjects          = 5
	DefaultDebounceMS          = 100
	DefaultDetectorTimeoutS    = 10
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Validate engine config
	if cfg.Engine.DetectionIntervalMS < 0 {
		return fmt.Errorf("engine.detection_interval_ms must be >= 0")
	}
	if cfg.Engine.DetectionIntervalMS == 0 {
		cfg.Engine.DetectionIntervalMS = DefaultDetectionIntervalMS
	}
	if cfg.Engine.MinConfidence < 0 || cfg.Engine.MinConfidence > 1 {
		return fmt.Errorf("engine.min_confidence must be in [0,1]")
	}
	if cfg.Engine.MinConfidence == 0 {
		cfg.Engine.MinConfidence = DefaultMinConfidence
	}
	if cfg.Engine.MaxObjects < 0 {
		return fmt.Errorf("engine.max_objects must be >= 0")
	}
	if cfg.Engine.MaxObjects == 0 {
		cfg.Engine.MaxObjects = DefaultMaxObjects
	}

	// Validate detector config
	if cfg.Detector.PrimaryEndpoint == "" {
		return fmt.Errorf("detector.primary_endpoint is required")
	}
	if cfg.Detector.FallbackEndpoint == "" {
		// A single-backend deployment retries on the same endpoint
		cfg.Detector.FallbackEndpoint = cfg.Detector.PrimaryEndpoint
	}
	if cfg.Detector.TimeoutS <= 0 {
		cfg.Detector.TimeoutS = DefaultDetectorTimeoutS
	}

	// Validate speech config
	if cfg.Speech.Rate == 0 {
		cfg.Speech.Rate = 1.0
	}
	if cfg.Speech.Rate < 0.5 || cfg.Speech.Rate > 2.0 {
		return fmt.Errorf("speech.rate must be in [0.5,2.0]")
	}
	if cfg.Speech.Pitch == 0 {
		cfg.Speech.Pitch = 1.0
	}
	if cfg.Speech.Pitch < 0.5 || cfg.Speech.Pitch > 2.0 {
		return fmt.Errorf("speech.pitch must be in [0.5,2.0]")
	}
	if cfg.Speech.Volume == 0 {
		cfg.Speech.Volume = 1.0
	}
	if cfg.Speech.Volume < 0 || cfg.Speech.Volume > 1.0 {
		return fmt.Errorf("speech.volume must be in [0,1]")
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = "en-US"
	}
	if cfg.Speech.DebounceMS == 0 {
		cfg.Speech.DebounceMS = DefaultDebounceMS
	}

	// Validate camera config
	if cfg.Camera.FPS < 0 {
		return fmt.Errorf("camera.fps must be >= 0")
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 15
	}

	// Validate MQTT broker
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("narrator/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Identities == "" {
		cfg.MQTT.Topics.Identities = fmt.Sprintf("narrator/identities/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Descriptions == "" {
		cfg.MQTT.Topics.Descriptions = fmt.Sprintf("narrator/descriptions/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("narrator/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":      1,
			"identities":   0,
			"descriptions": 1,
			"health":       0,
		}
	}

	return nil
}
