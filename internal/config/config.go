package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete narrator configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig   `yaml:"camera"`
	Engine           EngineConfig   `yaml:"engine"`
	Detector         DetectorConfig `yaml:"detector"`
	Speech           SpeechConfig   `yaml:"speech"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
}

// CameraConfig contains camera settings
type CameraConfig struct {
	RTSPURL    string `yaml:"rtsp_url"`
	Resolution string `yaml:"resolution"` // 320p, 480p, 720p, 1080p
	FPS        int    `yaml:"fps"`
}

// EngineConfig contains the detection-loop settings
type EngineConfig struct {
	DetectionIntervalMS int     `yaml:"detection_interval_ms"` // cycle cadence (default: 4000)
	MinConfidence       float64 `yaml:"min_confidence"`        // detection confidence floor (default: 0.5)
	MaxObjects          int     `yaml:"max_objects"`           // narrated objects per cycle (default: 5)
}

// DetectorConfig contains the object-detection service settings.
// Primary and Fallback are two compute backends of the same service
// (typically GPU and CPU deployments).
type DetectorConfig struct {
	PrimaryEndpoint  string `yaml:"primary_endpoint"`
	FallbackEndpoint string `yaml:"fallback_endpoint"`
	TimeoutS         int    `yaml:"timeout_s"`
}

// SpeechConfig contains the speech-bridge settings. Utterance parameters
// are fixed configuration, not computed per description.
type SpeechConfig struct {
	BridgeURL  string  `yaml:"bridge_url"` // websocket URL of the TTS bridge
	Rate       float64 `yaml:"rate"`       // speech speed ratio (0.5-2.0)
	Pitch      float64 `yaml:"pitch"`      // pitch ratio (0.5-2.0)
	Volume     float64 `yaml:"volume"`     // volume ratio (0.0-1.0)
	Language   string  `yaml:"language"`
	DebounceMS int     `yaml:"debounce_ms"` // settle time after cancel (default: 100)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control      string `yaml:"control"`
	Identities   string `yaml:"identities"`
	Descriptions string `yaml:"descriptions"`
	Health       string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
