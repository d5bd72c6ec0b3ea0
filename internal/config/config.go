package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps how much Load is willing to read. Config files
// are small; anything bigger is a mistake.
const MaxConfigFileBytes = 1 << 20

// CameraConfig describes the camera link and the exposure loop.
type CameraConfig struct {
	Name       string `yaml:"name"`         // device name, used in topic paths
	Simulation bool   `yaml:"simulation"`   // use the built-in simulator (true=dev/test, false=real camera)
	Gain       int    `yaml:"gain"`         // analog gain applied at connect
	BasePollMs int    `yaml:"base_poll_ms"` // dispatch tick period (ms)
}

// ThermalConfig tunes the cooler regulation loop.
type ThermalConfig struct {
	EmitThresholdC float64 `yaml:"emit_threshold_c"` // suppress readback changes smaller than this (°C)
	FastPollMs     int     `yaml:"fast_poll_ms"`     // poll period while regulating (ms)
	SlowPollMs     int     `yaml:"slow_poll_ms"`     // poll period at steady state (ms)
	MinSetpointC   float64 `yaml:"min_setpoint_c"`   // coldest accepted setpoint (°C)
	MaxSetpointC   float64 `yaml:"max_setpoint_c"`   // warmest accepted setpoint (°C)
}

// MQTTConfig describes the broker the driver exposes its properties on.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`    // e.g., "tcp://localhost:1883"
	ClientID     string `yaml:"client_id"` // empty = derived from camera name
	RootTopic    string `yaml:"root_topic"`
	KeepAliveS   int    `yaml:"keep_alive_s"`
	PingTimeoutS int    `yaml:"ping_timeout_s"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console encoder with human timestamps
}

// Config aggregates all application configuration.
type Config struct {
	Camera  CameraConfig  `yaml:"camera"`
	Thermal ThermalConfig `yaml:"thermal"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Logging LoggingConfig `yaml:"logging"`
}

// ValidateConfigPath rejects paths that do not look like a project config:
// the file must use the .yaml extension, live in a configs/ directory and
// not traverse parent directories.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if ext := filepath.Ext(path); ext != ".yaml" {
		return fmt.Errorf("config file must use the .yaml extension, got %q", ext)
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("config path must not traverse parent directories: %q", path)
		}
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config file must live in a configs/ directory, got %q", filepath.Dir(path))
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	if cfg.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if cfg.Camera.Gain < 0 {
		return nil, fmt.Errorf("camera.gain must be >= 0, got %d", cfg.Camera.Gain)
	}
	if cfg.Thermal.EmitThresholdC < 0 {
		return nil, fmt.Errorf("thermal.emit_threshold_c must be >= 0, got %.2f", cfg.Thermal.EmitThresholdC)
	}

	// Default values
	if cfg.Camera.Name == "" {
		cfg.Camera.Name = "camera"
	}
	if cfg.Camera.Gain == 0 {
		cfg.Camera.Gain = 4 // mid-range analog gain
	}
	if cfg.Camera.BasePollMs <= 0 {
		cfg.Camera.BasePollMs = 1000 // one exposure/thermal tick per second
	}
	if cfg.Thermal.EmitThresholdC == 0 {
		cfg.Thermal.EmitThresholdC = 0.25
	}
	if cfg.Thermal.FastPollMs <= 0 {
		cfg.Thermal.FastPollMs = 1000
	}
	if cfg.Thermal.SlowPollMs <= 0 {
		cfg.Thermal.SlowPollMs = 5000
	}
	if cfg.Thermal.MinSetpointC == 0 && cfg.Thermal.MaxSetpointC == 0 {
		cfg.Thermal.MinSetpointC = -55
		cfg.Thermal.MaxSetpointC = 45
	}
	if cfg.Thermal.MinSetpointC >= cfg.Thermal.MaxSetpointC {
		return nil, fmt.Errorf("thermal.min_setpoint_c (%.1f) must be below thermal.max_setpoint_c (%.1f)",
			cfg.Thermal.MinSetpointC, cfg.Thermal.MaxSetpointC)
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "camgo-" + strings.ReplaceAll(strings.ToLower(cfg.Camera.Name), " ", "-")
	}
	if cfg.MQTT.RootTopic == "" {
		cfg.MQTT.RootTopic = "camgo"
	}
	if cfg.MQTT.KeepAliveS <= 0 {
		cfg.MQTT.KeepAliveS = 30
	}
	if cfg.MQTT.PingTimeoutS <= 0 {
		cfg.MQTT.PingTimeoutS = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// BasePollInterval returns the dispatch tick period.
func (c *Config) BasePollInterval() time.Duration {
	return time.Duration(c.Camera.BasePollMs) * time.Millisecond
}

// ThermalFastInterval returns the poll period used while the cooler is
// regulating toward a new setpoint.
func (c *Config) ThermalFastInterval() time.Duration {
	return time.Duration(c.Thermal.FastPollMs) * time.Millisecond
}

// ThermalSlowInterval returns the poll period used at steady state.
func (c *Config) ThermalSlowInterval() time.Duration {
	return time.Duration(c.Thermal.SlowPollMs) * time.Millisecond
}

// KeepAlive returns the MQTT keep-alive period.
func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.MQTT.KeepAliveS) * time.Second
}

// PingTimeout returns how long to wait for an MQTT ping response.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.MQTT.PingTimeoutS) * time.Second
}
