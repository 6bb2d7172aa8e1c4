package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Control     ControlConfig     `yaml:"control"`
	Persistence PersistenceConfig `yaml:"persistence"`
	AutoApply   AutoApplyConfig   `yaml:"auto_apply"`
	Zones       []ZoneConfig      `yaml:"zones"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	ListenPort int    `yaml:"listen_port"` // API + metrics port
	LogLevel   string `yaml:"log_level"`
}

// ControlConfig contains control-loop and analysis settings shared by all zones
type ControlConfig struct {
	TickInterval         time.Duration `yaml:"tick_interval"`         // How often the per-zone tick runs
	ColdTolerance        float64       `yaml:"cold_tolerance"`        // Band below setpoint before debt accrues (°C)
	TransportDelay       time.Duration `yaml:"transport_delay"`       // Dead time skipped at cycle start
	SettlingTolerance    float64       `yaml:"settling_tolerance"`    // Settling band around setpoint (°C)
	OscillationThreshold float64       `yaml:"oscillation_threshold"` // Hysteresis band for oscillation counting (°C)
}

// PersistenceConfig contains state-store settings
type PersistenceConfig struct {
	Path     string        `yaml:"path"`     // Badger database directory
	Debounce time.Duration `yaml:"debounce"` // Minimum interval between state writes per zone
	Memory   bool          `yaml:"memory"`   // Use the in-memory store (testing / dry runs)
}

// AutoApplyConfig gates automatic application of learned gain recommendations
type AutoApplyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ZoneConfig describes one controlled zone
type ZoneConfig struct {
	Name        string  `yaml:"name"`
	HeatingType string  `yaml:"heating_type"` // floor_hydronic, radiator, convector
	Setpoint    float64 `yaml:"setpoint"`     // Initial target temperature (°C)
	Baseline    Gains   `yaml:"baseline"`     // Physics-derived starting PID gains
	Sensor      string  `yaml:"sensor"`       // Optional hwmon temp file polled by the tick loop
}

// LoadConfig loads and parses the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Set defaults for any missing values
	setDefaults(&config)

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for any missing configuration fields
func setDefaults(config *Config) {
	if config.Server.ListenPort == 0 {
		config.Server.ListenPort = 9190
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = "info"
	}
	if config.Control.TickInterval == 0 {
		config.Control.TickInterval = 30 * time.Second
	}
	if config.Control.ColdTolerance == 0 {
		config.Control.ColdTolerance = 0.3
	}
	if config.Control.TransportDelay == 0 {
		config.Control.TransportDelay = 2 * time.Minute
	}
	if config.Control.SettlingTolerance == 0 {
		config.Control.SettlingTolerance = 0.2
	}
	if config.Control.OscillationThreshold == 0 {
		config.Control.OscillationThreshold = 0.1
	}
	if config.Persistence.Path == "" {
		config.Persistence.Path = "/var/lib/zone-controller"
	}
	if config.Persistence.Debounce == 0 {
		config.Persistence.Debounce = 30 * time.Second
	}
	for i := range config.Zones {
		zone := &config.Zones[i]
		if zone.Setpoint == 0 {
			zone.Setpoint = 20.0
		}
		if zone.Baseline.Kp == 0 {
			zone.Baseline.Kp = 5.0
		}
		if zone.Baseline.Ki == 0 {
			zone.Baseline.Ki = 0.1
		}
		if zone.Baseline.Kd == 0 {
			zone.Baseline.Kd = 20.0
		}
	}
}

// Validate checks all configuration values for logical consistency
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 1-65535, got %d", c.Server.ListenPort)
	}
	if c.Server.LogLevel != "debug" && c.Server.LogLevel != "info" &&
		c.Server.LogLevel != "warn" && c.Server.LogLevel != "error" {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error, got %s", c.Server.LogLevel)
	}

	// Control validation
	if c.Control.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.Control.TickInterval)
	}
	if c.Control.ColdTolerance < 0 {
		return fmt.Errorf("cold_tolerance must be non-negative, got %.2f", c.Control.ColdTolerance)
	}
	if c.Control.TransportDelay < 0 {
		return fmt.Errorf("transport_delay must be non-negative, got %v", c.Control.TransportDelay)
	}
	if c.Control.SettlingTolerance <= 0 {
		return fmt.Errorf("settling_tolerance must be positive, got %.2f", c.Control.SettlingTolerance)
	}
	if c.Control.OscillationThreshold <= 0 {
		return fmt.Errorf("oscillation_threshold must be positive, got %.2f", c.Control.OscillationThreshold)
	}

	// Persistence validation
	if c.Persistence.Debounce < 0 {
		return fmt.Errorf("persistence debounce must be non-negative, got %v", c.Persistence.Debounce)
	}

	// Zone validation
	if len(c.Zones) == 0 {
		return fmt.Errorf("at least one zone must be configured")
	}
	seen := make(map[string]bool)
	for _, zone := range c.Zones {
		if zone.Name == "" {
			return fmt.Errorf("zone name must not be empty")
		}
		if seen[zone.Name] {
			return fmt.Errorf("duplicate zone name %q", zone.Name)
		}
		seen[zone.Name] = true
		if _, err := ParseHeatingType(zone.HeatingType); err != nil {
			return fmt.Errorf("zone %q: %w", zone.Name, err)
		}
		if zone.Setpoint < 5 || zone.Setpoint > 35 {
			return fmt.Errorf("zone %q: setpoint must be between 5-35°C, got %.1f", zone.Name, zone.Setpoint)
		}
		if zone.Baseline.Kp < 0 || zone.Baseline.Ki < 0 || zone.Baseline.Kd < 0 {
			return fmt.Errorf("zone %q: baseline gains must be non-negative", zone.Name)
		}
	}

	return nil
}
