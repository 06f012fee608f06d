// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all application configuration values.
type Config struct {
	// Identity and modes
	Identity       string
	EnableTracking bool
	EnablePresence bool

	// MQTT
	MQTTBroker          string
	MQTTClientID        string
	TopicPresencePrefix string

	// GPS
	GPSSerialPort string // "sim" selects the simulated device
	GPSBaudRate   int

	// Storage
	DBPath string

	// Web Server
	WebServerPort int

	// Position watch (milliseconds)
	WatchTimeout int
	WatchMaxAge  int

	// Tracking
	TrackingMinDistance float64 // metres
	TrackingMinTime     int     // milliseconds
	FlushInterval       int     // milliseconds
	FlushThreshold      int
	BufferCap           int
	RetryKeep           int
	FlushFailureReport  int

	// Presence
	BroadcastInterval int // milliseconds
	Venues            []Venue
	GroupRadius       float64 // metres
	GroupSize         int
	PositionStale     int // milliseconds

	// Backpressure guard
	BreakerFailureThreshold int
	BreakerWindow           int // milliseconds
	BreakerCooldown         int // milliseconds
	BreakerDegradedSlots    int

	// Distribution bus
	CellPrecision int
	BusQueueSize  int
}

// Venue is a known place for the at_venue trigger.
type Venue struct {
	Name      string
	Latitude  float64
	Longitude float64
	Radius    float64 // metres
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through Get, set once by InitGlobal.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: write lock for initialization, read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		EnableTracking:          true,
		MQTTBroker:              "tcp://localhost:1883",
		MQTTClientID:            "geopresence",
		TopicPresencePrefix:     "geopresence/presence",
		GPSSerialPort:           "/dev/serial0",
		GPSBaudRate:             9600,
		DBPath:                  "geopresence.db",
		WebServerPort:           8080,
		WatchTimeout:            20000,
		WatchMaxAge:             30000,
		TrackingMinDistance:     10,
		TrackingMinTime:         20000,
		FlushInterval:           20000,
		FlushThreshold:          10,
		BufferCap:               100,
		RetryKeep:               50,
		FlushFailureReport:      3,
		BroadcastInterval:       10000,
		GroupRadius:             50,
		GroupSize:               2,
		PositionStale:           900000,
		BreakerFailureThreshold: 5,
		BreakerWindow:           60000,
		BreakerCooldown:         30000,
		BreakerDegradedSlots:    2,
		CellPrecision:           7,
		BusQueueSize:            64,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines on top of Default.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseInt(key, value string, min int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min {
		return 0, fmt.Errorf("%s must be >= %d, got %d", key, min, v)
	}
	return v, nil
}

func parseFloat(key, value string, min float64) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min {
		return 0, fmt.Errorf("%s must be >= %v, got %v", key, min, v)
	}
	return v, nil
}

// parseVenues reads "name:lat:lng:radius" entries separated by ";".
func parseVenues(value string) ([]Venue, error) {
	var venues []Venue
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid venue %q, want name:lat:lng:radius", entry)
		}
		v := Venue{Name: strings.TrimSpace(parts[0])}
		var err error
		if v.Latitude, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil || v.Latitude < -90 || v.Latitude > 90 {
			return nil, fmt.Errorf("venue %s: invalid latitude %q", v.Name, parts[1])
		}
		if v.Longitude, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err != nil || v.Longitude < -180 || v.Longitude > 180 {
			return nil, fmt.Errorf("venue %s: invalid longitude %q", v.Name, parts[2])
		}
		if v.Radius, err = strconv.ParseFloat(strings.TrimSpace(parts[3]), 64); err != nil || v.Radius <= 0 {
			return nil, fmt.Errorf("venue %s: invalid radius %q", v.Name, parts[3])
		}
		venues = append(venues, v)
	}
	return venues, nil
}

func parseBool(key, value string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	case "IDENTITY":
		c.Identity = value
	case "ENABLE_TRACKING":
		c.EnableTracking, err = parseBool(key, value)
	case "ENABLE_PRESENCE":
		c.EnablePresence, err = parseBool(key, value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_PRESENCE_PREFIX":
		c.TopicPresencePrefix = strings.TrimSuffix(value, "/")

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		c.GPSBaudRate, err = parseInt(key, value, 1)

	case "DB_PATH":
		c.DBPath = value
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value, 1)
		if err == nil && c.WebServerPort > 65535 {
			err = fmt.Errorf("WEB_SERVER_PORT must be <= 65535, got %d", c.WebServerPort)
		}

	// Watch
	case "WATCH_TIMEOUT_MS":
		c.WatchTimeout, err = parseInt(key, value, 1)
	case "WATCH_MAX_AGE_MS":
		c.WatchMaxAge, err = parseInt(key, value, 0)

	// Tracking
	case "TRACKING_MIN_DISTANCE_M":
		c.TrackingMinDistance, err = parseFloat(key, value, 0)
	case "TRACKING_MIN_TIME_MS":
		c.TrackingMinTime, err = parseInt(key, value, 0)
	case "FLUSH_INTERVAL_MS":
		c.FlushInterval, err = parseInt(key, value, 1)
	case "FLUSH_THRESHOLD":
		c.FlushThreshold, err = parseInt(key, value, 1)
	case "BUFFER_CAP":
		c.BufferCap, err = parseInt(key, value, 1)
	case "RETRY_KEEP":
		c.RetryKeep, err = parseInt(key, value, 1)
	case "FLUSH_FAILURE_REPORT":
		c.FlushFailureReport, err = parseInt(key, value, 1)

	// Presence
	case "BROADCAST_INTERVAL_MS":
		c.BroadcastInterval, err = parseInt(key, value, 1)
	case "VENUES":
		c.Venues, err = parseVenues(value)
	case "GROUP_RADIUS_M":
		c.GroupRadius, err = parseFloat(key, value, 1)
	case "GROUP_SIZE":
		c.GroupSize, err = parseInt(key, value, 1)
	case "POSITION_STALE_AFTER_MS":
		c.PositionStale, err = parseInt(key, value, 1)

	// Backpressure guard
	case "BREAKER_FAILURE_THRESHOLD":
		c.BreakerFailureThreshold, err = parseInt(key, value, 1)
	case "BREAKER_WINDOW_MS":
		c.BreakerWindow, err = parseInt(key, value, 1)
	case "BREAKER_COOLDOWN_MS":
		c.BreakerCooldown, err = parseInt(key, value, 1)
	case "BREAKER_DEGRADED_SLOTS":
		c.BreakerDegradedSlots, err = parseInt(key, value, 2)

	// Bus
	case "CELL_PRECISION":
		c.CellPrecision, err = parseInt(key, value, 1)
		if err == nil && c.CellPrecision > 12 {
			err = fmt.Errorf("CELL_PRECISION must be 1-12, got %d", c.CellPrecision)
		}
	case "BUS_QUEUE_SIZE":
		c.BusQueueSize, err = parseInt(key, value, 1)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks cross-field constraints.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.GPSSerialPort == "" {
		return fmt.Errorf("GPS_SERIAL_PORT is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.TopicPresencePrefix == "" {
		return fmt.Errorf("TOPIC_PRESENCE_PREFIX is required")
	}
	if c.EnablePresence && !c.EnableTracking {
		return fmt.Errorf("ENABLE_PRESENCE requires ENABLE_TRACKING")
	}
	if c.RetryKeep > c.BufferCap {
		return fmt.Errorf("RETRY_KEEP (%d) must not exceed BUFFER_CAP (%d)", c.RetryKeep, c.BufferCap)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// WatchTimeoutDuration is WATCH_TIMEOUT_MS as a duration.
func (c *Config) WatchTimeoutDuration() time.Duration { return ms(c.WatchTimeout) }

// WatchMaxAgeDuration is WATCH_MAX_AGE_MS as a duration.
func (c *Config) WatchMaxAgeDuration() time.Duration { return ms(c.WatchMaxAge) }

// TrackingMinTimeDuration is TRACKING_MIN_TIME_MS as a duration.
func (c *Config) TrackingMinTimeDuration() time.Duration { return ms(c.TrackingMinTime) }

// FlushIntervalDuration is FLUSH_INTERVAL_MS as a duration.
func (c *Config) FlushIntervalDuration() time.Duration { return ms(c.FlushInterval) }

// BroadcastIntervalDuration is BROADCAST_INTERVAL_MS as a duration.
func (c *Config) BroadcastIntervalDuration() time.Duration { return ms(c.BroadcastInterval) }

// PositionStaleDuration is POSITION_STALE_AFTER_MS as a duration.
func (c *Config) PositionStaleDuration() time.Duration { return ms(c.PositionStale) }

// BreakerWindowDuration is BREAKER_WINDOW_MS as a duration.
func (c *Config) BreakerWindowDuration() time.Duration { return ms(c.BreakerWindow) }

// BreakerCooldownDuration is BREAKER_COOLDOWN_MS as a duration.
func (c *Config) BreakerCooldownDuration() time.Duration { return ms(c.BreakerCooldown) }

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
