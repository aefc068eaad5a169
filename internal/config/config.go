// Package config provides environment-variable configuration for the
// process via Load/getEnv* helpers, plus helpers for the settings-table
// overlay (rates, guards, DMX output mode) a running process re-reads
// without a restart.
package config

import (
	"os"
	"strconv"
)

// Config holds the process-level configuration values read once at startup.
type Config struct {
	Port string
	Env  string

	DatabaseURL string

	HTTPCORSOrigin string

	// Seed defaults for the settings-table overlay; only used the first
	// time the process runs against a fresh database.
	DefaultTrackingHz       int
	DefaultDMXHz            int
	DefaultStaleTimeoutMs   int
	DefaultLostTimeoutMs    int
	DefaultResidMaxM        float64
	DefaultMinAnchorsOnline int
	DefaultDMXOutputMode    string
	DefaultUARTDevice       string
	DefaultArtNetIP         string
	DefaultArtNetPort       int
	DefaultArtNetUniverse   int
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "4100"),
		Env:  getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", "file:./tracker.db"),

		HTTPCORSOrigin: getEnv("CORS_ORIGIN", ""),

		DefaultTrackingHz:       getEnvInt("TRACKING_HZ", 10),
		DefaultDMXHz:            getEnvInt("DMX_HZ", 30),
		DefaultStaleTimeoutMs:   getEnvInt("STALE_TIMEOUT_MS", 1500),
		DefaultLostTimeoutMs:    getEnvInt("LOST_TIMEOUT_MS", 4000),
		DefaultResidMaxM:        getEnvFloat("TRACKING_RESID_MAX_M", 5.0),
		DefaultMinAnchorsOnline: getEnvInt("MIN_ANCHORS_ONLINE", 4),
		DefaultDMXOutputMode:    getEnv("DMX_OUTPUT_MODE", "uart"),
		DefaultUARTDevice:       getEnv("DMX_UART_DEVICE", "/dev/serial0"),
		DefaultArtNetIP:         getEnv("ARTNET_TARGET_IP", "255.255.255.255"),
		DefaultArtNetPort:       getEnvInt("ARTNET_PORT", 6454),
		DefaultArtNetUniverse:   getEnvInt("ARTNET_UNIVERSE", 1),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
