package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthillco/uwb-tracker/internal/database/repositories"
)

// Rates holds the tick rates and timeouts stored under the "rates.global"
// settings key as a single JSON blob.
type Rates struct {
	TrackingHz     int     `json:"tracking_hz"`
	DMXHz          int     `json:"dmx_hz"`
	StaleTimeoutMs int     `json:"stale_timeout_ms"`
	LostTimeoutMs  int     `json:"lost_timeout_ms"`
	ResidMaxM      float64 `json:"-"` // lives under tracking.resid_max_m, not rates.global
}

const (
	keyRatesGlobal       = "rates.global"
	keyMinAnchorsOnline  = "guards.min_anchors_online"
	keyResidMaxM         = "tracking.resid_max_m"
	keyDMXOutputMode     = "dmx.output_mode"
	keyDMXUARTDevice     = "dmx.uart_device"
	keyArtNetTargetIP    = "artnet.target_ip"
	keyArtNetPort        = "artnet.port"
	keyArtNetUniverse    = "artnet.universe"
	keyTrackingTagMAC    = "tracking.tag_mac"
	keySystemState       = "system.state"
)

// SeedDefaults writes every settings key this process depends on if, and
// only if, it isn't already present — called once at startup so a fresh
// database boots with the config defaults instead of zero values.
func SeedDefaults(ctx context.Context, repo *repositories.SettingRepository, cfg *Config) error {
	ratesJSON, err := json.Marshal(Rates{
		TrackingHz:     cfg.DefaultTrackingHz,
		DMXHz:          cfg.DefaultDMXHz,
		StaleTimeoutMs: cfg.DefaultStaleTimeoutMs,
		LostTimeoutMs:  cfg.DefaultLostTimeoutMs,
	})
	if err != nil {
		return err
	}

	defaults := map[string]string{
		keyRatesGlobal:      string(ratesJSON),
		keyMinAnchorsOnline: fmt.Sprintf("%d", cfg.DefaultMinAnchorsOnline),
		keyResidMaxM:        fmt.Sprintf("%g", cfg.DefaultResidMaxM),
		keyDMXOutputMode:    cfg.DefaultDMXOutputMode,
		keyDMXUARTDevice:    cfg.DefaultUARTDevice,
		keyArtNetTargetIP:   cfg.DefaultArtNetIP,
		keyArtNetPort:       fmt.Sprintf("%d", cfg.DefaultArtNetPort),
		keyArtNetUniverse:   fmt.Sprintf("%d", cfg.DefaultArtNetUniverse),
		keySystemState:      "SETUP",
	}

	for key, value := range defaults {
		existing, err := repo.FindByKey(ctx, key)
		if err != nil {
			return fmt.Errorf("config: reading %s: %w", key, err)
		}
		if existing != nil {
			continue
		}
		if err := repo.Upsert(ctx, key, value); err != nil {
			return fmt.Errorf("config: seeding %s: %w", key, err)
		}
	}
	return nil
}

// LoadRates reads the current rates.global and tracking.resid_max_m
// settings, falling back to cfg's defaults for any key that's missing or
// unparsable.
func LoadRates(ctx context.Context, repo *repositories.SettingRepository, cfg *Config) Rates {
	r := Rates{
		TrackingHz:     cfg.DefaultTrackingHz,
		DMXHz:          cfg.DefaultDMXHz,
		StaleTimeoutMs: cfg.DefaultStaleTimeoutMs,
		LostTimeoutMs:  cfg.DefaultLostTimeoutMs,
		ResidMaxM:      cfg.DefaultResidMaxM,
	}

	if s, err := repo.FindByKey(ctx, keyRatesGlobal); err == nil && s != nil {
		var parsed Rates
		if json.Unmarshal([]byte(s.Value), &parsed) == nil {
			if parsed.TrackingHz > 0 {
				r.TrackingHz = parsed.TrackingHz
			}
			if parsed.DMXHz > 0 {
				r.DMXHz = parsed.DMXHz
			}
			if parsed.StaleTimeoutMs > 0 {
				r.StaleTimeoutMs = parsed.StaleTimeoutMs
			}
			if parsed.LostTimeoutMs > 0 {
				r.LostTimeoutMs = parsed.LostTimeoutMs
			}
		}
	}

	if s, err := repo.FindByKey(ctx, keyResidMaxM); err == nil && s != nil {
		var v float64
		if _, scanErr := fmt.Sscanf(s.Value, "%g", &v); scanErr == nil && v > 0 {
			r.ResidMaxM = v
		}
	}

	return r
}

// MinAnchorsOnline reads guards.min_anchors_online, falling back to cfg's
// default.
func MinAnchorsOnline(ctx context.Context, repo *repositories.SettingRepository, cfg *Config) int {
	if s, err := repo.FindByKey(ctx, keyMinAnchorsOnline); err == nil && s != nil {
		var v int
		if _, scanErr := fmt.Sscanf(s.Value, "%d", &v); scanErr == nil && v > 0 {
			return v
		}
	}
	return cfg.DefaultMinAnchorsOnline
}

// TrackingTagMAC reads tracking.tag_mac, returning "" if unset.
func TrackingTagMAC(ctx context.Context, repo *repositories.SettingRepository) string {
	if s, err := repo.FindByKey(ctx, keyTrackingTagMAC); err == nil && s != nil {
		return s.Value
	}
	return ""
}

// DMXOutput holds the resolved DMX transport configuration.
type DMXOutput struct {
	Mode        string // uart, artnet, off
	UARTDevice  string
	ArtNetIP    string
	ArtNetPort  int
	ArtNetUniv  int
}

// LoadDMXOutput reads the current dmx.output_mode and transport settings.
func LoadDMXOutput(ctx context.Context, repo *repositories.SettingRepository, cfg *Config) DMXOutput {
	out := DMXOutput{
		Mode:       cfg.DefaultDMXOutputMode,
		UARTDevice: cfg.DefaultUARTDevice,
		ArtNetIP:   cfg.DefaultArtNetIP,
		ArtNetPort: cfg.DefaultArtNetPort,
		ArtNetUniv: cfg.DefaultArtNetUniverse,
	}
	if s, err := repo.FindByKey(ctx, keyDMXOutputMode); err == nil && s != nil && s.Value != "" {
		out.Mode = s.Value
	}
	if s, err := repo.FindByKey(ctx, keyDMXUARTDevice); err == nil && s != nil && s.Value != "" {
		out.UARTDevice = s.Value
	}
	if s, err := repo.FindByKey(ctx, keyArtNetTargetIP); err == nil && s != nil && s.Value != "" {
		out.ArtNetIP = s.Value
	}
	if s, err := repo.FindByKey(ctx, keyArtNetPort); err == nil && s != nil {
		var v int
		if _, scanErr := fmt.Sscanf(s.Value, "%d", &v); scanErr == nil && v > 0 {
			out.ArtNetPort = v
		}
	}
	if s, err := repo.FindByKey(ctx, keyArtNetUniverse); err == nil && s != nil {
		var v int
		if _, scanErr := fmt.Sscanf(s.Value, "%d", &v); scanErr == nil && v > 0 {
			out.ArtNetUniv = v
		}
	}
	return out
}

// SystemStateKey is exported for internal/statemachine, which owns all
// reads/writes of the current state but shares this key name.
const SystemStateKey = keySystemState
