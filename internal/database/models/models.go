// Package models contains the database model definitions for the tracking
// and DMX control plane. Each type maps directly to one of the tables in
// the persistence contract.
package models

import "time"

// Anchor is a fixed UWB ranging station. ID is the canonical 12-nibble MAC.
// Table: anchors
type Anchor struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Alias      *string   `gorm:"column:alias"`
	XCm        float64   `gorm:"column:x_cm"`
	YCm        float64   `gorm:"column:y_cm"`
	ZCm        float64   `gorm:"column:z_cm"`
	LastSeenMs int64     `gorm:"column:last_seen_ms"`
	Status     string    `gorm:"column:status;default:UNKNOWN"` // ONLINE, OFFLINE, UNKNOWN
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Anchor) TableName() string { return "anchors" }

// AnchorPositionOffset is the calibration-derived (dx,dy,dz) applied to an
// anchor's base position. Table: anchor_position_offsets
type AnchorPositionOffset struct {
	AnchorID  string    `gorm:"column:anchor_id;primaryKey"`
	DxCm      float64   `gorm:"column:dx_cm"`
	DyCm      float64   `gorm:"column:dy_cm"`
	DzCm      float64   `gorm:"column:dz_cm"`
	SourceRun *string   `gorm:"column:source_run"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (AnchorPositionOffset) TableName() string { return "anchor_position_offsets" }

// RangeCorrection is the per-anchor linear distance correction derived by
// calibration: corrected_cm = range_scale*measured_cm + range_offset_cm.
// Table: range_corrections (one row per anchor).
type RangeCorrection struct {
	AnchorID    string    `gorm:"column:anchor_id;primaryKey"`
	RangeScale  float64   `gorm:"column:range_scale;default:1"`
	RangeOffset float64   `gorm:"column:range_offset_cm"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (RangeCorrection) TableName() string { return "range_corrections" }

// DeviceSetting is a (mac,key) -> value row, the generic per-device settings
// surface used to push arbitrary apply_settings commands to anchors.
// Table: device_settings
type DeviceSetting struct {
	DeviceID  string    `gorm:"column:device_id;primaryKey"`
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (DeviceSetting) TableName() string { return "device_settings" }

// FixtureProfile describes how to lay out DMX channels for a fixture type.
// Table: fixture_profiles
type FixtureProfile struct {
	Key             string    `gorm:"column:key;primaryKey"`
	Label           string    `gorm:"column:label"`
	Channels        int       `gorm:"column:channels"`
	PanCoarse       *int      `gorm:"column:pan_coarse"`
	PanFine         *int      `gorm:"column:pan_fine"`
	TiltCoarse      *int      `gorm:"column:tilt_coarse"`
	TiltFine        *int      `gorm:"column:tilt_fine"`
	NamedChannelsJSON *string `gorm:"column:named_channels_json"` // optional {name: offset} for open-format profiles
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (FixtureProfile) TableName() string { return "fixture_profiles" }

// Fixture is a physical moving-head luminaire mounted at a known position.
// Table: fixtures
type Fixture struct {
	ID             string  `gorm:"column:id;primaryKey"`
	ProfileKey     string  `gorm:"column:profile_key;index"`
	Universe       int     `gorm:"column:universe"`
	BaseDMXAddress int     `gorm:"column:base_dmx_address"`
	MountXCm       float64 `gorm:"column:mount_x_cm"`
	MountYCm       float64 `gorm:"column:mount_y_cm"`
	MountZCm       float64 `gorm:"column:mount_z_cm"`
	PanMinDeg      float64 `gorm:"column:pan_min_deg;default:-180"`
	PanMaxDeg      float64 `gorm:"column:pan_max_deg;default:180"`
	PanZeroDeg     float64 `gorm:"column:pan_zero_deg"`
	PanOffsetDeg   float64 `gorm:"column:pan_offset_deg"`
	TiltMinDeg     float64 `gorm:"column:tilt_min_deg;default:-90"`
	TiltMaxDeg     float64 `gorm:"column:tilt_max_deg;default:90"`
	TiltZeroDeg    float64 `gorm:"column:tilt_zero_deg"`
	TiltOffsetDeg  float64 `gorm:"column:tilt_offset_deg"`
	InvertPan      bool    `gorm:"column:invert_pan"`
	InvertTilt     bool    `gorm:"column:invert_tilt"`
	SlewPanDegS    float64 `gorm:"column:slew_pan_deg_s"`
	SlewTiltDegS   float64 `gorm:"column:slew_tilt_deg_s"`
	Enabled        bool    `gorm:"column:enabled;default:true"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Fixture) TableName() string { return "fixtures" }

// Setting is a generic key -> string settings row (system.state,
// rates.global, guards.min_anchors_online, tracking.resid_max_m,
// dmx.output_mode, etc). Table: settings
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Setting) TableName() string { return "settings" }

// CalibrationRun records one calibration session: a bias snapshot for a
// single tag, or (tagged via Params) a venue point contributing to a
// multi-point solve. Table: calibration_runs
type CalibrationRun struct {
	ID             string    `gorm:"column:id;primaryKey"`
	TagID          string    `gorm:"column:tag_id;index"`
	StartedMs      int64     `gorm:"column:started_ms"`
	EndedMs        *int64    `gorm:"column:ended_ms"`
	Status         string    `gorm:"column:status"` // running, finished, aborted, committed, discarded
	Result         *string   `gorm:"column:result"` // OK, FAILED, ABORTED
	ParamsJSON     string    `gorm:"column:params_json"`
	SummaryJSON    *string   `gorm:"column:summary_json"`
	InvalidatedMs  *int64    `gorm:"column:invalidated_ms"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (CalibrationRun) TableName() string { return "calibration_runs" }

// EventLogEntry is an append-only operator-visible event.
// Table: event_log
type EventLogEntry struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Kind      string    `gorm:"column:kind"`
	Message   string    `gorm:"column:message"`
	DataJSON  *string   `gorm:"column:data_json"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (EventLogEntry) TableName() string { return "event_log" }
