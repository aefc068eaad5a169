// Package statemachine implements the SETUP/CALIBRATION/LIVE/SAFE state
// manager: readiness gates for entering LIVE, mutation guards
// while LIVE, and calibration invalidation on anchor-position changes.
package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthillco/uwb-tracker/internal/database/repositories"
)

// State is one of the four system states.
type State string

const (
	Setup       State = "SETUP"
	Calibration State = "CALIBRATION"
	Live        State = "LIVE"
	Safe        State = "SAFE"
)

const settingsKeyState = "system.state"

// Readiness is the result of a LIVE-entry readiness check.
type Readiness struct {
	Ready   bool     `json:"ready"`
	Missing []string `json:"missing,omitempty"`
}

// ReadinessInputs are the counters the readiness check needs; the caller
// (process wiring) gathers them from the relevant packages each time a
// transition to LIVE is attempted.
type ReadinessInputs struct {
	MessageBusConnected bool
	AnchorsOnline       int
	MinAnchorsOnline    int
	HasOKCalibration    bool
	EnabledFixtureCount int
	TrackingTagCount    int
}

// Machine owns the current system state, persisted to the settings table.
type Machine struct {
	settingsRepo    *repositories.SettingRepository
	calibrationRepo *repositories.CalibrationRepository
	eventRepo       *repositories.EventRepository

	mu    sync.RWMutex
	state State
}

// New creates a Machine, loading the persisted state (defaulting to SETUP
// if none is stored yet).
func New(ctx context.Context, settingsRepo *repositories.SettingRepository, calibrationRepo *repositories.CalibrationRepository, eventRepo *repositories.EventRepository) (*Machine, error) {
	m := &Machine{settingsRepo: settingsRepo, calibrationRepo: calibrationRepo, eventRepo: eventRepo, state: Setup}

	s, err := settingsRepo.FindByKey(ctx, settingsKeyState)
	if err != nil {
		return nil, err
	}
	if s != nil && s.Value != "" {
		m.state = State(s.Value)
	}
	return m, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLive reports whether the current state is LIVE — the guard check
// every mutating operation must call before writing.
func (m *Machine) IsLive() bool {
	return m.Current() == Live
}

// GuardMutation returns a STATE_BLOCKED error if the state is LIVE,
// otherwise nil. Call this at the top of any anchor/fixture/calibration/
// DMX-mode/settings write path.
func (m *Machine) GuardMutation() error {
	if m.IsLive() {
		return &BlockedError{Reason: "system is LIVE; mutations are blocked"}
	}
	return nil
}

// BlockedError is the structured STATE_BLOCKED refusal shape an API layer
// can format for an operator.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return fmt.Sprintf("STATE_BLOCKED: %s", e.Reason) }

func (m *Machine) persist(ctx context.Context, s State) error {
	if err := m.settingsRepo.Upsert(ctx, settingsKeyState, string(s)); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	return nil
}

// CheckReadiness evaluates the LIVE-entry readiness gates without
// transitioning.
func CheckReadiness(in ReadinessInputs) Readiness {
	var missing []string
	if !in.MessageBusConnected {
		missing = append(missing, "message_bus_connected")
	}
	if in.AnchorsOnline < in.MinAnchorsOnline {
		missing = append(missing, "anchors_online")
	}
	if !in.HasOKCalibration {
		missing = append(missing, "calibration_ok")
	}
	if in.EnabledFixtureCount < 1 {
		missing = append(missing, "fixtures_enabled")
	}
	if in.TrackingTagCount < 1 {
		missing = append(missing, "tracking_tag")
	}
	return Readiness{Ready: len(missing) == 0, Missing: missing}
}

// EnterCalibration transitions SETUP -> CALIBRATION. Refused from any
// other state.
func (m *Machine) EnterCalibration(ctx context.Context) error {
	if m.Current() != Setup {
		return &BlockedError{Reason: "calibration can only start from SETUP"}
	}
	return m.persist(ctx, Calibration)
}

// ExitCalibration transitions CALIBRATION -> SETUP. Refused from any
// other state.
func (m *Machine) ExitCalibration(ctx context.Context) error {
	if m.Current() != Calibration {
		return &BlockedError{Reason: "not in CALIBRATION"}
	}
	return m.persist(ctx, Setup)
}

// EnterLive transitions SETUP -> LIVE iff readiness holds.
func (m *Machine) EnterLive(ctx context.Context, in ReadinessInputs) (Readiness, error) {
	if m.Current() != Setup {
		return Readiness{}, &BlockedError{Reason: "LIVE can only be entered from SETUP"}
	}
	readiness := CheckReadiness(in)
	if !readiness.Ready {
		return readiness, nil
	}
	return readiness, m.persist(ctx, Live)
}

// ExitLive transitions LIVE -> SETUP on operator request.
func (m *Machine) ExitLive(ctx context.Context) error {
	if m.Current() != Live {
		return &BlockedError{Reason: "not in LIVE"}
	}
	return m.persist(ctx, Setup)
}

// EnterSafe transitions any state to SAFE on a severe fault (e.g. a DMX
// send failure).
func (m *Machine) EnterSafe(ctx context.Context, reason string) error {
	if err := m.persist(ctx, Safe); err != nil {
		return err
	}
	if m.eventRepo != nil {
		_ = m.eventRepo.Append(ctx, "safe_entered", reason, nil)
	}
	return nil
}

// ExitSafe transitions SAFE -> SETUP on operator request.
func (m *Machine) ExitSafe(ctx context.Context) error {
	if m.Current() != Safe {
		return &BlockedError{Reason: "not in SAFE"}
	}
	return m.persist(ctx, Setup)
}

// InvalidateCalibrationsOnAnchorChange marks every previously-OK,
// non-invalidated calibration run as invalidated at nowMs, and emits a
// calibration_invalidated event ("Calibration invalidation").
// Call this after any successful anchor-position write.
func (m *Machine) InvalidateCalibrationsOnAnchorChange(ctx context.Context, nowMs int64) error {
	n, err := m.calibrationRepo.InvalidateAllOK(ctx, nowMs)
	if err != nil {
		return err
	}
	if n > 0 && m.eventRepo != nil {
		_ = m.eventRepo.Append(ctx, "calibration_invalidated", "anchor position changed", nil)
	}
	return nil
}
