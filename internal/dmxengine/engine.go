// Package dmxengine owns the periodic DMX-512 output worker: a
// single ticker at dmx_hz that resolves a target position (aim-test
// override or the live tracked tag), computes and slew-limits angles per
// fixture, assembles universe frames, and dispatches them through a
// pluggable driver.
package dmxengine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/anthillco/uwb-tracker/internal/database/repositories"
	"github.com/anthillco/uwb-tracker/internal/dmxdriver"
	"github.com/anthillco/uwb-tracker/internal/dmxframe"
	"github.com/anthillco/uwb-tracker/internal/fixtureprofile"
	"github.com/anthillco/uwb-tracker/internal/pantilt"
	"github.com/anthillco/uwb-tracker/internal/statemachine"
	"github.com/anthillco/uwb-tracker/internal/tracking"
)

// Config tunes the DMX worker.
type Config struct {
	DmxHz int
}

// PositionSource is the subset of the tracking engine the DMX worker needs.
type PositionSource interface {
	Position(tagID string) *tracking.Position
	MostRecentlyTracked() string
}

// TestTarget is an operator-set aim-test point that overrides live tracking
// until its expiry. Set and cleared by the aim-test API.
type TestTarget struct {
	PositionCm pantilt.Point
	ExpiryMs   int64
}

// Engine runs the DMX output worker.
type Engine struct {
	fixtureRepo  *repositories.FixtureRepository
	settingsRepo *repositories.SettingRepository
	eventRepo    *repositories.EventRepository
	sm           *statemachine.Machine
	tracker      PositionSource
	cfg          Config

	mu         sync.Mutex
	testTarget *TestTarget
	running    bool

	driverMu     sync.Mutex
	driver       dmxdriver.Driver
	driverMode   string
	driverDevice string
	driverIP     string
	driverPort   int

	// lastAngles is read and written exclusively by the tick loop goroutine;
	// no lock is needed.
	lastAngles map[string]pantilt.Angles

	publishedMu sync.RWMutex
	published   map[string]pantilt.Angles

	stopChan chan struct{}
}

// New creates an Engine.
func New(fixtureRepo *repositories.FixtureRepository, settingsRepo *repositories.SettingRepository, eventRepo *repositories.EventRepository, sm *statemachine.Machine, tracker PositionSource, cfg Config) *Engine {
	if cfg.DmxHz <= 0 {
		cfg.DmxHz = 30
	}
	return &Engine{
		fixtureRepo:  fixtureRepo,
		settingsRepo: settingsRepo,
		eventRepo:    eventRepo,
		sm:           sm,
		tracker:      tracker,
		cfg:          cfg,
		lastAngles:   make(map[string]pantilt.Angles),
		published:    make(map[string]pantilt.Angles),
		stopChan:     make(chan struct{}),
	}
}

// LastSentAngle returns the most recently sent pan/tilt angles for a
// fixture and whether the engine has sent it one yet.
func (e *Engine) LastSentAngle(fixtureID string) (pantilt.Angles, bool) {
	e.publishedMu.RLock()
	defer e.publishedMu.RUnlock()
	a, ok := e.published[fixtureID]
	return a, ok
}

// Start begins the tick loop in a new goroutine.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.loop()
}

// Stop halts the tick loop and closes the active driver.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.driverMu.Lock()
	if e.driver != nil {
		_ = e.driver.Close()
		e.driver = nil
	}
	e.driverMu.Unlock()
}

func (e *Engine) loop() {
	interval := time.Second / time.Duration(e.cfg.DmxHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// SetTestTarget installs an aim-test override active until expiryMs.
// Idempotent: calling it twice with the same arguments leaves the engine in
// the same state.
func (e *Engine) SetTestTarget(positionCm pantilt.Point, expiryMs int64) {
	e.mu.Lock()
	e.testTarget = &TestTarget{PositionCm: positionCm, ExpiryMs: expiryMs}
	e.mu.Unlock()
}

// ClearTestTarget removes any active aim-test override.
func (e *Engine) ClearTestTarget() {
	e.mu.Lock()
	e.testTarget = nil
	e.mu.Unlock()
}

func (e *Engine) tick(ctx context.Context) {
	if e.sm.Current() == statemachine.Safe {
		return
	}

	nowMs := time.Now().UnixMilli()
	target, ok := e.resolveTarget(ctx, nowMs)
	if !ok {
		return
	}

	fixtures, err := e.fixtureRepo.FindEnabled(ctx)
	if err != nil {
		return
	}

	dtS := 1.0 / float64(e.cfg.DmxHz)
	enabledIDs := make(map[string]bool, len(fixtures))
	var commands []dmxframe.Command

	for _, f := range fixtures {
		enabledIDs[f.ID] = true

		profileRow, err := e.fixtureRepo.FindProfileByKey(ctx, f.ProfileKey)
		if err != nil || profileRow == nil {
			continue
		}
		frameProfile, err := fixtureprofile.ToFrameProfile(*profileRow)
		if err != nil {
			continue
		}

		mount := pantilt.Point{XCm: f.MountXCm, YCm: f.MountYCm, ZCm: f.MountZCm}
		geometry := pantilt.Geometry{
			PanOffsetDeg:  f.PanOffsetDeg,
			TiltOffsetDeg: f.TiltOffsetDeg,
			PanZeroDeg:    f.PanZeroDeg,
			InvertPan:     f.InvertPan,
			InvertTilt:    f.InvertTilt,
			PanMinDeg:     f.PanMinDeg,
			PanMaxDeg:     f.PanMaxDeg,
			TiltMinDeg:    f.TiltMinDeg,
			TiltMaxDeg:    f.TiltMaxDeg,
		}
		computed := pantilt.Aim(mount, target, geometry)

		sent := computed
		if prev, known := e.lastAngles[f.ID]; known {
			sent = pantilt.Angles{
				PanDeg:  pantilt.SlewLimit(prev.PanDeg, computed.PanDeg, f.SlewPanDegS, dtS, true),
				TiltDeg: pantilt.SlewLimit(prev.TiltDeg, computed.TiltDeg, f.SlewTiltDegS, dtS, false),
			}
		}
		e.lastAngles[f.ID] = sent

		commands = append(commands, dmxframe.Command{
			Universe:       f.Universe,
			BaseDMXAddress: f.BaseDMXAddress,
			Profile:        frameProfile,
			PanDeg:         sent.PanDeg,
			TiltDeg:        sent.TiltDeg,
			PanMinDeg:      f.PanMinDeg,
			PanMaxDeg:      f.PanMaxDeg,
			TiltMinDeg:     f.TiltMinDeg,
			TiltMaxDeg:     f.TiltMaxDeg,
		})
	}

	// A fixture that's gone disabled loses its last-sent angle, so it's
	// aimed fresh (no slew) the next time it re-enables.
	for id := range e.lastAngles {
		if !enabledIDs[id] {
			delete(e.lastAngles, id)
		}
	}

	snapshot := make(map[string]pantilt.Angles, len(e.lastAngles))
	for id, a := range e.lastAngles {
		snapshot[id] = a
	}
	e.publishedMu.Lock()
	e.published = snapshot
	e.publishedMu.Unlock()

	if len(commands) == 0 {
		return
	}

	driver, err := e.ensureDriver(ctx)
	if err != nil {
		e.fault(ctx, fmt.Sprintf("dmx driver open failed: %v", err))
		return
	}

	frames := dmxframe.Assemble(commands)
	for universe, frame := range frames {
		if err := driver.SendFrame(frame, universe); err != nil {
			e.fault(ctx, fmt.Sprintf("dmx send failed on universe %d: %v", universe, err))
			return
		}
	}
}

func (e *Engine) resolveTarget(ctx context.Context, nowMs int64) (pantilt.Point, bool) {
	e.mu.Lock()
	tt := e.testTarget
	e.mu.Unlock()
	if tt != nil && tt.ExpiryMs > nowMs {
		return tt.PositionCm, true
	}

	if e.sm.Current() != statemachine.Live {
		return pantilt.Point{}, false
	}

	tagID := e.readSetting(ctx, "tracking.tag_mac", "")
	if tagID == "" {
		tagID = e.tracker.MostRecentlyTracked()
	}
	if tagID == "" {
		return pantilt.Point{}, false
	}

	pos := e.tracker.Position(tagID)
	if pos == nil || pos.State != tracking.Tracking || pos.PositionCm == nil {
		return pantilt.Point{}, false
	}
	return pantilt.Point{XCm: pos.PositionCm.XCm, YCm: pos.PositionCm.YCm, ZCm: pos.PositionCm.ZCm}, true
}

func (e *Engine) readSetting(ctx context.Context, key, def string) string {
	s, err := e.settingsRepo.FindByKey(ctx, key)
	if err != nil || s == nil || s.Value == "" {
		return def
	}
	return s.Value
}

// ensureDriver polls the output-mode configuration and rebuilds the driver
// if it changed. A tick calls it after the fixture commands are built, and
// only when there is at least one command to send.
func (e *Engine) ensureDriver(ctx context.Context) (dmxdriver.Driver, error) {
	mode := e.readSetting(ctx, "dmx.output_mode", "uart")
	device := e.readSetting(ctx, "dmx.uart_device", "")
	ip := e.readSetting(ctx, "artnet.target_ip", "")
	portStr := e.readSetting(ctx, "artnet.port", "6454")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 6454
	}

	e.driverMu.Lock()
	defer e.driverMu.Unlock()

	if e.driver != nil && mode == e.driverMode && device == e.driverDevice && ip == e.driverIP && port == e.driverPort {
		return e.driver, nil
	}

	newDriver, err := dmxdriver.Open(mode, device, ip, port)
	if err != nil {
		return nil, err
	}
	if e.driver != nil {
		_ = e.driver.Close()
	}
	e.driver, e.driverMode, e.driverDevice, e.driverIP, e.driverPort = newDriver, mode, device, ip, port
	return newDriver, nil
}

func (e *Engine) fault(ctx context.Context, reason string) {
	if e.eventRepo != nil {
		_ = e.eventRepo.Append(ctx, "dmx_fault", reason, nil)
	}
	_ = e.sm.EnterSafe(ctx, reason)
}
