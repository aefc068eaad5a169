package statemachine

import (
	"context"
	"testing"

	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/testutil"
)

func newMachine(t *testing.T) (*Machine, *testutil.TestDB, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	m, err := New(context.Background(), db.SettingRepo, db.CalibrationRepo, db.EventRepo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, db, cleanup
}

func TestDefaultStateIsSetup(t *testing.T) {
	m, _, cleanup := newMachine(t)
	defer cleanup()
	if m.Current() != Setup {
		t.Fatalf("expected SETUP, got %v", m.Current())
	}
}

func TestEnterLiveFailsWithoutReadiness(t *testing.T) {
	m, _, cleanup := newMachine(t)
	defer cleanup()

	readiness, err := m.EnterLive(context.Background(), ReadinessInputs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readiness.Ready {
		t.Fatal("expected not ready")
	}
	if m.Current() != Setup {
		t.Fatalf("expected to remain in SETUP, got %v", m.Current())
	}
}

func TestEnterLiveSucceedsWhenReady(t *testing.T) {
	m, _, cleanup := newMachine(t)
	defer cleanup()

	in := ReadinessInputs{
		MessageBusConnected: true,
		AnchorsOnline:       4,
		MinAnchorsOnline:    4,
		HasOKCalibration:    true,
		EnabledFixtureCount: 1,
		TrackingTagCount:    1,
	}
	readiness, err := m.EnterLive(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !readiness.Ready {
		t.Fatalf("expected ready, missing: %v", readiness.Missing)
	}
	if m.Current() != Live {
		t.Fatalf("expected LIVE, got %v", m.Current())
	}
}

func TestGuardMutationBlocksWhileLive(t *testing.T) {
	m, _, cleanup := newMachine(t)
	defer cleanup()

	in := ReadinessInputs{MessageBusConnected: true, AnchorsOnline: 4, MinAnchorsOnline: 4, HasOKCalibration: true, EnabledFixtureCount: 1, TrackingTagCount: 1}
	if _, err := m.EnterLive(context.Background(), in); err != nil {
		t.Fatalf("EnterLive: %v", err)
	}

	err := m.GuardMutation()
	if err == nil {
		t.Fatal("expected STATE_BLOCKED while LIVE")
	}
	if _, ok := err.(*BlockedError); !ok {
		t.Fatalf("expected *BlockedError, got %T", err)
	}
}

func TestCalibrationOnlyFromSetup(t *testing.T) {
	m, _, cleanup := newMachine(t)
	defer cleanup()

	if err := m.EnterCalibration(context.Background()); err != nil {
		t.Fatalf("expected calibration to start from SETUP: %v", err)
	}
	if m.Current() != Calibration {
		t.Fatalf("expected CALIBRATION, got %v", m.Current())
	}
	if err := m.EnterCalibration(context.Background()); err == nil {
		t.Fatal("expected refusal starting calibration twice")
	}
}

func TestEnterSafeFromAnyState(t *testing.T) {
	m, _, cleanup := newMachine(t)
	defer cleanup()

	if err := m.EnterSafe(context.Background(), "dmx send failure"); err != nil {
		t.Fatalf("EnterSafe: %v", err)
	}
	if m.Current() != Safe {
		t.Fatalf("expected SAFE, got %v", m.Current())
	}
	if err := m.ExitSafe(context.Background()); err != nil {
		t.Fatalf("ExitSafe: %v", err)
	}
	if m.Current() != Setup {
		t.Fatalf("expected SETUP after ExitSafe, got %v", m.Current())
	}
}

func TestInvalidateCalibrationsOnAnchorChange(t *testing.T) {
	m, db, cleanup := newMachine(t)
	defer cleanup()

	ctx := context.Background()

	ok := "OK"
	run := &models.CalibrationRun{TagID: "TAG1", StartedMs: 1000, Status: "finished", Result: &ok, ParamsJSON: "{}"}
	if err := db.CalibrationRepo.Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := m.InvalidateCalibrationsOnAnchorChange(ctx, 99999); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	got, err := db.CalibrationRepo.FindByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.InvalidatedMs == nil || *got.InvalidatedMs != 99999 {
		t.Fatalf("expected invalidated_ms = 99999, got %+v", got.InvalidatedMs)
	}
}
