package calibration

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
	"github.com/anthillco/uwb-tracker/internal/statemachine"
	"github.com/anthillco/uwb-tracker/internal/testutil"
	"github.com/anthillco/uwb-tracker/internal/trilateration"
)

func newTestManager(t *testing.T) (*Manager, *testutil.TestDB, *statemachine.Machine, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	ctx := context.Background()

	sm, err := statemachine.New(ctx, db.SettingRepo, db.CalibrationRepo, db.EventRepo)
	if err != nil {
		t.Fatalf("statemachine.New: %v", err)
	}

	cache := rangecache.New()
	ps := publish.New()
	m := New(db.CalibrationRepo, db.AnchorRepo, db.DeviceSettingRepo, db.EventRepo, cache, sm, ps, Config{SampleInterval: 10 * time.Millisecond})
	return m, db, sm, cleanup
}

func TestBiasSnapshotCollectsAndFinishes(t *testing.T) {
	m, _, sm, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := m.StartBiasSnapshot(ctx, "ABCDEF012345", 50)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sm.Current() != statemachine.Calibration {
		t.Fatalf("expected CALIBRATION, got %v", sm.Current())
	}

	dA, dB := 123.4, 567.8
	m.cache.Ingest("AAAAAAAAAAA1", time.Now().UnixMilli(), []rangecache.RawRange{{TagMAC: "ABCDEF012345", DistanceM: &dA}})
	m.cache.Ingest("AAAAAAAAAAA2", time.Now().UnixMilli(), []rangecache.RawRange{{TagMAC: "ABCDEF012345", DistanceM: &dB}})

	time.Sleep(150 * time.Millisecond)

	if sm.Current() != statemachine.Setup {
		t.Fatalf("expected SETUP after finish, got %v", sm.Current())
	}
	if st := m.Status(); st.Running {
		t.Fatal("expected no active run after finish")
	}

	_ = runID
}

func TestAbortActiveFinalizesAsAborted(t *testing.T) {
	m, db, sm, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := m.StartBiasSnapshot(ctx, "ABCDEF012345", 60000)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.AbortActive(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if sm.Current() != statemachine.Setup {
		t.Fatalf("expected SETUP after abort, got %v", sm.Current())
	}

	run, err := db.CalibrationRepo.FindByID(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("find run: %v", err)
	}
	if run.Status != "aborted" || run.Result == nil || *run.Result != "ABORTED" {
		t.Fatalf("expected aborted run, got %+v", run)
	}
}

func TestStartRefusesWhileAnotherRunActive(t *testing.T) {
	m, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := m.StartBiasSnapshot(ctx, "ABCDEF012345", 60000); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.AbortActive(ctx)

	if _, err := m.StartBiasSnapshot(ctx, "ABCDEF012346", 60000); err == nil {
		t.Fatal("expected refusal while a run is active")
	}
}

func TestMultiPointSolveFitsCorrectionAndOffset(t *testing.T) {
	m, db, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	anchorPos := trilateration.Point{XCm: 500, YCm: 500, ZCm: 300}
	if _, err := db.AnchorRepo.Upsert(ctx, "AAAAAAAAAAA1"); err != nil {
		t.Fatalf("upsert anchor: %v", err)
	}
	if err := db.AnchorRepo.UpdatePosition(ctx, "AAAAAAAAAAA1", anchorPos.XCm, anchorPos.YCm, anchorPos.ZCm); err != nil {
		t.Fatalf("update position: %v", err)
	}

	// Inject a pure linear range bias; the fit must recover its inverse
	// and the corrected solve must land back on the anchor's position.
	const biasScale, biasOffsetCm = 1.05, 10.0

	venuePoints := []trilateration.Point{
		{XCm: 0, YCm: 0, ZCm: 0},
		{XCm: 1000, YCm: 0, ZCm: 0},
		{XCm: 1000, YCm: 1000, ZCm: 0},
		{XCm: 0, YCm: 1000, ZCm: 250},
	}

	for i, vp := range venuePoints {
		dx, dy, dz := anchorPos.XCm-vp.XCm, anchorPos.YCm-vp.YCm, anchorPos.ZCm-vp.ZCm
		trueDist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		measuredCm := biasScale*trueDist + biasOffsetCm

		runID, err := m.StartBiasSnapshot(ctx, "ABCDEF012345", 20)
		if err != nil {
			t.Fatalf("start run %d: %v", i, err)
		}
		m.cache.Ingest("AAAAAAAAAAA1", time.Now().UnixMilli(), []rangecache.RawRange{{TagMAC: "ABCDEF012345", DistanceM: distPtr(measuredCm / 100.0)}})
		time.Sleep(200 * time.Millisecond)

		if err := m.TagVenuePoint(ctx, runID, VenuePoint{PointID: indexToPointID(i), PositionCm: vp}); err != nil {
			t.Fatalf("tag venue point %d: %v", i, err)
		}
	}

	result, err := m.MultiPointSolve(ctx, "ABCDEF012345", 4, false)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	corr, ok := result.Corrections["AAAAAAAAAAA1"]
	if !ok {
		t.Fatal("expected a fitted correction for the anchor")
	}
	// true = (measured - 10) / 1.05, so the fitted inverse is exact.
	wantScale := 1.0 / biasScale
	wantOffset := -biasOffsetCm / biasScale
	if abs(corr.Scale-wantScale) > 0.01 {
		t.Fatalf("expected scale near %v, got %v", wantScale, corr.Scale)
	}
	if abs(corr.Offset-wantOffset) > 1.0 {
		t.Fatalf("expected offset near %v, got %v", wantOffset, corr.Offset)
	}

	off, ok := result.Offsets["AAAAAAAAAAA1"]
	if !ok {
		t.Fatal("expected an offset estimate for the anchor")
	}
	// The correction absorbs the whole bias, so the re-solved anchor
	// position should coincide with the base position.
	if abs(off.XCm) > 2 || abs(off.YCm) > 2 || abs(off.ZCm) > 2 {
		t.Fatalf("expected near-zero offset once the bias is corrected, got %+v", off)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func distPtr(v float64) *float64 { return &v }

func indexToPointID(i int) string {
	return "P" + string(rune('A'+i))
}
