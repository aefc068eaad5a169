package integration

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/anthillco/uwb-tracker/internal/backup"
	"github.com/anthillco/uwb-tracker/internal/calibration"
	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/fixtureprofile"
	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
	"github.com/anthillco/uwb-tracker/internal/statemachine"
	"github.com/anthillco/uwb-tracker/internal/testutil"
)

// seedVenuePointRun writes a finished calibration run tagged as a venue
// point the way Manager.finish + Manager.TagVenuePoint leave one, without
// driving the real time-bounded sampling loop: it fixes the per-anchor
// measured distance directly so the fitted correction is known in advance.
func seedVenuePointRun(t *testing.T, db *testutil.TestDB, tagID, runID, pointID string, positionCm [3]float64, perAnchorMeasuredCm map[string]float64) {
	t.Helper()
	ctx := context.Background()

	params := map[string]any{
		"type":     "venue_point",
		"point_id": pointID,
		"position_cm": map[string]float64{
			"x_cm": positionCm[0], "y_cm": positionCm[1], "z_cm": positionCm[2],
		},
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}

	perAnchor := make(map[string]any, len(perAnchorMeasuredCm))
	for anchorID, measuredCm := range perAnchorMeasuredCm {
		perAnchor[anchorID] = map[string]any{
			"median_cm": measuredCm, "mean_cm": measuredCm, "min_cm": measuredCm, "max_cm": measuredCm, "count": 5,
		}
	}
	summary := map[string]any{
		"samples": 5, "anchors_used": anchorIDs(perAnchorMeasuredCm), "duration_ms": 500, "result": "OK", "per_anchor": perAnchor,
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	summaryStr := string(summaryJSON)

	okResult := "OK"
	if err := db.CalibrationRepo.Create(ctx, &models.CalibrationRun{
		ID: runID, TagID: tagID, StartedMs: 1, Status: "finished",
		Result: &okResult, ParamsJSON: string(paramsJSON), SummaryJSON: &summaryStr,
	}); err != nil {
		t.Fatalf("create venue point run %s: %v", runID, err)
	}
}

func anchorIDs(m map[string]float64) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

// TestMultiPointSolveSurvivesBackupRoundTrip fits a range correction and
// anchor offset from seeded venue-point calibration runs, applies it, and
// confirms both survive an export/import round trip into a fresh database.
func TestMultiPointSolveSurvivesBackupRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	anchorID := "AAAAAAAAAAA1"
	anchorPos := [3]float64{0, 0, 0}
	if _, err := db.AnchorRepo.Upsert(ctx, anchorID); err != nil {
		t.Fatalf("upsert anchor: %v", err)
	}
	if err := db.AnchorRepo.UpdatePosition(ctx, anchorID, anchorPos[0], anchorPos[1], anchorPos[2]); err != nil {
		t.Fatalf("update position: %v", err)
	}

	importer := fixtureprofile.NewImporter(db.FixtureRepo)
	if err := importer.EnsureBundled(ctx); err != nil {
		t.Fatalf("ensure bundled profiles: %v", err)
	}

	tagID := "ABCDEF012345"
	const trueScale, trueOffset = 1.02, 3.0

	points := map[string][3]float64{
		"p1": {500, 0, 0},
		"p2": {0, 500, 0},
		"p3": {500, 500, 0},
		"p4": {300, 400, 250},
	}
	for pointID, pos := range points {
		trueDistCm := distance3(pos, anchorPos)
		measuredCm := trueScale*trueDistCm + trueOffset
		seedVenuePointRun(t, db, tagID, "run"+pointID, pointID, pos, map[string]float64{anchorID: measuredCm})
	}

	sm, err := statemachine.New(ctx, db.SettingRepo, db.CalibrationRepo, db.EventRepo)
	if err != nil {
		t.Fatalf("statemachine.New: %v", err)
	}
	cache := rangecache.New()
	pubsub := publish.New()
	mgr := calibration.New(db.CalibrationRepo, db.AnchorRepo, db.DeviceSettingRepo, db.EventRepo, cache, sm, pubsub, calibration.Config{})

	result, err := mgr.MultiPointSolve(ctx, tagID, 4, true)
	if err != nil {
		t.Fatalf("MultiPointSolve: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the solve to apply, got %+v", result)
	}
	corr, ok := result.Corrections[anchorID]
	if !ok {
		t.Fatalf("expected a fitted correction for %s, got %+v", anchorID, result.Corrections)
	}
	// The fit maps measured back to true, so it recovers the inverse of the
	// injected bias: scale 1/trueScale, offset -trueOffset/trueScale.
	if math.Abs(corr.Scale-1/trueScale) > 0.05 || math.Abs(corr.Offset+trueOffset/trueScale) > 2.0 {
		t.Fatalf("fitted correction too far from the inverse of the injected bias: %+v", corr)
	}

	srcSvc := backup.NewService(db.AnchorRepo, db.FixtureRepo, db.SettingRepo, db.CalibrationRepo, db.EventRepo)
	snap, _, err := srcSvc.Export(ctx, 1)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := snap.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}

	dstDB, dstCleanup := testutil.SetupTestDB(t)
	defer dstCleanup()
	parsed, err := backup.ParseSnapshot(raw)
	if err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	dstSvc := backup.NewService(dstDB.AnchorRepo, dstDB.FixtureRepo, dstDB.SettingRepo, dstDB.CalibrationRepo, dstDB.EventRepo)
	if _, err := dstSvc.Import(ctx, parsed); err != nil {
		t.Fatalf("import: %v", err)
	}

	restoredCorr, err := dstDB.AnchorRepo.FindRangeCorrection(ctx, anchorID)
	if err != nil {
		t.Fatalf("find range correction: %v", err)
	}
	if restoredCorr == nil {
		t.Fatal("expected the range correction to survive the backup round trip")
	}
	if math.Abs(restoredCorr.RangeScale-corr.Scale) > 1e-9 || math.Abs(restoredCorr.RangeOffset-corr.Offset) > 1e-9 {
		t.Fatalf("restored correction %+v does not match applied correction %+v", restoredCorr, corr)
	}

	restoredAnchor, err := dstDB.AnchorRepo.FindByID(ctx, anchorID)
	if err != nil || restoredAnchor == nil {
		t.Fatalf("find restored anchor: %v", err)
	}
	if math.Abs(restoredAnchor.XCm-anchorPos[0]) > 1e-9 || math.Abs(restoredAnchor.YCm-anchorPos[1]) > 1e-9 {
		t.Fatalf("restored anchor base position drifted: %+v", restoredAnchor)
	}

	if off, ok := result.Offsets[anchorID]; ok {
		restoredOff, err := dstDB.AnchorRepo.FindOffset(ctx, anchorID)
		if err != nil {
			t.Fatalf("find offset: %v", err)
		}
		if restoredOff == nil {
			t.Fatal("expected the fitted anchor offset to survive the backup round trip")
		}
		if math.Abs(restoredOff.DxCm-off.XCm) > 1e-9 || math.Abs(restoredOff.DyCm-off.YCm) > 1e-9 {
			t.Fatalf("restored offset %+v does not match applied offset %+v", restoredOff, off)
		}
	}
}

func distance3(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
