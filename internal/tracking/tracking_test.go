package tracking

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/anthillco/uwb-tracker/internal/anchors"
	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
	"github.com/anthillco/uwb-tracker/internal/testutil"
)

// roomCorners is a non-degenerate anchor layout: two diagonally opposite
// corners raised so the anchors are not coplanar and the solver's geometry
// constrains all three axes.
func roomCorners() map[string][3]float64 {
	return map[string][3]float64{
		"AAAAAAAAAAA1": {0, 0, 0},
		"AAAAAAAAAAA2": {1000, 0, 200},
		"AAAAAAAAAAA3": {1000, 1000, 0},
		"AAAAAAAAAAA4": {0, 1000, 200},
	}
}

func seedRoomAnchors(t *testing.T, db *testutil.TestDB) {
	t.Helper()
	ctx := context.Background()
	for id, xyz := range roomCorners() {
		if _, err := db.AnchorRepo.Upsert(ctx, id); err != nil {
			t.Fatalf("upsert anchor: %v", err)
		}
		if err := db.AnchorRepo.UpdatePosition(ctx, id, xyz[0], xyz[1], xyz[2]); err != nil {
			t.Fatalf("update position: %v", err)
		}
		if err := db.AnchorRepo.UpdateLastSeen(ctx, id, time.Now().UnixMilli(), true); err != nil {
			t.Fatalf("update last seen: %v", err)
		}
	}
}

func dist(x1, y1, z1, x2, y2, z2 float64) float64 {
	dx, dy, dz := x1-x2, y1-y2, z1-z2
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func TestTickProducesTrackingFix(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	seedRoomAnchors(t, db)

	registry := anchors.New(db.AnchorRepo)
	cache := rangecache.New()
	ps := publish.New()
	sub := ps.Subscribe("tracking/ABCDEF012345/position", 4)

	nowMs := time.Now().UnixMilli()
	target := [3]float64{500, 500, 300}
	for id, xyz := range roomCorners() {
		dM := dist(target[0], target[1], target[2], xyz[0], xyz[1], xyz[2]) / 100.0
		dCopy := dM
		cache.Ingest(id, nowMs, []rangecache.RawRange{{TagMAC: "ABCDEF012345", DistanceM: &dCopy}})
	}

	e := New(cache, registry, ps, Config{TrackingHz: 10, StaleTimeoutMs: 1500, LostTimeoutMs: 4000, ResidMaxM: 5.0}, nil)
	e.tick(context.Background())

	pos := e.Position("ABCDEF012345")
	if pos == nil || pos.State != Tracking {
		t.Fatalf("expected TRACKING, got %+v", pos)
	}
	if pos.PositionCm == nil {
		t.Fatal("expected a position")
	}
	if math.Abs(pos.PositionCm.XCm-500) > 5 || math.Abs(pos.PositionCm.YCm-500) > 5 {
		t.Fatalf("expected ~ (500,500,300), got %+v", pos.PositionCm)
	}

	select {
	case <-sub.Channel:
	case <-time.After(time.Second):
		t.Fatal("expected a published position")
	}
}

func TestTickEmitsLostWithoutSamples(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	seedRoomAnchors(t, db)

	registry := anchors.New(db.AnchorRepo)
	cache := rangecache.New()
	ps := publish.New()

	e := New(cache, registry, ps, Config{TrackingHz: 10, StaleTimeoutMs: 1500, LostTimeoutMs: 4000, ResidMaxM: 5.0}, func() []string {
		return []string{"GHOST"}
	})
	e.tick(context.Background())

	pos := e.Position("GHOST")
	if pos == nil || pos.State != Lost {
		t.Fatalf("expected LOST for a tag with no samples and no prior fix, got %+v", pos)
	}
	if pos.PositionCm != nil {
		t.Fatal("expected no position for LOST")
	}
}

// TestFixAgesThroughStaleIntoLost drives the per-tag state machine on
// synthetic tick clocks: a fix at t0, STALE once the samples age past the
// stale timeout, LOST once the fix itself ages past the lost timeout.
func TestFixAgesThroughStaleIntoLost(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	seedRoomAnchors(t, db)

	registry := anchors.New(db.AnchorRepo)
	cache := rangecache.New()
	ps := publish.New()
	ctx := context.Background()

	e := New(cache, registry, ps, Config{TrackingHz: 10, StaleTimeoutMs: 500, LostTimeoutMs: 2000, ResidMaxM: 5.0}, nil)

	t0 := time.Now().UnixMilli()
	target := [3]float64{500, 500, 300}
	for id, xyz := range roomCorners() {
		dM := dist(target[0], target[1], target[2], xyz[0], xyz[1], xyz[2]) / 100.0
		dCopy := dM
		cache.Ingest(id, t0, []rangecache.RawRange{{TagMAC: "ABCDEF012345", DistanceM: &dCopy}})
	}

	e.tickOne(ctx, "ABCDEF012345", t0)
	pos := e.Position("ABCDEF012345")
	if pos == nil || pos.State != Tracking {
		t.Fatalf("expected TRACKING at t0, got %+v", pos)
	}

	// No new samples; the t0 samples fall out of the 500ms window.
	e.tickOne(ctx, "ABCDEF012345", t0+600)
	pos = e.Position("ABCDEF012345")
	if pos == nil || pos.State != Stale {
		t.Fatalf("expected STALE at t0+600ms, got %+v", pos)
	}
	if pos.PositionCm != nil {
		t.Fatal("expected no position while STALE")
	}

	e.tickOne(ctx, "ABCDEF012345", t0+2100)
	pos = e.Position("ABCDEF012345")
	if pos == nil || pos.State != Lost {
		t.Fatalf("expected LOST at t0+2100ms, got %+v", pos)
	}
	if pos.PositionCm != nil {
		t.Fatal("expected no position while LOST")
	}
}

func TestMostRecentlyTrackedPicksNewestFix(t *testing.T) {
	e := &Engine{positions: map[string]*Position{
		"A": {TagID: "A", State: Tracking, lastFixMs: 100},
		"B": {TagID: "B", State: Tracking, lastFixMs: 200},
		"C": {TagID: "C", State: Stale, lastFixMs: 300},
	}}
	if got := e.MostRecentlyTracked(); got != "B" {
		t.Fatalf("expected B, got %q", got)
	}
}
