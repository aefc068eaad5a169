package anchors

import (
	"context"
	"testing"
	"time"

	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/testutil"
)

func TestEffectivePositionsAppliesOffset(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.AnchorRepo.Upsert(ctx, "AABBCCDDEE01"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.AnchorRepo.UpdatePosition(ctx, "AABBCCDDEE01", 100, 200, 300); err != nil {
		t.Fatalf("update position: %v", err)
	}
	if err := db.AnchorRepo.UpsertOffset(ctx, models.AnchorPositionOffset{AnchorID: "AABBCCDDEE01", DxCm: 1, DyCm: 2, DzCm: 3}); err != nil {
		t.Fatalf("upsert offset: %v", err)
	}

	registry := New(db.AnchorRepo)
	positions, err := registry.EffectivePositions(ctx)
	if err != nil {
		t.Fatalf("effective positions: %v", err)
	}
	pos, ok := positions["AABBCCDDEE01"]
	if !ok {
		t.Fatal("expected anchor present")
	}
	if pos.XCm != 101 || pos.YCm != 202 || pos.ZCm != 303 {
		t.Fatalf("expected base+offset, got %+v", pos)
	}
}

func TestIsOnlineReflectsStatus(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.AnchorRepo.Upsert(ctx, "AABBCCDDEE02"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.AnchorRepo.UpdateLastSeen(ctx, "AABBCCDDEE02", time.Now().UnixMilli(), true); err != nil {
		t.Fatalf("update last seen: %v", err)
	}

	registry := New(db.AnchorRepo)
	online, err := registry.IsOnline(ctx, "AABBCCDDEE02")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if !online {
		t.Fatal("expected online")
	}
}

func TestCorrectionDefaultsToIdentity(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	registry := New(db.AnchorRepo)
	c, err := registry.Correction(ctx, "UNKNOWNANCH")
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	if c.RangeScale != 1 || c.RangeOffsetCm != 0 {
		t.Fatalf("expected identity correction, got %+v", c)
	}
	if got := c.Apply(500); got != 500 {
		t.Fatalf("expected identity apply to be a no-op, got %v", got)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.AnchorRepo.Upsert(ctx, "AABBCCDDEE03"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	registry := New(db.AnchorRepo)
	if _, err := registry.EffectivePositions(ctx); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	if err := db.AnchorRepo.UpdatePosition(ctx, "AABBCCDDEE03", 50, 60, 70); err != nil {
		t.Fatalf("update position: %v", err)
	}
	registry.Invalidate()

	positions, err := registry.EffectivePositions(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if positions["AABBCCDDEE03"].XCm != 50 {
		t.Fatalf("expected updated position visible after invalidate, got %+v", positions["AABBCCDDEE03"])
	}
}
